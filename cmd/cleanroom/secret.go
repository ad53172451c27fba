package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/cleanroom/internal/secrets"
)

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage engine credentials",
	}

	cmd.AddCommand(
		secretKeygenCmd(),
		secretSetCmd(),
		secretGetCmd(),
		secretListCmd(),
		secretDeleteCmd(),
	)
	return cmd
}

func openSecretStore() (*secrets.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Daemon.SecretsFile == "" || cfg.Daemon.SecretsKey == "" {
		return nil, fmt.Errorf("daemon.secrets_file and daemon.secrets_key_file must be set in the config")
	}
	cipher, err := secrets.NewCipherFromFile(cfg.Daemon.SecretsKey)
	if err != nil {
		return nil, err
	}
	return secrets.OpenStore(cfg.Daemon.SecretsFile, cipher)
}

func secretKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(key)
				return nil
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", out)
			}
			if err := os.WriteFile(out, []byte(key+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Printf("Key written to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the key to a file instead of stdout")
	return cmd
}

func secretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret (value read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecretStore()
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
			reader := bufio.NewReader(os.Stdin)
			value, err := reader.ReadString('\n')
			if err != nil && value == "" {
				return fmt.Errorf("read value: %w", err)
			}
			value = strings.TrimRight(value, "\r\n")
			if value == "" {
				return fmt.Errorf("empty value")
			}

			if err := s.Set(args[0], []byte(value)); err != nil {
				return err
			}
			fmt.Printf("Secret %q stored\n", args[0])
			return nil
		},
	}
}

func secretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a decrypted secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecretStore()
			if err != nil {
				return err
			}
			value, err := s.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func secretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List stored secret names",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecretStore()
			if err != nil {
				return err
			}
			names := s.List()
			if len(names) == 0 {
				fmt.Println("No secrets stored")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func secretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecretStore()
			if err != nil {
				return err
			}
			if err := s.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %q deleted\n", args[0])
			return nil
		},
	}
}
