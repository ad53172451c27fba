package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiAddr    string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cleanroom",
		Short: "Cleanroom - CDR validation pipeline",
		Long:  "Runs file batches through CDR sanitization, AV scanning and EDR detonation to measure how much alert noise sanitization removes",
	}

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "Daemon API address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (JSON or YAML)")

	rootCmd.AddCommand(
		daemonCmd(),
		submitCmd(),
		listCmd(),
		getCmd(),
		resultsCmd(),
		cancelCmd(),
		statsCmd(),
		secretCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
