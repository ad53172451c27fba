package secrets

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Store keeps engine credentials encrypted at rest in a JSON file. Entries
// are AES-GCM sealed; the file holds base64 ciphertext only.
type Store struct {
	path   string
	cipher *Cipher

	mu      sync.Mutex
	entries map[string]string // name -> base64(ciphertext)
}

// OpenStore loads (or creates) the secrets file.
func OpenStore(path string, cipher *Cipher) (*Store, error) {
	s := &Store{path: path, cipher: cipher, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	return s, nil
}

// Set encrypts and persists a secret.
func (s *Store) Set(name string, value []byte) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = base64.StdEncoding.EncodeToString(encrypted)
	return s.flushLocked()
}

// Get retrieves and decrypts a secret. Falls back to the
// CLEANROOM_SECRET_<NAME> environment variable when the file has no entry,
// so deployments can inject credentials without a secrets file.
func (s *Store) Get(name string) ([]byte, error) {
	s.mu.Lock()
	encoded, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		envName := "CLEANROOM_SECRET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
		if v := os.Getenv(envName); v != "" {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("secret %q not found", name)
	}

	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret %q: %w", name, err)
	}
	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return plaintext, nil
}

// Delete removes a secret and rewrites the file.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("secret %q not found", name)
	}
	delete(s.entries, name)
	return s.flushLocked()
}

// List returns stored secret names, sorted. Values are never listed.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
