package secrets

import (
	"fmt"
	"strings"
)

const secretRefPrefix = "$SECRET:"

// Resolver resolves $SECRET:name references in config values (engine API
// keys, console credentials) to actual secret values.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveValue resolves a single value that may be a $SECRET:name reference.
// Plain values pass through unchanged.
func (r *Resolver) ResolveValue(value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}

	name := strings.TrimPrefix(value, secretRefPrefix)
	if name == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}

	secret, err := r.store.Get(name)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// IsSecretRef reports whether a value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretRefPrefix)
}
