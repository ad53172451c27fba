package secrets

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	plaintext := []byte("console-api-key-123")

	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q", decrypted)
	}
}

func TestCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher("deadbeef"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewCipher("not hex at all"); err == nil {
		t.Error("non-hex key accepted")
	}
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	c := newTestCipher(t)
	encrypted, err := c.Encrypt([]byte("value"))
	if err != nil {
		t.Fatal(err)
	}
	encrypted[len(encrypted)-1] ^= 0xff
	if _, err := c.Decrypt(encrypted); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	c := newTestCipher(t)
	path := filepath.Join(t.TempDir(), "secrets.json")

	s1, err := OpenStore(path, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set("crowdstrike-api-key", []byte("abc123")); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenStore(path, c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("crowdstrike-api-key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc123" {
		t.Errorf("got %q", got)
	}
	if names := s2.List(); len(names) != 1 || names[0] != "crowdstrike-api-key" {
		t.Errorf("list = %v", names)
	}
}

func TestStoreEnvFallback(t *testing.T) {
	c := newTestCipher(t)
	s, err := OpenStore(filepath.Join(t.TempDir(), "secrets.json"), c)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("CLEANROOM_SECRET_OPSWAT_KEY", "from-env")
	got, err := s.Get("opswat-key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "from-env" {
		t.Errorf("got %q", got)
	}
}

func TestResolver(t *testing.T) {
	c := newTestCipher(t)
	s, err := OpenStore(filepath.Join(t.TempDir(), "secrets.json"), c)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("gw-key", []byte("secret-value")); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(s)

	got, err := r.ResolveValue("$SECRET:gw-key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "secret-value" {
		t.Errorf("got %q", got)
	}

	// Plain values pass through.
	plain, err := r.ResolveValue("literal-key")
	if err != nil {
		t.Fatal(err)
	}
	if plain != "literal-key" {
		t.Errorf("plain = %q", plain)
	}

	if _, err := r.ResolveValue("$SECRET:missing"); err == nil {
		t.Error("missing secret resolved")
	}
}
