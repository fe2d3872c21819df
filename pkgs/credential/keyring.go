// Package credential reads and stores account secrets in the OS keyring.
package credential

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const defaultService = "mailmon"

// Options selects the keyring service and backends.
type Options struct {
	Service string
	// Backends restricts the allowed backends by name ("keychain",
	// "secret-service", "wincred", "pass", "file"). Empty allows all of them.
	Backends []string
	FileDir  string
}

// Store is a keyring-backed secret store.
type Store struct {
	ring keyring.Keyring
}

// Open returns a store for the configured keyring.
func Open(opts Options) (*Store, error) {
	if opts.Service == "" {
		opts.Service = defaultService
	}
	if opts.FileDir == "" {
		opts.FileDir = defaultFileDir()
	}

	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if len(opts.Backends) > 0 {
		backends = backends[:0]
		for _, b := range opts.Backends {
			backends = append(backends, keyring.BackendType(b))
		}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              opts.Service,
		AllowedBackends:          backends,
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a secret by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret by key.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailmon " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a secret by key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Keys lists the stored secret names.
func (s *Store) Keys() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return keys, nil
}

// filePassword unlocks the file backend. Headless hosts set
// MAILMON_KEYRING_PASSWORD; otherwise the user is prompted on the terminal.
func filePassword(prompt string) (string, error) {
	if pw := os.Getenv("MAILMON_KEYRING_PASSWORD"); pw != "" {
		return pw, nil
	}
	return keyring.TerminalPrompt(prompt)
}

func defaultFileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mailmon-credentials")
	}
	return filepath.Join(home, ".config", "mailmon", "credentials")
}
