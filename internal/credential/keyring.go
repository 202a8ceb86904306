package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailbar"

// KeyringConfig selects where secrets live. An empty Backends list allows
// every supported backend.
type KeyringConfig struct {
	Backends     []string
	FileDir      string
	FilePassword string
}

// KeyringStore is a Store over the OS keychain, Secret Service, Windows
// credential manager, pass or an encrypted file.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore wraps an open keyring
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// OpenKeyring opens the configured keyring
func OpenKeyring(cfg KeyringConfig) (*KeyringStore, error) {
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if len(cfg.Backends) > 0 {
		backends = backends[:0]
		for _, b := range cfg.Backends {
			backends = append(backends, keyring.BackendType(b))
		}
	}

	dir := cfg.FileDir
	if dir == "" {
		dir = "~/.config/mailbar/credentials"
	}
	password := cfg.FilePassword
	if password == "" {
		password = "mailbar-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

func (s *KeyringStore) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("failed to get credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *KeyringStore) Set(key, secret string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(secret),
		Label: "mailbar " + key,
	})
	if err != nil {
		return fmt.Errorf("failed to set credential %q: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete credential %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to delete credential %q: %w", key, err)
	}
	return nil
}
