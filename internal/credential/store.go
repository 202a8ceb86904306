// Package credential resolves account secrets (passwords and OAuth2
// access tokens) from the system keyring.
package credential

//go:generate mockgen -destination=mocks/store.go -package=mocks . Store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when no secret is stored under a key
var ErrNotFound = errors.New("credential: not found")

// Store reads and writes secrets by key
type Store interface {
	Get(key string) (string, error)
	Set(key, secret string) error
	Delete(key string) error
}

// AccountKey is the key an account's secret is stored under
func AccountKey(account string) string {
	return "mailbar:" + account
}

// MemoryStore keeps secrets in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore creates a store seeded with secrets
func NewMemoryStore(secrets map[string]string) *MemoryStore {
	s := &MemoryStore{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	return s
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = secret
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(s.secrets, key)
	return nil
}

// Chain looks secrets up in each store in turn. Writes go to the last
// store, which is normally the persistent one.
type Chain []Store

func (c Chain) Get(key string) (string, error) {
	for _, s := range c {
		v, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return v, err
	}
	return "", ErrNotFound
}

func (c Chain) Set(key, secret string) error {
	if len(c) == 0 {
		return errors.New("credential: empty chain")
	}
	return c[len(c)-1].Set(key, secret)
}

func (c Chain) Delete(key string) error {
	if len(c) == 0 {
		return ErrNotFound
	}
	return c[len(c)-1].Delete(key)
}
