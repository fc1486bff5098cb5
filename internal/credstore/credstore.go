// Package credstore keeps small secrets such as access tokens. The backend is
// chosen when the application is composed: Memory for tests and throwaway
// sessions, Sealed for an age-encrypted file on disk.
package credstore

import (
	"context"
	"fmt"
	"sync"
)

// Store is a string key/value secret store.
type Store interface {
	Set(ctx context.Context, key, value string) error
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is a Store that lives only as long as the process.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Kind names a Store backend in configuration.
type Kind string

const (
	KindMemory Kind = "memory"
	KindSealed Kind = "sealed"
)

// Open builds the Store named by kind. path and passphrase are used by the
// sealed backend only.
func Open(kind Kind, path, passphrase string) (Store, error) {
	switch kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindSealed:
		return NewSealed(path, passphrase)
	}
	return nil, fmt.Errorf("credstore: unknown backend %q", kind)
}
