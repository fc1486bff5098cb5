package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

// defaultWorkFactor is the scrypt log2(N) used when sealing.
const defaultWorkFactor = 18

// Sealed is a Store persisted as one age-encrypted JSON object. The file is
// replaced atomically on every write.
type Sealed struct {
	path       string
	passphrase string
	workFactor int

	mu sync.Mutex
}

// NewSealed returns a Store backed by the file at path, encrypted with
// passphrase. The file is created on first write.
func NewSealed(path, passphrase string) (*Sealed, error) {
	if path == "" {
		return nil, errors.New("credstore: sealed store needs a path")
	}
	if passphrase == "" {
		return nil, errors.New("credstore: sealed store needs a passphrase")
	}
	return &Sealed{path: path, passphrase: passphrase, workFactor: defaultWorkFactor}, nil
}

// SetWorkFactor changes the scrypt cost for future writes.
func (s *Sealed) SetWorkFactor(logN int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workFactor = logN
}

func (s *Sealed) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *Sealed) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *Sealed) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

func (s *Sealed) load() (map[string]string, error) {
	ciphertext, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", s.path, err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("credstore: decrypting %s: %w", s.path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("credstore: decrypting %s: %w", s.path, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("credstore: decoding %s: %w", s.path, err)
	}
	return values, nil
}

func (s *Sealed) save(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("credstore: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("credstore: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("credstore: finalizing encryption: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credstore-*")
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("credstore: replacing %s: %w", s.path, err)
	}
	return nil
}
