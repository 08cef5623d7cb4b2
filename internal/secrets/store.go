// Package secrets stores per-account refresh tokens in the system
// keyring, with the file backend as fallback for headless machines.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/TonyRHouston/GDrive/internal/config"
)

const serviceName = "gdrive"

// Token is the stored credential for one account.
type Token struct {
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Store wraps the keyring backend.
type Store struct {
	ring keyring.Keyring
}

// OpenDefault opens the keyring using the configured or auto-detected
// backend. GDRIVE_KEYRING_BACKEND=file forces the encrypted file backend
// with GDRIVE_KEYRING_PASSWORD as its password.
func OpenDefault() (*Store, error) {
	dir, err := config.EnsureDir()
	if err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}

	cfg := keyring.Config{
		ServiceName: serviceName,
		FileDir:     filepath.Join(dir, "keyring"),
		FilePasswordFunc: func(prompt string) (string, error) {
			if pw := os.Getenv("GDRIVE_KEYRING_PASSWORD"); pw != "" {
				return pw, nil
			}
			return "", fmt.Errorf("GDRIVE_KEYRING_PASSWORD not set")
		},
	}

	if backend := strings.TrimSpace(os.Getenv("GDRIVE_KEYRING_BACKEND")); backend != "" && backend != "auto" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.BackendType(backend)}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}

	return &Store{ring: ring}, nil
}

// NewWithKeyring wraps an explicit keyring, used by tests.
func NewWithKeyring(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// GetToken reads the token for an account. Missing accounts surface as
// keyring.ErrKeyNotFound.
func (s *Store) GetToken(email string) (Token, error) {
	item, err := s.ring.Get(email)
	if err != nil {
		return Token{}, err
	}

	var tok Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return Token{}, fmt.Errorf("decode token for %s: %w", email, err)
	}
	return tok, nil
}

// SetToken stores the token for an account.
func (s *Store) SetToken(email string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	return s.ring.Set(keyring.Item{
		Key:   email,
		Data:  data,
		Label: serviceName + ": " + email,
	})
}

// DeleteToken removes the token for an account.
func (s *Store) DeleteToken(email string) error {
	err := s.ring.Remove(email)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return err
}

// ListAccounts returns the stored account emails, sorted.
func (s *Store) ListAccounts() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
