// Package authstore persists the operator's access token and user
// object to a local credentials file, the way the web client kept them
// in browser storage. All writes funnel through Store (login, logout,
// profile update); readers call Load on every use instead of caching,
// since another process or an earlier logout may have changed the file.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kea-checkin/models"
)

// ErrNotAuthenticated is returned when no access token is stored.
// Callers must short-circuit instead of issuing unauthenticated
// network requests.
var ErrNotAuthenticated = errors.New("authentication required: no access token stored")

// Credentials mirrors the two browser storage keys of the web client.
type Credentials struct {
	AccessToken string       `json:"accessToken"`
	User        *models.User `json:"user,omitempty"`
}

// Store is the single writer for local credentials. Subscribers are
// notified on every mutation so independent components can observe
// login state without sharing mutable fields.
type Store struct {
	path string

	mu   sync.Mutex
	subs []chan struct{}
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load re-reads credentials from disk. A missing file or empty token
// yields ErrNotAuthenticated; a corrupt file is reported as-is.
func (s *Store) Load() (Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNotAuthenticated
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.AccessToken == "" {
		return Credentials{}, ErrNotAuthenticated
	}
	return creds, nil
}

// Token returns the stored access token, or ErrNotAuthenticated.
func (s *Store) Token() (string, error) {
	creds, err := s.Load()
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// SetCredentials writes token and user atomically and notifies
// subscribers. Called by the login flow.
func (s *Store) SetCredentials(token string, user *models.User) error {
	if token == "" {
		return errors.New("empty access token")
	}
	if err := s.write(Credentials{AccessToken: token, User: user}); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Clear removes stored credentials and notifies subscribers. Called by
// the logout flow; clearing an already-empty store is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	s.notify()
	return nil
}

// Subscribe returns a channel that receives one value per credential
// change. Notifications are best-effort: a subscriber that is not
// draining its channel misses intermediate changes, never blocks the
// writer.
func (s *Store) Subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// write replaces the credentials file via a rename so readers never
// observe a partial write.
func (s *Store) write(creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
