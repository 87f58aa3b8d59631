package authstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"kea-checkin/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestLoadWithoutCredentials(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Load() error = %v, want ErrNotAuthenticated", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Token() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestSetAndLoadCredentials(t *testing.T) {
	s := newTestStore(t)
	user := &models.User{ID: uuid.New(), Username: "Asha Menon", Email: "asha@example.com"}

	if err := s.SetCredentials("tok-123", user); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}

	creds, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if creds.AccessToken != "tok-123" {
		t.Errorf("AccessToken = %q", creds.AccessToken)
	}
	if creds.User == nil || creds.User.Username != "Asha Menon" {
		t.Errorf("User = %+v", creds.User)
	}
}

func TestSetRejectsEmptyToken(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetCredentials("", nil); err == nil {
		t.Fatal("SetCredentials(\"\") should fail")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetCredentials("tok-123", nil); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Load() after Clear error = %v, want ErrNotAuthenticated", err)
	}
	// Clearing again is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
}

func TestSubscribeNotifiedOnChange(t *testing.T) {
	s := newTestStore(t)
	ch := s.Subscribe()

	if err := s.SetCredentials("tok-1", nil); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("subscriber not notified after SetCredentials")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("subscriber not notified after Clear")
	}
}

func TestReadersSeeExternalChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	writer := New(path)
	reader := New(path)

	if err := writer.SetCredentials("tok-a", nil); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	if tok, err := reader.Token(); err != nil || tok != "tok-a" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}

	if err := writer.SetCredentials("tok-b", nil); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	if tok, err := reader.Token(); err != nil || tok != "tok-b" {
		t.Fatalf("reader cached stale token: %q, %v", tok, err)
	}
}
