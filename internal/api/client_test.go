package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"kea-checkin/internal/authstore"
	"kea-checkin/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *authstore.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := authstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	return NewClient(srv.URL, creds, 5*time.Second), creds
}

func TestScanQRSendsContractFields(t *testing.T) {
	var got models.ScanRequest
	var auth string
	client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/scan-qr" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(models.VerificationResult{
			Status:         models.StatusReadyForCheckin,
			RegistrationID: "R1",
		})
	}))
	if err := creds.SetCredentials("tok-1", nil); err != nil {
		t.Fatal(err)
	}

	result, err := client.ScanQR(context.Background(), "3fa85f64-5717-4562-b3fc-2c963f66afa6", "42")
	if err != nil {
		t.Fatalf("ScanQR() error = %v", err)
	}
	if got.QRData != "3fa85f64-5717-4562-b3fc-2c963f66afa6" || got.EventID != "42" {
		t.Errorf("request body = %+v", got)
	}
	if auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", auth)
	}
	if result.RegistrationID != "R1" {
		t.Errorf("RegistrationID = %q", result.RegistrationID)
	}
}

func TestAuthenticatedCallWithoutToken(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	_, err := client.ScanQR(context.Background(), "x", "1")
	if !errors.Is(err, authstore.ErrNotAuthenticated) {
		t.Fatalf("error = %v, want ErrNotAuthenticated", err)
	}
	if calls != 0 {
		t.Fatalf("server saw %d requests, want 0", calls)
	}
}

func TestNon2xxCarriesMessage(t *testing.T) {
	client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "Registration already used"})
	}))
	creds.SetCredentials("tok-1", nil)

	_, err := client.ConfirmCheckIn(context.Background(), "R1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "Registration already used" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestEventsToleratesEnvelopes(t *testing.T) {
	events := []models.Event{{EventID: "1", EventName: "Annual Meet"}}
	shapes := map[string]any{
		"bare":    events,
		"results": map[string]any{"results": events},
		"data":    map[string]any{"data": events},
		"events":  map[string]any{"events": events},
	}

	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(body)
			}))
			creds.SetCredentials("tok-1", nil)

			got, err := client.Events(context.Background())
			if err != nil {
				t.Fatalf("Events() error = %v", err)
			}
			if len(got) != 1 || got[0].EventID != "1" {
				t.Fatalf("Events() = %+v", got)
			}
		})
	}
}

func TestLoginStoresCredentials(t *testing.T) {
	client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not send a bearer token")
		}
		json.NewEncoder(w).Encode(models.LoginResponse{
			AccessToken: "tok-new",
			User:        models.User{Username: "Asha Menon"},
		})
	}))

	if _, err := client.Login(context.Background(), "asha@example.com", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	stored, err := creds.Load()
	if err != nil {
		t.Fatalf("Load() after login error = %v", err)
	}
	if stored.AccessToken != "tok-new" || stored.User.Username != "Asha Menon" {
		t.Fatalf("stored = %+v", stored)
	}

	if err := client.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := creds.Load(); !errors.Is(err, authstore.ErrNotAuthenticated) {
		t.Fatalf("Load() after logout error = %v", err)
	}
}

func TestTimeoutMessage(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	creds := authstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	creds.SetCredentials("tok-1", nil)
	client := NewClient(srv.URL, creds, 50*time.Millisecond)

	_, err := client.ScanQR(context.Background(), "x", "1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestEventAttendanceDecodes(t *testing.T) {
	client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event-attendance/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.AttendanceSnapshot{
			Statistics: models.AttendanceStatistics{
				TotalRegistered: 10, TotalCheckedIn: 4, PendingCheckin: 6, AttendanceRate: "40.0%",
			},
			Attendees: []models.Attendee{{UserID: "u1", Username: "Asha Menon", CheckedIn: true}},
		})
	}))
	creds.SetCredentials("tok-1", nil)

	snap, err := client.EventAttendance(context.Background(), "42")
	if err != nil {
		t.Fatalf("EventAttendance() error = %v", err)
	}
	if snap.Statistics.TotalRegistered != 10 || len(snap.Attendees) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
