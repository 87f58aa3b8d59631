package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kea-checkin/models"
)

type fixture struct {
	store  *Store
	router *gin.Engine

	user  *models.User
	event *models.Event
	token string
	regID string
}

// newFixture builds a router over a throwaway sqlite file and seeds one
// active member, one event, one registration, and a logged-in session.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &models.User{
		ID:          uuid.New(),
		Username:    "Taro Yamada",
		Email:       "taro@example.com",
		CompanyName: "Example Corp",
		UserType:    "member",
		Membership:  models.MembershipActive,
	}
	if err := store.CreateUser(ctx, user, hash, "tok-secure-1"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	event := &models.Event{
		EventName: "Annual Reunion",
		Location:  "Copenhagen",
		EventTime: time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
	}
	if err := store.CreateEvent(ctx, event); err != nil {
		t.Fatalf("create event: %v", err)
	}

	reg, err := store.Register(ctx, event.EventID, user.ID.String(), "150 DKK")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token := "test-session-token"
	if err := store.CreateSession(ctx, token, user.ID.String()); err != nil {
		t.Fatalf("create session: %v", err)
	}

	router := gin.New()
	NewHandlers(store, slog.New(slog.NewTextHandler(testWriter{t}, nil))).Routes(router.Group("/api/v1"))

	return &fixture{
		store: store, router: router,
		user: user, event: event, token: token, regID: reg.RegistrationID,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) models.VerificationResult {
	t.Helper()
	var result models.VerificationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v (body %s)", err, w.Body.String())
	}
	return result
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/login", models.LoginRequest{
		Email: "taro@example.com", Password: "hunter2hunter2",
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var resp models.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("access_token is empty")
	}
	if resp.User.Email != "taro@example.com" {
		t.Errorf("user email = %q", resp.User.Email)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/login", models.LoginRequest{
		Email: "taro@example.com", Password: "wrong",
	}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/events", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/events", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var resp struct {
		Results []models.Event `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].EventName != "Annual Reunion" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestScanQR(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{
		"tok-secure-1",
		"KEA_SECURE:tok-secure-1",
		f.user.ID.String(),
	} {
		w := f.do(t, http.MethodPost, "/scan-qr", models.ScanRequest{
			QRData: payload, EventID: f.event.EventID,
		}, true)
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status = %d (body %s)", payload, w.Code, w.Body.String())
		}
		result := decodeResult(t, w)
		if result.Status != models.StatusReadyForCheckin {
			t.Errorf("%q: status = %q, want ready_for_checkin", payload, result.Status)
		}
		if result.RegistrationID != f.regID {
			t.Errorf("%q: registration_id = %q, want %q", payload, result.RegistrationID, f.regID)
		}
		if result.UserInfo == nil || result.UserInfo.FeePaid != "150 DKK" {
			t.Errorf("%q: user_info = %+v", payload, result.UserInfo)
		}
		if result.EventInfo == nil || result.EventInfo.EventName != "Annual Reunion" {
			t.Errorf("%q: event_info = %+v", payload, result.EventInfo)
		}
	}
}

func TestScanQRUnknownUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/scan-qr", models.ScanRequest{
		QRData: "no-such-token", EventID: f.event.EventID,
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if result := decodeResult(t, w); result.Status != models.StatusNotRegistered {
		t.Errorf("status = %q, want not_registered", result.Status)
	}
}

func TestScanQRNotRegistered(t *testing.T) {
	f := newFixture(t)

	other := &models.Event{
		EventName: "Spring Mixer",
		Location:  "Aarhus",
		EventTime: time.Now().Add(48 * time.Hour),
	}
	if err := f.store.CreateEvent(context.Background(), other); err != nil {
		t.Fatalf("create event: %v", err)
	}

	w := f.do(t, http.MethodPost, "/scan-qr", models.ScanRequest{
		QRData: "tok-secure-1", EventID: other.EventID,
	}, true)
	result := decodeResult(t, w)
	if result.Status != models.StatusNotRegistered {
		t.Errorf("status = %q, want not_registered", result.Status)
	}
	if result.UserInfo == nil || result.UserInfo.Username != "Taro Yamada" {
		t.Errorf("user_info = %+v", result.UserInfo)
	}
}

func TestScanQRMembershipGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for membership, want := range map[string]string{
		models.MembershipInactive: models.StatusMembershipInactive,
		models.MembershipExpired:  models.StatusMembershipExpired,
	} {
		user := &models.User{
			ID: uuid.New(), Username: "Blocked", Email: membership + "@example.com",
			Membership: membership,
		}
		token := "tok-" + membership
		if err := f.store.CreateUser(ctx, user, "x", token); err != nil {
			t.Fatalf("create user: %v", err)
		}
		if _, err := f.store.Register(ctx, f.event.EventID, user.ID.String(), "0"); err != nil {
			t.Fatalf("register: %v", err)
		}

		w := f.do(t, http.MethodPost, "/scan-qr", models.ScanRequest{
			QRData: token, EventID: f.event.EventID,
		}, true)
		if result := decodeResult(t, w); result.Status != want {
			t.Errorf("%s: status = %q, want %q", membership, result.Status, want)
		}
	}
}

func TestConfirmCheckIn(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/confirm-event-checkin", models.ConfirmRequest{
		RegistrationID: f.regID,
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	// Re-verify reports already_checked_in with a timestamp.
	w = f.do(t, http.MethodPost, "/scan-qr", models.ScanRequest{
		QRData: "tok-secure-1", EventID: f.event.EventID,
	}, true)
	result := decodeResult(t, w)
	if result.Status != models.StatusAlreadyCheckedIn {
		t.Errorf("status = %q, want already_checked_in", result.Status)
	}
	if result.CheckedInAt == nil {
		t.Error("checked_in_at is nil")
	}
}

func TestConfirmCheckInTwiceConflicts(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/confirm-event-checkin", models.ConfirmRequest{RegistrationID: f.regID}, true); w.Code != http.StatusOK {
		t.Fatalf("first confirm: status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/confirm-event-checkin", models.ConfirmRequest{RegistrationID: f.regID}, true); w.Code != http.StatusConflict {
		t.Errorf("second confirm: status = %d, want 409", w.Code)
	}
}

func TestConfirmCheckInUnknownRegistration(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/confirm-event-checkin", models.ConfirmRequest{
		RegistrationID: uuid.NewString(),
	}, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEventAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second := &models.User{
		ID: uuid.New(), Username: "Hanako Sato", Email: "hanako@example.com",
		Membership: models.MembershipActive,
	}
	if err := f.store.CreateUser(ctx, second, "x", "tok-secure-2"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := f.store.Register(ctx, f.event.EventID, second.ID.String(), "150 DKK"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.store.MarkCheckedIn(ctx, f.regID, time.Now().UTC()); err != nil {
		t.Fatalf("mark checked in: %v", err)
	}

	w := f.do(t, http.MethodGet, fmt.Sprintf("/event-attendance/%s", f.event.EventID), nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var snapshot models.AttendanceSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}

	stats := snapshot.Statistics
	if stats.TotalRegistered != 2 || stats.TotalCheckedIn != 1 || stats.PendingCheckin != 1 {
		t.Errorf("statistics = %+v", stats)
	}
	if stats.AttendanceRate != "50.0%" {
		t.Errorf("attendance_rate = %q, want 50.0%%", stats.AttendanceRate)
	}
	if len(snapshot.Attendees) != 2 {
		t.Fatalf("attendees = %d, want 2", len(snapshot.Attendees))
	}
}

func TestEventAttendanceUnknownEvent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/event-attendance/"+uuid.NewString(), nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUserQRInfo(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/get-user-qr-info", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var info models.UserQRInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.QRData != "KEA_SECURE:tok-secure-1" {
		t.Errorf("qr_data = %q", info.QRData)
	}
	if info.MembershipStatus != models.MembershipActive {
		t.Errorf("membership_status = %q", info.MembershipStatus)
	}
}
