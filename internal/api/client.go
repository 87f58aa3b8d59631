// Package api binds the remote KEA program API. Paths, bodies and
// field names follow the deployed contract exactly; do not rename
// them. Every authenticated call reads the bearer token from the
// credentials store at call time, and a missing token fails fast
// client-side instead of sending an unauthenticated request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"kea-checkin/internal/authstore"
	"kea-checkin/internal/logging"
	"kea-checkin/models"
)

// ErrTimeout marks a call that exceeded the configured HTTP timeout,
// distinct from ordinary transport failures so the operator sees a
// "taking too long" message instead of a generic one.
var ErrTimeout = errors.New("the server is taking too long to respond")

// APIError is a non-2xx response decoded from the server's {message}
// envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API error: %d", e.StatusCode)
}

// Client talks to the program API.
type Client struct {
	baseURL string
	creds   *authstore.Store
	http    *http.Client
}

func NewClient(baseURL string, creds *authstore.Store, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

// ScanQR verifies a payload against an event: POST /scan-qr.
func (c *Client) ScanQR(ctx context.Context, qrData, eventID string) (*models.VerificationResult, error) {
	var result models.VerificationResult
	req := models.ScanRequest{QRData: qrData, EventID: eventID}
	if err := c.do(ctx, http.MethodPost, "/scan-qr", req, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfirmCheckIn finalizes a verified registration:
// POST /confirm-event-checkin.
func (c *Client) ConfirmCheckIn(ctx context.Context, registrationID string) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	req := models.ConfirmRequest{RegistrationID: registrationID}
	if err := c.do(ctx, http.MethodPost, "/confirm-event-checkin", req, &resp, true); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// EventAttendance fetches the attendance snapshot:
// GET /event-attendance/{eventId}.
func (c *Client) EventAttendance(ctx context.Context, eventID string) (*models.AttendanceSnapshot, error) {
	var snapshot models.AttendanceSnapshot
	if err := c.do(ctx, http.MethodGet, "/event-attendance/"+eventID, nil, &snapshot, true); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Events lists events: GET /events. The deployed API has returned the
// list bare and wrapped under results/data/events at different times;
// all four shapes are accepted.
func (c *Client) Events(ctx context.Context) ([]models.Event, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/events", nil, &raw, true); err != nil {
		return nil, err
	}
	return decodeEventList(raw)
}

// Login exchanges credentials for a token and stores it: POST /login.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	req := models.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/login", req, &resp, false); err != nil {
		return nil, err
	}
	if err := c.creds.SetCredentials(resp.AccessToken, &resp.User); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	return &resp, nil
}

// Logout clears the stored credentials. Purely local; the token is a
// bearer token with server-side expiry.
func (c *Client) Logout() error {
	return c.creds.Clear()
}

// UserQRInfo fetches the member's own QR payload:
// GET /get-user-qr-info.
func (c *Client) UserQRInfo(ctx context.Context) (*models.UserQRInfo, error) {
	var info models.UserQRInfo
	if err := c.do(ctx, http.MethodGet, "/get-user-qr-info", nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeEventList(raw json.RawMessage) ([]models.Event, error) {
	var bare []models.Event
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Results []models.Event `json:"results"`
		Data    []models.Event `json:"data"`
		Events  []models.Event `json:"events"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}
	switch {
	case wrapped.Results != nil:
		return wrapped.Results, nil
	case wrapped.Data != nil:
		return wrapped.Data, nil
	case wrapped.Events != nil:
		return wrapped.Events, nil
	}
	return []models.Event{}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var token string
	if authed {
		var err error
		token, err = c.creds.Token()
		if err != nil {
			return err
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w (%s %s after %s)", ErrTimeout, method, path, time.Since(start).Round(time.Second))
		}
		return err
	}
	defer resp.Body.Close()

	logging.FromContext(ctx).Debug("api call", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			if envelope.Message != "" {
				apiErr.Message = envelope.Message
			} else {
				apiErr.Message = envelope.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
