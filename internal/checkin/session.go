// Package checkin drives the two-phase verify/confirm exchange with
// the program API as an explicit state machine. The web client spread
// this flow across a handful of booleans that could drift out of sync;
// here every mode is a tagged state and every transition validates its
// preconditions, so a confirm without a matching verify is impossible
// by construction rather than caught after the fact.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kea-checkin/internal/logging"
	"kea-checkin/internal/normalize"
	"kea-checkin/models"
)

// State is the current mode of one check-in session.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingEventSelection State = "awaiting_event_selection"
	StateScanning               State = "scanning"
	StateVerifying              State = "verifying"
	StateReadyForCheckin        State = "ready_for_checkin"
	StateAlreadyCheckedIn       State = "already_checked_in"
	StateNotRegistered          State = "not_registered"
	StateMembershipBlocked      State = "membership_blocked"
	StateVerifyError            State = "verify_error"
	StateConfirming             State = "confirming"
	StateCheckedIn              State = "checked_in"
	StateConfirmError           State = "confirm_error"
)

var (
	// ErrNoEventSelected rejects any verify attempt before an event is
	// chosen; no network request is issued.
	ErrNoEventSelected = errors.New("select an event before scanning")
	// ErrUnknownPayload rejects automatic submission of unclassified
	// QR text; the operator must correct it or submit it explicitly.
	ErrUnknownPayload = errors.New("unrecognized QR payload; correct it or submit explicitly")
	// ErrInvalidTransition reports a request that the current state
	// does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleResult marks a network result that arrived after the
	// session moved on; the caller must discard it.
	ErrStaleResult = errors.New("result arrived after session moved on")
	// ErrRegistrationConsumed blocks a second confirm for a
	// registration already checked in through this session.
	ErrRegistrationConsumed = errors.New("registration already confirmed")
)

// API is the remote surface the session needs.
type API interface {
	ScanQR(ctx context.Context, qrData, eventID string) (*models.VerificationResult, error)
	ConfirmCheckIn(ctx context.Context, registrationID string) (string, error)
}

// Session is one operator check-in session. Methods are safe for
// concurrent use; network calls run outside the lock and their results
// are discarded when the session has since been reset or re-armed.
type Session struct {
	api API

	mu       sync.Mutex
	state    State
	eventID  string
	gen      uint64
	result   *models.VerificationResult
	consumed map[string]bool
}

func NewSession(api API) *Session {
	return &Session{
		api:      api,
		state:    StateIdle,
		consumed: make(map[string]bool),
	}
}

// State reports the current mode.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the verification result the session currently holds,
// nil outside the post-verify states.
func (s *Session) Result() *models.VerificationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// EventID returns the selected event, empty before selection.
func (s *Session) EventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventID
}

// Begin moves an idle session to awaiting event selection.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: Begin from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateAwaitingEventSelection
	return nil
}

// SelectEvent binds the session to an event and arms scanning.
// Re-selection is allowed from any post-selection state and clears the
// held result, like the web client did when the dropdown changed.
func (s *Session) SelectEvent(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID == "" {
		return ErrNoEventSelected
	}
	if s.state == StateIdle {
		return fmt.Errorf("%w: SelectEvent before Begin", ErrInvalidTransition)
	}
	s.eventID = eventID
	s.result = nil
	s.gen++
	s.state = StateScanning
	return nil
}

// Verify submits a normalized payload for the selected event. Unknown
// payloads are refused; use VerifyRaw after explicit operator
// confirmation. The guard against a missing event short-circuits
// before any network traffic.
func (s *Session) Verify(ctx context.Context, payload normalize.Payload) (*models.VerificationResult, error) {
	if payload.Kind == normalize.KindUnknown {
		return nil, ErrUnknownPayload
	}
	return s.verify(ctx, payload.Value)
}

// VerifyRaw submits operator-confirmed text verbatim. This is the
// explicit-confirmation path for payloads the normalizer could not
// classify, and the entry point for manual keyboard entry; both share
// the camera path's downstream logic.
func (s *Session) VerifyRaw(ctx context.Context, text string) (*models.VerificationResult, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownPayload)
	}
	return s.verify(ctx, text)
}

func (s *Session) verify(ctx context.Context, value string) (*models.VerificationResult, error) {
	s.mu.Lock()
	if s.eventID == "" {
		s.mu.Unlock()
		return nil, ErrNoEventSelected
	}
	if s.state != StateScanning {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: Verify from %s", ErrInvalidTransition, state)
	}
	s.state = StateVerifying
	gen := s.gen
	eventID := s.eventID
	s.mu.Unlock()

	log := logging.FromContext(ctx)
	result, err := s.api.ScanQR(ctx, value, eventID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		log.Info("discarding stale verify result", "event_id", eventID)
		return nil, ErrStaleResult
	}

	if err != nil {
		s.state = StateVerifyError
		s.result = &models.VerificationResult{Status: models.StatusError, Message: err.Error()}
		return s.result, nil
	}

	s.result = result
	s.state = stateForStatus(result)
	if s.state == StateVerifyError && result.Status == models.StatusReadyForCheckin {
		// ready_for_checkin without a registration id violates the
		// protocol invariant; surface it instead of enabling confirm.
		s.result = &models.VerificationResult{
			Status:  models.StatusError,
			Message: "verification response missing registration_id",
		}
	}
	log.Info("verify completed", "event_id", eventID, "status", result.Status)
	return s.result, nil
}

func stateForStatus(result *models.VerificationResult) State {
	switch result.Status {
	case models.StatusReadyForCheckin:
		if result.RegistrationID == "" {
			return StateVerifyError
		}
		return StateReadyForCheckin
	case models.StatusAlreadyCheckedIn:
		return StateAlreadyCheckedIn
	case models.StatusNotRegistered:
		return StateNotRegistered
	case models.StatusMembershipInactive, models.StatusMembershipExpired:
		return StateMembershipBlocked
	default:
		return StateVerifyError
	}
}

// Confirm finalizes check-in for the registration delivered by this
// cycle's verify. It is reachable only from ready_for_checkin, uses
// only that response's registration id, and each id is confirmable at
// most once per session.
func (s *Session) Confirm(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != StateReadyForCheckin {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: Confirm from %s", ErrInvalidTransition, state)
	}
	regID := s.result.RegistrationID
	if s.consumed[regID] {
		s.mu.Unlock()
		return "", ErrRegistrationConsumed
	}
	s.state = StateConfirming
	gen := s.gen
	s.mu.Unlock()

	log := logging.FromContext(ctx)
	message, err := s.api.ConfirmCheckIn(ctx, regID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		log.Info("discarding stale confirm result", "registration_id", regID)
		return "", ErrStaleResult
	}

	if err != nil {
		s.state = StateConfirmError
		return "", err
	}
	s.consumed[regID] = true
	s.state = StateCheckedIn
	log.Info("check-in confirmed", "registration_id", regID)
	return message, nil
}

// ScanNext re-arms scanning after a terminal state, keeping the
// selected event. The held result is dropped; its registration id can
// never be reused.
func (s *Session) ScanNext() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCheckedIn, StateAlreadyCheckedIn, StateNotRegistered,
		StateMembershipBlocked, StateVerifyError, StateConfirmError,
		StateReadyForCheckin:
	default:
		return fmt.Errorf("%w: ScanNext from %s", ErrInvalidTransition, s.state)
	}
	s.result = nil
	s.gen++
	s.state = StateScanning
	return nil
}

// Reset abandons the session entirely. Any in-flight verify or confirm
// completes but its result is discarded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = nil
	s.eventID = ""
	s.gen++
	s.state = StateIdle
}
