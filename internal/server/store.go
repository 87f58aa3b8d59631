// Package server implements the bundled development backend: a small
// gin service emulating the remote KEA program API so the terminal can
// be exercised without network access to production. It enforces the
// server-side semantics the client assumes: idempotent check-in,
// membership gating, registration lookup by member id or secure token.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kea-checkin/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyCheckedIn = errors.New("already checked in")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	phone_number TEXT NOT NULL DEFAULT '',
	company_name TEXT NOT NULL DEFAULT '',
	user_type TEXT NOT NULL DEFAULT 'member',
	membership_status TEXT NOT NULL DEFAULT 'active',
	member_until TIMESTAMP,
	password_hash TEXT NOT NULL DEFAULT '',
	qr_token TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	event_name TEXT NOT NULL,
	event_sub_name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	event_time TIMESTAMP NOT NULL,
	fee_for_member TEXT NOT NULL DEFAULT '0',
	fee_for_external TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'UPCOMING',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS registrations (
	registration_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(event_id),
	user_id TEXT NOT NULL REFERENCES users(id),
	fee_paid TEXT NOT NULL DEFAULT '0',
	checked_in INTEGER NOT NULL DEFAULT 0,
	checked_in_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(event_id, user_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps the sqlite database backing the development backend.
type Store struct {
	db *sql.DB
}

func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// User row including fields the wire model does not carry.
type UserRecord struct {
	models.User
	PasswordHash string
	QRToken      string
}

func (s *Store) CreateUser(ctx context.Context, u *models.User, passwordHash, qrToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, phone_number, company_name, user_type, membership_status, member_until, password_hash, qr_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.Username, u.Email, u.PhoneNumber, u.CompanyName,
		u.UserType, u.Membership, u.MemberUntil, passwordHash, qrToken)
	return err
}

func (s *Store) userBy(ctx context.Context, where string, arg any) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, phone_number, company_name, user_type, membership_status, member_until, password_hash, qr_token
		FROM users WHERE `+where, arg)

	var u UserRecord
	var id string
	err := row.Scan(&id, &u.Username, &u.Email, &u.PhoneNumber, &u.CompanyName,
		&u.UserType, &u.Membership, &u.MemberUntil, &u.PasswordHash, &u.QRToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt user id %q: %w", id, err)
	}
	return &u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	return s.userBy(ctx, "email = ?", email)
}

func (s *Store) UserByID(ctx context.Context, id string) (*UserRecord, error) {
	return s.userBy(ctx, "id = ?", id)
}

func (s *Store) UserByQRToken(ctx context.Context, token string) (*UserRecord, error) {
	return s.userBy(ctx, "qr_token = ? AND qr_token != ''", token)
}

func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.StatusUpcoming
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_name, event_sub_name, description, location, event_time, fee_for_member, fee_for_external, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.EventName, e.EventSubName, e.Description, e.Location,
		e.EventTime, e.FeeForMember, e.FeeForExternal, e.Status)
	return err
}

func (s *Store) EventByID(ctx context.Context, eventID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_name, event_sub_name, description, location, event_time, fee_for_member, fee_for_external, status
		FROM events WHERE event_id = ?`, eventID)

	var e models.Event
	err := row.Scan(&e.EventID, &e.EventName, &e.EventSubName, &e.Description,
		&e.Location, &e.EventTime, &e.FeeForMember, &e.FeeForExternal, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListEvents(ctx context.Context) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_name, event_sub_name, description, location, event_time, fee_for_member, fee_for_external, status
		FROM events ORDER BY event_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.EventID, &e.EventName, &e.EventSubName, &e.Description,
			&e.Location, &e.EventTime, &e.FeeForMember, &e.FeeForExternal, &e.Status); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Registration is one attendee registration row.
type Registration struct {
	RegistrationID string
	EventID        string
	UserID         string
	FeePaid        string
	CheckedIn      bool
	CheckedInAt    *time.Time
}

func (s *Store) Register(ctx context.Context, eventID, userID, feePaid string) (*Registration, error) {
	reg := &Registration{
		RegistrationID: uuid.NewString(),
		EventID:        eventID,
		UserID:         userID,
		FeePaid:        feePaid,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (registration_id, event_id, user_id, fee_paid)
		VALUES (?, ?, ?, ?)`,
		reg.RegistrationID, eventID, userID, feePaid)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Store) registrationBy(ctx context.Context, where string, args ...any) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT registration_id, event_id, user_id, fee_paid, checked_in, checked_in_at
		FROM registrations WHERE `+where, args...)

	var r Registration
	err := row.Scan(&r.RegistrationID, &r.EventID, &r.UserID, &r.FeePaid, &r.CheckedIn, &r.CheckedInAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) RegistrationFor(ctx context.Context, eventID, userID string) (*Registration, error) {
	return s.registrationBy(ctx, "event_id = ? AND user_id = ?", eventID, userID)
}

func (s *Store) RegistrationByID(ctx context.Context, registrationID string) (*Registration, error) {
	return s.registrationBy(ctx, "registration_id = ?", registrationID)
}

// MarkCheckedIn flips the registration to checked in exactly once; a
// second call reports ErrAlreadyCheckedIn so the handler can answer
// with a conflict.
func (s *Store) MarkCheckedIn(ctx context.Context, registrationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE registrations SET checked_in = 1, checked_in_at = ?
		WHERE registration_id = ? AND checked_in = 0`, at, registrationID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.RegistrationByID(ctx, registrationID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyCheckedIn
	}
	return nil
}

// Attendance assembles the snapshot for one event.
func (s *Store) Attendance(ctx context.Context, eventID string) (*models.AttendanceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.company_name, u.user_type, r.fee_paid, r.checked_in, r.checked_in_at
		FROM registrations r JOIN users u ON r.user_id = u.id
		WHERE r.event_id = ?
		ORDER BY r.created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := &models.AttendanceSnapshot{Attendees: []models.Attendee{}}
	for rows.Next() {
		var a models.Attendee
		if err := rows.Scan(&a.UserID, &a.Username, &a.Email, &a.CompanyName,
			&a.UserType, &a.FeePaid, &a.CheckedIn, &a.CheckedInAt); err != nil {
			return nil, err
		}
		snapshot.Attendees = append(snapshot.Attendees, a)
		snapshot.Statistics.TotalRegistered++
		if a.CheckedIn {
			snapshot.Statistics.TotalCheckedIn++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &snapshot.Statistics
	stats.PendingCheckin = stats.TotalRegistered - stats.TotalCheckedIn
	if stats.TotalRegistered > 0 {
		stats.AttendanceRate = fmt.Sprintf("%.1f%%", float64(stats.TotalCheckedIn)/float64(stats.TotalRegistered)*100)
	} else {
		stats.AttendanceRate = "0.0%"
	}
	return snapshot, nil
}

func (s *Store) CreateSession(ctx context.Context, token, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (token, user_id) VALUES (?, ?)`, token, userID)
	return err
}

func (s *Store) SessionUser(ctx context.Context, token string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE token = ?`, token)
	var userID string
	err := row.Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, userID)
}
