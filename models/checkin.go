package models

import (
	"time"
)

// Verification status values returned by POST /scan-qr. The status
// field deterministically drives the operator flow: ready_for_checkin
// is the only status from which a confirm may follow.
const (
	StatusReadyForCheckin    = "ready_for_checkin"
	StatusAlreadyCheckedIn   = "already_checked_in"
	StatusNotRegistered      = "not_registered"
	StatusMembershipInactive = "membership_inactive"
	StatusMembershipExpired  = "membership_expired"
	StatusError              = "error"
)

// ScanRequest is the body of POST /scan-qr.
type ScanRequest struct {
	QRData  string `json:"qr_data" binding:"required"`
	EventID string `json:"event_id" binding:"required"`
}

// ConfirmRequest is the body of POST /confirm-event-checkin.
type ConfirmRequest struct {
	RegistrationID string `json:"registration_id" binding:"required"`
}

// UserInfo is the attendee summary embedded in a verification result.
type UserInfo struct {
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	UserType    string `json:"user_type,omitempty"`
	FeePaid     string `json:"fee_paid,omitempty"`
}

// EventInfo is the event summary embedded in a verification result.
type EventInfo struct {
	EventID      string    `json:"event_id,omitempty"`
	EventName    string    `json:"event_name"`
	EventSubName string    `json:"event_sub_name,omitempty"`
	Location     string    `json:"location,omitempty"`
	EventTime    time.Time `json:"event_time,omitempty"`
}

// VerificationResult is the discriminated response of POST /scan-qr.
// RegistrationID is present exactly when Status is ready_for_checkin;
// CheckedInAt is present for already_checked_in.
type VerificationResult struct {
	Status         string     `json:"status"`
	Message        string     `json:"message,omitempty"`
	RegistrationID string     `json:"registration_id,omitempty"`
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	UserInfo       *UserInfo  `json:"user_info,omitempty"`
	EventInfo      *EventInfo `json:"event_info,omitempty"`
}

// Attendee is one row of the attendance list.
type Attendee struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	CompanyName string     `json:"company_name,omitempty"`
	UserType    string     `json:"user_type,omitempty"`
	FeePaid     string     `json:"fee_paid"`
	CheckedIn   bool       `json:"checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
}

// AttendanceStatistics are the aggregate counts of one attendance view.
type AttendanceStatistics struct {
	TotalRegistered int    `json:"total_registered"`
	TotalCheckedIn  int    `json:"total_checked_in"`
	PendingCheckin  int    `json:"pending_checkin"`
	AttendanceRate  string `json:"attendance_rate"`
}

// AttendanceSnapshot is the response of GET /event-attendance/{eventId}.
// Each refresh supersedes the previous snapshot wholesale.
type AttendanceSnapshot struct {
	Statistics AttendanceStatistics `json:"statistics"`
	Attendees  []Attendee           `json:"attendees"`
}
