package models

import (
	"time"

	"github.com/google/uuid"
)

// Membership status constants
const (
	MembershipActive   = "active"
	MembershipInactive = "inactive"
	MembershipExpired  = "expired"
)

// User is the authenticated account object stored alongside the
// access token and embedded in login responses.
type User struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Username    string     `json:"username" db:"username"`
	Email       string     `json:"email" db:"email"`
	PhoneNumber string     `json:"phone_number,omitempty" db:"phone_number"`
	CompanyName string     `json:"company_name,omitempty" db:"company_name"`
	UserType    string     `json:"user_type,omitempty" db:"user_type"`
	Membership  string     `json:"membership_status,omitempty" db:"membership_status"`
	MemberUntil *time.Time `json:"member_until,omitempty" db:"member_until"`
	CreatedAt   time.Time  `json:"created_at,omitempty" db:"created_at"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the bearer token and the user object the
// client persists locally.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}

// UserQRInfo is the response of GET /get-user-qr-info: the payload a
// member's own QR code encodes plus membership summary.
type UserQRInfo struct {
	QRData           string     `json:"qr_data"`
	MembershipStatus string     `json:"membership_status"`
	MemberUntil      *time.Time `json:"member_until,omitempty"`
}
