package models

import (
	"time"
)

// Event status constants
const (
	StatusUpcoming  = "UPCOMING"
	StatusOngoing   = "ONGOING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

// Event represents one association event as served by the program API.
type Event struct {
	EventID        string    `json:"event_id" db:"event_id"`
	EventName      string    `json:"event_name" db:"event_name"`
	EventSubName   string    `json:"event_sub_name,omitempty" db:"event_sub_name"`
	Description    string    `json:"description,omitempty" db:"description"`
	Location       string    `json:"location" db:"location"`
	EventTime      time.Time `json:"event_time" db:"event_time"`
	FeeForMember   string    `json:"fee_for_member" db:"fee_for_member"`
	FeeForExternal string    `json:"fee_for_external" db:"fee_for_external"`
	Status         string    `json:"status,omitempty" db:"status"`
	CreatedAt      time.Time `json:"created_at,omitempty" db:"created_at"`
}

type CreateEventRequest struct {
	EventName      string    `json:"event_name" binding:"required"`
	EventSubName   string    `json:"event_sub_name"`
	Description    string    `json:"description"`
	Location       string    `json:"location" binding:"required"`
	EventTime      time.Time `json:"event_time" binding:"required"`
	FeeForMember   string    `json:"fee_for_member"`
	FeeForExternal string    `json:"fee_for_external"`
}
