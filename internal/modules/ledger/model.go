// README: Per-(ride, driver) notification ledger.
package ledger

import (
	"time"

	"ridedispatch/internal/types"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	// StatusExpired closes an offer the driver never answered.
	StatusExpired   Status = "expired"
)

// Terminal reports whether a ledger row can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Notification struct {
	RideID             types.ID
	DriverID           types.ID
	Status             Status
	NotifiedAt         time.Time
	AcceptedAt         *time.Time
	RejectedAt         *time.Time
	CancelledAt        *time.Time
	CancellationReason string
}
