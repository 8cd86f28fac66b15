// README: Temporary-ride projection the rider and driver apps watch during a trip.
package temprides

import (
	"errors"
	"time"

	"ridedispatch/internal/types"
)

var ErrNotFound = errors.New("temp ride not found")

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TempRide is keyed by the ride id.
type TempRide struct {
	RideID      types.ID `json:"rideId"`
	UserID      types.ID `json:"userId"`
	DriverID    types.ID `json:"driverId"`
	Status      Status   `json:"status"`
	OTP         string   `json:"otp,omitempty"`
	OTPVerified bool     `json:"otpVerified"`
	StartedAt   int64    `json:"startedAt,omitempty"`
	UpdatedAt   int64    `json:"updatedAt"`
}

func (t *TempRide) touch(now time.Time) {
	t.UpdatedAt = now.UnixMilli()
}
