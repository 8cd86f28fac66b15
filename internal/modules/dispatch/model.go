// README: Ride offers delivered to drivers and the result of a fan-out.
package dispatch

import (
	"time"

	"ridedispatch/internal/types"
)

// Offer is the payload a driver receives for a ride, over the socket, in the
// mailbox and on the broadcast channel.
type Offer struct {
	RideID            types.ID    `json:"rideId"`
	UserID            types.ID    `json:"userId"`
	DriverID          types.ID    `json:"driverId,omitempty"`
	VehicleType       string      `json:"vehicleType"`
	Pickup            types.Point `json:"pickupLocation"`
	Drop              types.Point `json:"dropLocation"`
	PickupDesc        string      `json:"pickupDesc,omitempty"`
	DropDesc          string      `json:"dropDesc,omitempty"`
	Fare              float64     `json:"totalPrice"`
	DistanceKm        float64     `json:"distanceInKm"`
	DurationMin       float64     `json:"durationInMinutes"`
	DistanceToPickupM float64     `json:"distanceToPickup"`
	CreatedAt         time.Time   `json:"createdAt"`
	ExpiresAt         time.Time   `json:"expiresAt"`
}

// Expired reports whether the offer is no longer actionable at now.
func (o Offer) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

type Result struct {
	// Notified drivers had a live session and received the offer directly.
	Notified []types.ID
	// Unreachable drivers were written to their mailbox instead.
	Unreachable []types.ID
}

// Driver statuses reported by Poll.
const (
	PollAvailable        = "available"
	PollUnavailable      = "unavailable"
	PollOnRide           = "on_ride"
	PollRechargeExpired  = "recharge_expired"
	PollLocationRequired = "location_required"
)

type PollResult struct {
	DriverStatus string  `json:"driver_status"`
	Rides        []Offer `json:"rides"`
	// Source is "mailbox" or "store" when rides were found.
	Source string `json:"source,omitempty"`
}
