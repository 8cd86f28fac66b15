// README: Ride aggregate and status definitions.
package ride

import (
	"slices"
	"time"

	"ridedispatch/internal/types"
)

type Status string

const (
	StatusNone            Status = "none"
	StatusPending         Status = "pending"
	StatusDriversFound    Status = "drivers_found"
	StatusNoActiveDrivers Status = "no_active_drivers"
	StatusNoDriverFound   Status = "no_driver_found"
	StatusError           Status = "error"
	StatusAccepted        Status = "accepted"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// SearchingStatuses are the states in which offers are live and a driver may
// still accept.
var SearchingStatuses = []Status{StatusPending, StatusDriversFound, StatusNoActiveDrivers}

func (s Status) Searching() bool {
	return slices.Contains(SearchingStatuses, s)
}

// Terminal states never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Actor string

const (
	ActorUser   Actor = "user"
	ActorDriver Actor = "driver"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

type Ride struct {
	ID                    types.ID
	UserID                types.ID
	DriverID              *types.ID
	Status                Status
	StatusVersion         int
	VehicleType           string
	Pickup                types.Point
	Drop                  types.Point
	PickupDesc            string
	DropDesc              string
	SearchRadiusKm        float64
	MaxSearchRadiusKm     float64
	CurrentSearchRadiusKm float64
	AutoIncreaseRadius    bool
	RetryCount            int
	LastRetryAt           *time.Time
	RejectedBy            []types.ID
	EstimatedFare         types.Money
	Fare                  *types.Money
	DistanceKm            float64
	DurationMin           float64
	OTP                   string
	OTPVerified           bool
	PaymentMethod         string
	IsPaid                bool
	Rating                *int
	CancelledBy           Actor
	CancelReason          string
	ErrorMessage          string
	CreatedAt             time.Time
	AcceptedAt            *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	CancelledAt           *time.Time
	PaidAt                *time.Time
}

// RejectedByDriver reports whether the driver already declined this ride.
func (r *Ride) RejectedByDriver(id types.ID) bool {
	return slices.Contains(r.RejectedBy, id)
}

func (r *Ride) AssignedTo(id types.ID) bool {
	return r.DriverID != nil && *r.DriverID == id
}

type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  Actor
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:            {StatusPending},
	StatusPending:         {StatusDriversFound, StatusNoActiveDrivers, StatusNoDriverFound, StatusError, StatusAccepted, StatusCancelled},
	StatusDriversFound:    {StatusAccepted, StatusPending, StatusCancelled},
	StatusNoActiveDrivers: {StatusAccepted, StatusPending, StatusCancelled},
	StatusNoDriverFound:   {StatusPending, StatusCancelled},
	StatusError:           {StatusPending, StatusCancelled},
	StatusAccepted:        {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

// Patch carries the optional columns written together with a status change.
type Patch struct {
	DriverID     *types.ID
	OTP          *string
	OTPVerified  bool
	Fare         *types.Money
	CancelledBy  Actor
	CancelReason string
	ErrorMessage string
	// MaxRadiusKm is recorded when a search gives up.
	MaxRadiusKm *float64
}

// SearchProgress is written by the search controller between attempts.
type SearchProgress struct {
	RetryCount      int
	CurrentRadiusKm float64
	LastRetryAt     time.Time
	EstimatedFare   *types.Money
	DistanceKm      float64
	DurationMin     float64
}

// OpenQuery selects recent unaccepted rides for the polling fallback.
type OpenQuery struct {
	VehicleTypes  []string
	Since         time.Time
	ExcludeDriver types.ID
	Limit         int
}
