// README: Driver aggregate, vehicle types, subscription and occupancy state.
package driver

import (
	"errors"
	"strings"
	"time"

	"ridedispatch/internal/types"
)

var (
	ErrNotFound           = errors.New("driver not found")
	ErrInvalidVehicleType = errors.New("invalid vehicle type")
	ErrBusy               = errors.New("driver is on another ride")
)

type VehicleType string

const (
	VehicleSedan     VehicleType = "SEDAN"
	VehicleSUV       VehicleType = "SUV"
	VehicleHatchback VehicleType = "HATCHBACK"
	VehicleAuto      VehicleType = "AUTO"
	VehicleBike      VehicleType = "BIKE"
)

func ParseVehicleType(s string) (VehicleType, error) {
	v := VehicleType(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case VehicleSedan, VehicleSUV, VehicleHatchback, VehicleAuto, VehicleBike:
		return v, nil
	}
	return "", ErrInvalidVehicleType
}

// compatibleTypes lists the request types a driver's vehicle may serve.
// Only the polling path consults it; primary dispatch matches exactly.
var compatibleTypes = map[VehicleType][]VehicleType{
	VehicleSedan:     {VehicleSedan, VehicleHatchback},
	VehicleSUV:       {VehicleSUV, VehicleSedan, VehicleHatchback},
	VehicleHatchback: {VehicleHatchback},
	VehicleAuto:      {VehicleAuto},
	VehicleBike:      {VehicleBike},
}

func CompatibleVehicleTypes(v VehicleType) []VehicleType {
	if c, ok := compatibleTypes[v]; ok {
		out := make([]VehicleType, len(c))
		copy(out, c)
		return out
	}
	return []VehicleType{v}
}

type VehicleInfo struct {
	Type       VehicleType
	Name       string
	Image      string
	Plate      string
	PricePerKm float64
}

// RechargeData is the driver's subscription plan.
type RechargeData struct {
	Plan        string
	ExpireAt    *time.Time
	EarningCap  types.Money
	PeriodStart *time.Time
	Approved    bool
}

// Valid reports whether the plan is still active at now.
func (r RechargeData) Valid(now time.Time) bool {
	return r.ExpireAt != nil && !r.ExpireAt.Before(now)
}

// Occupancy is the single tagged state derived from the legacy
// is_available / on_ride_id columns.
type Occupancy string

const (
	OccupancyFree    Occupancy = "free"
	OccupancyOnRide  Occupancy = "on_ride"
	OccupancyOffline Occupancy = "offline"
)

type State struct {
	Occupancy Occupancy
	RideID    *types.ID
}

type Driver struct {
	ID                 types.ID
	Name               string
	Phone              string
	ProfileImage       string
	Rating             float64
	FCMToken           string
	Location           *types.Point
	IsAvailable        bool
	OnRideID           *types.ID
	Vehicle            VehicleInfo
	Recharge           RechargeData
	TotalRides         int
	CompletedRides     []types.ID
	StatsRidesRejected int
	LastPolledAt       *time.Time
}

// State derives the occupancy from the stored flags. A ride reference wins
// over the availability flag.
func (d *Driver) State() State {
	if d.OnRideID != nil && *d.OnRideID != "" {
		id := *d.OnRideID
		return State{Occupancy: OccupancyOnRide, RideID: &id}
	}
	if !d.IsAvailable {
		return State{Occupancy: OccupancyOffline}
	}
	return State{Occupancy: OccupancyFree}
}

// Flags maps an occupancy back to the stored columns.
func (s State) Flags() (isAvailable bool, onRideID *types.ID) {
	switch s.Occupancy {
	case OccupancyFree:
		return true, nil
	case OccupancyOnRide:
		return false, s.RideID
	default:
		return false, nil
	}
}

// Candidate is a driver returned by a proximity query, before eligibility filtering.
type Candidate struct {
	DriverID     types.ID
	Name         string
	Phone        string
	ProfileImage string
	Rating       float64
	FCMToken     string
	Vehicle      VehicleInfo
	DistanceM    float64
	RechargeExp  *time.Time
	OnRideID     *types.ID
}
