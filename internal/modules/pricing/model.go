// README: Fare settings, per-vehicle rates and the quote returned to callers.
package pricing

import (
	"errors"

	"ridedispatch/internal/types"
)

var (
	// ErrPricing marks a failure to price a ride other than routing.
	ErrPricing      = errors.New("price calculation failed")
	ErrRateNotFound = errors.New("price rate not found for vehicle type")
)

// FareSettings is the global fare configuration row.
type FareSettings struct {
	BaseFare              float64 `json:"baseFare"`
	TrafficPricePerMinute float64 `json:"trafficPricePerMinute"`
	WaitingPricePerMinute float64 `json:"waitingPricePerMinute"`
	RainFare              float64 `json:"rainFare"`
}

type EstimateRequest struct {
	Pickup         types.Point
	Drop           types.Point
	VehicleType    string
	WaitingMinutes float64
	// RatePerKm overrides the vehicle rate lookup when positive.
	RatePerKm float64
}

type Breakdown struct {
	BaseFare     float64 `json:"baseFare"`
	DistanceCost float64 `json:"distanceCost"`
	TrafficCost  float64 `json:"trafficCost"`
	WaitingCost  float64 `json:"waitingTimeCost"`
	RainFare     float64 `json:"rainFare"`
	TollShare    float64 `json:"tollPrice"`
}

type Quote struct {
	TotalPrice         float64   `json:"totalPrice"`
	DistanceKm         float64   `json:"distanceInKm"`
	DurationMin        float64   `json:"baseDurationInMinutes"`
	TrafficDurationMin float64   `json:"durationInMinutes"`
	Polyline           string    `json:"polyline,omitempty"`
	RatePerKm          float64   `json:"ratePerKm"`
	Rain               bool      `json:"rain"`
	Tolls              bool      `json:"tolls"`
	TollPrice          float64   `json:"tollEstimate"`
	Breakdown          Breakdown `json:"pricing"`
}

// Fare returns the total as money in minor units.
func (q Quote) Fare() types.Money {
	return types.FromMajor(q.TotalPrice)
}
