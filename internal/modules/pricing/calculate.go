package pricing

import (
	"math"
	"regexp"
	"strconv"

	"ridedispatch/internal/maps"
)

// Inputs gathers everything the fare formula reads.
type Inputs struct {
	Route          maps.Route
	RatePerKm      float64
	WaitingMinutes float64
	Rain           bool
	Toll           maps.TollAdvisory
}

// Calculate applies
//
//	base + trafficMin*trafficRate + waitingMin*waitingRate + km*ratePerKm
//	  + rainFare (if raining) + tollEstimate/2 (if tolls)
//
// Every component is clamped at zero, so the total is never below the base fare.
func Calculate(in Inputs, s FareSettings) Quote {
	base := nonNeg(s.BaseFare)
	distance := nonNeg(in.Route.DistanceKm) * nonNeg(in.RatePerKm)
	traffic := nonNeg(in.Route.TrafficDurationMin) * nonNeg(s.TrafficPricePerMinute)
	waiting := nonNeg(in.WaitingMinutes) * nonNeg(s.WaitingPricePerMinute)
	var rain, toll float64
	if in.Rain {
		rain = nonNeg(s.RainFare)
	}
	if in.Toll.HasTolls {
		toll = nonNeg(in.Toll.EstimatedPrice) / 2
	}

	return Quote{
		TotalPrice:         round2(base + distance + traffic + waiting + rain + toll),
		DistanceKm:         round2(in.Route.DistanceKm),
		DurationMin:        round2(in.Route.DurationMin),
		TrafficDurationMin: round2(in.Route.TrafficDurationMin),
		Polyline:           in.Route.Polyline,
		RatePerKm:          in.RatePerKm,
		Rain:               in.Rain,
		Tolls:              in.Toll.HasTolls,
		TollPrice:          in.Toll.EstimatedPrice,
		Breakdown: Breakdown{
			BaseFare:     base,
			DistanceCost: round2(distance),
			TrafficCost:  round2(traffic),
			WaitingCost:  round2(waiting),
			RainFare:     rain,
			TollShare:    round2(toll),
		},
	}
}

var rateNumber = regexp.MustCompile(`\d+(\.\d+)?`)

// ParseRate pulls the first number out of a rate string such as "15/km".
// It falls back to def when nothing positive can be parsed.
func ParseRate(s string, def float64) float64 {
	m := rateNumber.FindString(s)
	if m == "" {
		return def
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func nonNeg(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
