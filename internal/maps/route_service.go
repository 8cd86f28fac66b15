// README: Directions client with live traffic, used for fare estimates and driver ETAs.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"ridedispatch/internal/types"
)

var (
	// ErrNoRoute means the provider answered but found no drivable route.
	ErrNoRoute = errors.New("failed to calculate route: no route found")
	// ErrRouting wraps transport and quota failures from the maps api.
	ErrRouting = errors.New("maps api error")
)

// Route is the fastest driving route between two points under current traffic.
type Route struct {
	DistanceKm         float64
	DurationMin        float64
	TrafficDurationMin float64
	Polyline           string
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
	region string
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey, region string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, region: region}, nil
}

// Route asks for alternatives with departure now and keeps the one with the
// shortest traffic-adjusted duration.
func (s *RouteService) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	routes, err := s.directions(ctx, origin, destination, true)
	if err != nil {
		return Route{}, err
	}
	return fastest(routes)
}

// ETA returns the traffic-aware driving time from a driver to a pickup.
func (s *RouteService) ETA(ctx context.Context, from, to types.Point) (time.Duration, error) {
	routes, err := s.directions(ctx, from, to, false)
	if err != nil {
		return 0, err
	}
	r, err := fastest(routes)
	if err != nil {
		return 0, err
	}
	return time.Duration(r.TrafficDurationMin * float64(time.Minute)), nil
}

func (s *RouteService) directions(ctx context.Context, origin, destination types.Point, alternatives bool) ([]maps.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:        origin.LatLng(),
		Destination:   destination.LatLng(),
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
		Alternatives:  alternatives,
		Region:        s.region,
	}
	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRouting, err)
	}
	return routes, nil
}

func fastest(routes []maps.Route) (Route, error) {
	var best Route
	found := false
	for _, r := range routes {
		if len(r.Legs) == 0 {
			continue
		}
		var meters int
		var duration, traffic time.Duration
		for _, leg := range r.Legs {
			meters += leg.Distance.Meters
			duration += leg.Duration
			if leg.DurationInTraffic > 0 {
				traffic += leg.DurationInTraffic
			} else {
				traffic += leg.Duration
			}
		}
		candidate := Route{
			DistanceKm:         float64(meters) / 1000,
			DurationMin:        duration.Minutes(),
			TrafficDurationMin: traffic.Minutes(),
			Polyline:           r.OverviewPolyline.Points,
		}
		if !found || candidate.TrafficDurationMin < best.TrafficDurationMin {
			best = candidate
			found = true
		}
	}
	if !found {
		return Route{}, ErrNoRoute
	}
	return best, nil
}
