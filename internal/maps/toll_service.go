// README: Toll advisory from the Routes API (computeRoutes with tollInfo).
package maps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ridedispatch/internal/types"
)

const defaultRoutesURL = "https://routes.googleapis.com/directions/v2:computeRoutes"

// TollAdvisory says whether a route crosses tolls and what they are estimated to cost.
type TollAdvisory struct {
	HasTolls       bool
	EstimatedPrice float64
	Currency       string
}

// TollService calls the Routes API directly; the maps client library has no
// binding for it.
type TollService struct {
	http   *http.Client
	apiKey string
	url    string
}

func NewTollService(apiKey string) *TollService {
	return &TollService{
		http:   &http.Client{Timeout: 8 * time.Second},
		apiKey: apiKey,
		url:    defaultRoutesURL,
	}
}

type routesLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type routesWaypoint struct {
	Location struct {
		LatLng routesLatLng `json:"latLng"`
	} `json:"location"`
}

type routesRequest struct {
	Origin                   routesWaypoint `json:"origin"`
	Destination              routesWaypoint `json:"destination"`
	TravelMode               string         `json:"travelMode"`
	ExtraComputations        []string       `json:"extraComputations"`
	RouteModifiers           map[string]any `json:"routeModifiers,omitempty"`
	ComputeAlternativeRoutes bool           `json:"computeAlternativeRoutes"`
}

type routesMoney struct {
	CurrencyCode string `json:"currencyCode"`
	Units        string `json:"units"`
	Nanos        int64  `json:"nanos"`
}

type routesResponse struct {
	Routes []struct {
		TravelAdvisory struct {
			TollInfo *struct {
				EstimatedPrice []routesMoney `json:"estimatedPrice"`
			} `json:"tollInfo"`
		} `json:"travelAdvisory"`
	} `json:"routes"`
}

func waypoint(p types.Point) routesWaypoint {
	var w routesWaypoint
	w.Location.LatLng = routesLatLng{Latitude: p.Lat, Longitude: p.Lng}
	return w
}

// Tolls returns the toll advisory for the first computed route.
func (s *TollService) Tolls(ctx context.Context, origin, destination types.Point) (TollAdvisory, error) {
	body, err := json.Marshal(routesRequest{
		Origin:            waypoint(origin),
		Destination:       waypoint(destination),
		TravelMode:        "DRIVE",
		ExtraComputations: []string{"TOLLS"},
	})
	if err != nil {
		return TollAdvisory{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return TollAdvisory{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", s.apiKey)
	req.Header.Set("X-Goog-FieldMask", "routes.travelAdvisory.tollInfo")

	resp, err := s.http.Do(req)
	if err != nil {
		return TollAdvisory{}, fmt.Errorf("%w: %v", ErrRouting, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TollAdvisory{}, fmt.Errorf("%w: routes api status %d", ErrRouting, resp.StatusCode)
	}

	var out routesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TollAdvisory{}, fmt.Errorf("%w: %v", ErrRouting, err)
	}
	return parseTolls(out), nil
}

func parseTolls(r routesResponse) TollAdvisory {
	if len(r.Routes) == 0 || r.Routes[0].TravelAdvisory.TollInfo == nil {
		return TollAdvisory{}
	}
	adv := TollAdvisory{HasTolls: true}
	for _, m := range r.Routes[0].TravelAdvisory.TollInfo.EstimatedPrice {
		units, _ := strconv.ParseFloat(m.Units, 64)
		adv.EstimatedPrice += units + float64(m.Nanos)/1e9
		if adv.Currency == "" {
			adv.Currency = m.CurrencyCode
		}
	}
	return adv
}
