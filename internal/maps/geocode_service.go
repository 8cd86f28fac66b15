// README: Reverse geocoding for ride pickup and drop addresses.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"ridedispatch/internal/types"
)

var ErrNoResult = errors.New("no geocoding result")

// GeocodeService handles interactions with Google Geocoding API.
type GeocodeService struct {
	client *maps.Client
	region string
}

func NewGeocodeService(apiKey, region string) (*GeocodeService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeocodeService{client: client, region: region}, nil
}

// Describe returns a formatted address for a coordinate.
func (s *GeocodeService) Describe(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.Geocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Region: s.region,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRouting, err)
	}
	if len(results) == 0 {
		return "", ErrNoResult
	}
	return results[0].FormattedAddress, nil
}
