package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/types"
	"ridedispatch/internal/weather"
)

type fakeRouter struct {
	route maps.Route
	err   error
	calls atomic.Int32
}

func (f *fakeRouter) Route(ctx context.Context, origin, destination types.Point) (maps.Route, error) {
	f.calls.Add(1)
	return f.route, f.err
}

type fakeWeather struct {
	c   weather.Conditions
	err error
}

func (f fakeWeather) Current(ctx context.Context, p types.Point) (weather.Conditions, error) {
	return f.c, f.err
}

type fakeTolls struct {
	adv maps.TollAdvisory
	err error
}

func (f fakeTolls) Tolls(ctx context.Context, origin, destination types.Point) (maps.TollAdvisory, error) {
	return f.adv, f.err
}

type fakeSettings struct {
	fs      FareSettings
	err     error
	rate    string
	rateErr error
}

func (f fakeSettings) FareSettings(ctx context.Context) (FareSettings, error) { return f.fs, f.err }

func (f fakeSettings) RatePerKm(ctx context.Context, vehicleType string) (string, error) {
	return f.rate, f.rateErr
}

func testConfig() config.PricingConfig {
	return config.PricingConfig{
		DefaultBaseFare:  94,
		DefaultRatePerKm: 15,
		RouteTTL:         time.Minute,
		WeatherTTL:       time.Minute,
		TollTTL:          time.Minute,
		SettingsTTL:      time.Minute,
	}
}

var (
	pickup = types.Point{Lat: 28.61, Lng: 77.20}
	drop   = types.Point{Lat: 28.55, Lng: 77.10}
)

func TestEstimateDegradesOnOptionalFailures(t *testing.T) {
	router := &fakeRouter{route: maps.Route{DistanceKm: 10, TrafficDurationMin: 20}}
	svc := NewService(router,
		fakeWeather{err: weather.ErrUnavailable},
		fakeTolls{err: maps.ErrRouting},
		fakeSettings{err: errors.New("db down"), rate: "15/km"},
		nil, testConfig(), zerolog.Nop())

	q, err := svc.Estimate(context.Background(), EstimateRequest{Pickup: pickup, Drop: drop, VehicleType: "SEDAN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// default base 94 + 10km * 15, no traffic rate in default settings
	if q.TotalPrice != 244 || q.Rain || q.Tolls {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestEstimateRouteFailureIsFatal(t *testing.T) {
	svc := NewService(&fakeRouter{err: maps.ErrNoRoute}, fakeWeather{}, fakeTolls{}, fakeSettings{rate: "15"}, nil, testConfig(), zerolog.Nop())
	_, err := svc.Estimate(context.Background(), EstimateRequest{Pickup: pickup, Drop: drop, VehicleType: "SEDAN"})
	if !errors.Is(err, maps.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestEstimateMissingRate(t *testing.T) {
	svc := NewService(&fakeRouter{}, fakeWeather{}, fakeTolls{}, fakeSettings{rateErr: ErrRateNotFound}, nil, testConfig(), zerolog.Nop())
	_, err := svc.Estimate(context.Background(), EstimateRequest{Pickup: pickup, Drop: drop, VehicleType: "BIKE"})
	if !errors.Is(err, ErrPricing) || !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected pricing error wrapping ErrRateNotFound, got %v", err)
	}
}

func TestEstimateInvalidPoint(t *testing.T) {
	svc := NewService(&fakeRouter{}, fakeWeather{}, fakeTolls{}, fakeSettings{}, nil, testConfig(), zerolog.Nop())
	_, err := svc.Estimate(context.Background(), EstimateRequest{Pickup: types.Point{Lat: 91}, Drop: drop, RatePerKm: 10})
	if !errors.Is(err, types.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}

func TestEstimateSurchargesAndCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	router := &fakeRouter{route: maps.Route{DistanceKm: 4, TrafficDurationMin: 10}}
	svc := NewService(router,
		fakeWeather{c: weather.Conditions{Main: "Rain"}},
		fakeTolls{adv: maps.TollAdvisory{HasTolls: true, EstimatedPrice: 40}},
		fakeSettings{fs: FareSettings{BaseFare: 100, TrafficPricePerMinute: 2, RainFare: 25}},
		NewRedisCache(rdb), testConfig(), zerolog.Nop())

	req := EstimateRequest{Pickup: pickup, Drop: drop, RatePerKm: 20}
	q, err := svc.Estimate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 + 10*2 + 4*20 + 25 + 40/2
	if q.TotalPrice != 245 || !q.Rain || !q.Tolls {
		t.Fatalf("unexpected quote: %+v", q)
	}

	if _, err := svc.Estimate(context.Background(), req); err != nil {
		t.Fatalf("second estimate failed: %v", err)
	}
	if router.calls.Load() != 1 {
		t.Fatalf("expected cached route on second call, router called %d times", router.calls.Load())
	}
	if ttl := mr.TTL("directions:" + pickup.CacheKey() + ":" + drop.CacheKey()); ttl != time.Minute {
		t.Fatalf("unexpected route cache ttl %v", ttl)
	}
}
