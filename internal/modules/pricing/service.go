// README: Pricing service computes fare estimates from route, weather, tolls and settings.
package pricing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ridedispatch/internal/config"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/types"
	"ridedispatch/internal/weather"
)

type Router interface {
	Route(ctx context.Context, origin, destination types.Point) (maps.Route, error)
}

type WeatherSource interface {
	Current(ctx context.Context, p types.Point) (weather.Conditions, error)
}

type TollSource interface {
	Tolls(ctx context.Context, origin, destination types.Point) (maps.TollAdvisory, error)
}

type SettingsSource interface {
	FareSettings(ctx context.Context) (FareSettings, error)
	RatePerKm(ctx context.Context, vehicleType string) (string, error)
}

type Service struct {
	router   Router
	weather  WeatherSource
	tolls    TollSource
	settings SettingsSource
	cache    Cache
	cfg      config.PricingConfig
	log      zerolog.Logger
}

func NewService(router Router, ws WeatherSource, tolls TollSource, settings SettingsSource, cache Cache, cfg config.PricingConfig, log zerolog.Logger) *Service {
	return &Service{
		router:   router,
		weather:  ws,
		tolls:    tolls,
		settings: settings,
		cache:    cache,
		cfg:      cfg,
		log:      log.With().Str("module", "pricing").Logger(),
	}
}

// Estimate prices a ride. The four lookups run concurrently; only a routing
// failure or a missing vehicle rate is fatal. Weather, tolls and settings
// degrade to no surcharge and default settings.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (Quote, error) {
	if err := req.Pickup.Validate(); err != nil {
		return Quote{}, err
	}
	if err := req.Drop.Validate(); err != nil {
		return Quote{}, err
	}

	rate := req.RatePerKm
	if rate <= 0 {
		raw, err := cached(ctx, s.cache, "rate:"+req.VehicleType, s.cfg.SettingsTTL, func(ctx context.Context) (string, error) {
			return s.settings.RatePerKm(ctx, req.VehicleType)
		})
		if err != nil {
			return Quote{}, fmt.Errorf("%w: %w", ErrPricing, err)
		}
		rate = ParseRate(raw, s.cfg.DefaultRatePerKm)
	}

	var (
		route      maps.Route
		conditions weather.Conditions
		toll       maps.TollAdvisory
		settings   = FareSettings{BaseFare: s.cfg.DefaultBaseFare}
	)
	routeKey := "directions:" + req.Pickup.CacheKey() + ":" + req.Drop.CacheKey()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := cached(gctx, s.cache, routeKey, s.cfg.RouteTTL, func(ctx context.Context) (maps.Route, error) {
			return s.router.Route(ctx, req.Pickup, req.Drop)
		})
		if err != nil {
			return err
		}
		route = r
		return nil
	})
	g.Go(func() error {
		c, err := cached(gctx, s.cache, "weather:"+req.Pickup.CacheKey(), s.cfg.WeatherTTL, func(ctx context.Context) (weather.Conditions, error) {
			return s.weather.Current(ctx, req.Pickup)
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("weather lookup failed, pricing without rain surcharge")
			return nil
		}
		conditions = c
		return nil
	})
	g.Go(func() error {
		t, err := cached(gctx, s.cache, "tolls:"+req.Pickup.CacheKey()+":"+req.Drop.CacheKey(), s.cfg.TollTTL, func(ctx context.Context) (maps.TollAdvisory, error) {
			return s.tolls.Tolls(ctx, req.Pickup, req.Drop)
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("toll lookup failed, pricing without tolls")
			return nil
		}
		toll = t
		return nil
	})
	g.Go(func() error {
		fs, err := cached(gctx, s.cache, "fare_settings", s.cfg.SettingsTTL, s.settings.FareSettings)
		if err != nil {
			s.log.Warn().Err(err).Msg("fare settings unavailable, using defaults")
			return nil
		}
		if fs.BaseFare <= 0 {
			fs.BaseFare = s.cfg.DefaultBaseFare
		}
		settings = fs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Quote{}, err
	}

	q := Calculate(Inputs{
		Route:          route,
		RatePerKm:      rate,
		WaitingMinutes: req.WaitingMinutes,
		Rain:           conditions.Raining(),
		Toll:           toll,
	}, settings)
	s.log.Debug().
		Float64("distance_km", q.DistanceKm).
		Float64("traffic_min", q.TrafficDurationMin).
		Bool("rain", q.Rain).
		Bool("tolls", q.Tolls).
		Float64("total", q.TotalPrice).
		Msg("price calculated")
	return q, nil
}
