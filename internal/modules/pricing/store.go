// README: Fare settings and per-vehicle rates backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) FareSettings(ctx context.Context) (FareSettings, error) {
	var fs FareSettings
	err := s.db.QueryRow(ctx, `
		SELECT base_fare, traffic_price_per_minute, waiting_price_per_minute, rain_fare
		FROM fare_settings
		ORDER BY updated_at DESC
		LIMIT 1`,
	).Scan(&fs.BaseFare, &fs.TrafficPricePerMinute, &fs.WaitingPricePerMinute, &fs.RainFare)
	if errors.Is(err, pgx.ErrNoRows) {
		return FareSettings{}, ErrPricing
	}
	return fs, err
}

// RatePerKm returns the raw rate string configured for a vehicle type.
func (s *Store) RatePerKm(ctx context.Context, vehicleType string) (string, error) {
	var rate string
	err := s.db.QueryRow(ctx, `SELECT rate_per_km FROM vehicle_rates WHERE vehicle_type = $1`, vehicleType).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRateNotFound
	}
	return rate, err
}
