// README: Driver store backed by PostgreSQL + PostGIS.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const driverColumns = `
	id, name, phone, profile_image, rating, fcm_token,
	ST_Y(location::geometry), ST_X(location::geometry), location IS NOT NULL,
	is_available, on_ride_id,
	vehicle_type, vehicle_name, vehicle_image, vehicle_plate, vehicle_price_per_km,
	recharge_plan, recharge_expire_at, earning_cap, recharge_period_start, recharge_approved,
	total_rides, completed_ride_ids, stats_rides_rejected, last_polled_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))

	var d Driver
	var lat, lng sql.NullFloat64
	var hasLocation bool
	var onRide sql.NullString
	var expireAt, periodStart, polledAt sql.NullTime
	var completed []string
	err := row.Scan(
		&d.ID, &d.Name, &d.Phone, &d.ProfileImage, &d.Rating, &d.FCMToken,
		&lat, &lng, &hasLocation,
		&d.IsAvailable, &onRide,
		&d.Vehicle.Type, &d.Vehicle.Name, &d.Vehicle.Image, &d.Vehicle.Plate, &d.Vehicle.PricePerKm,
		&d.Recharge.Plan, &expireAt, &d.Recharge.EarningCap.Amount, &periodStart, &d.Recharge.Approved,
		&d.TotalRides, &completed, &d.StatsRidesRejected, &polledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if hasLocation {
		d.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	d.OnRideID = toIDPtr(onRide)
	d.Recharge.ExpireAt = toTimePtr(expireAt)
	d.Recharge.PeriodStart = toTimePtr(periodStart)
	d.Recharge.EarningCap.Currency = types.DefaultCurrency
	d.LastPolledAt = toTimePtr(polledAt)
	for _, r := range completed {
		d.CompletedRides = append(d.CompletedRides, types.ID(r))
	}
	return &d, nil
}

// Near returns available drivers of the given vehicle type within radiusM
// of p, nearest first. Recharge and ride occupancy are not filtered here.
func (s *Store) Near(ctx context.Context, p types.Point, vehicleType VehicleType, radiusM float64, exclude []types.ID, limit int) ([]Candidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, phone, profile_image, rating, fcm_token,
		       vehicle_type, vehicle_name, vehicle_image, vehicle_plate, vehicle_price_per_km,
		       recharge_expire_at, on_ride_id,
		       ST_Distance(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance_m
		FROM drivers
		WHERE is_available = TRUE
		  AND vehicle_type = $3
		  AND location IS NOT NULL
		  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $4)
		  AND NOT (id = ANY($5))
		ORDER BY distance_m ASC
		LIMIT $6`,
		p.Lng, p.Lat, string(vehicleType), radiusM, idStrings(exclude), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var expireAt sql.NullTime
		var onRide sql.NullString
		if err := rows.Scan(
			&c.DriverID, &c.Name, &c.Phone, &c.ProfileImage, &c.Rating, &c.FCMToken,
			&c.Vehicle.Type, &c.Vehicle.Name, &c.Vehicle.Image, &c.Vehicle.Plate, &c.Vehicle.PricePerKm,
			&expireAt, &onRide, &c.DistanceM,
		); err != nil {
			return nil, err
		}
		c.RechargeExp = toTimePtr(expireAt)
		c.OnRideID = toIDPtr(onRide)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Occupy moves a free driver onto rideID. It reports false when the driver
// is already on a ride.
func (s *Store) Occupy(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET is_available = FALSE, on_ride_id = $2, updated_at = NOW()
		WHERE id = $1 AND (on_ride_id IS NULL OR on_ride_id = $2)`,
		string(driverID), string(rideID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetState writes an occupancy through the legacy flag columns.
func (s *Store) SetState(ctx context.Context, driverID types.ID, st State) error {
	available, rideID := st.Flags()
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET is_available = $2, on_ride_id = $3, updated_at = NOW()
		WHERE id = $1`,
		string(driverID), available, toStringPtr(rideID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRide appends rideID to the driver's ride list and bumps the ride
// counter once. It reports false when the ride was already recorded.
func (s *Store) CompleteRide(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET completed_ride_ids = array_append(completed_ride_ids, $2),
		    total_rides = total_rides + 1,
		    updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(completed_ride_ids))`,
		string(driverID), string(rideID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RecordRejection(ctx context.Context, driverID, rideID types.ID, at time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE drivers SET stats_rides_rejected = stats_rides_rejected + 1, updated_at = NOW()
			WHERE id = $1`, string(driverID))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO driver_rejections (driver_id, ride_id, rejected_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (driver_id, ride_id) DO NOTHING`,
			string(driverID), string(rideID), at)
		return err
	})
}

// ExpireSubscription takes the driver offline and voids the current plan.
func (s *Store) ExpireSubscription(ctx context.Context, driverID types.ID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET is_available = FALSE,
		    on_ride_id = NULL,
		    recharge_expire_at = $2,
		    earning_cap = 0,
		    recharge_approved = FALSE,
		    recharge_period_start = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		string(driverID), at,
	)
	return err
}

func (s *Store) UpdateLocation(ctx context.Context, driverID types.ID, p types.Point) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET location = ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, updated_at = NOW()
		WHERE id = $1`,
		string(driverID), p.Lng, p.Lat,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAvailability toggles the availability flag of a driver who is not on a ride.
func (s *Store) SetAvailability(ctx context.Context, driverID types.ID, available bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET is_available = $2, updated_at = NOW()
		WHERE id = $1 AND on_ride_id IS NULL`,
		string(driverID), available,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TouchPolled(ctx context.Context, driverID types.ID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET last_polled_at = $2 WHERE id = $1`, string(driverID), at)
	return err
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toIDPtr(v sql.NullString) *types.ID {
	if !v.Valid || v.String == "" {
		return nil
	}
	id := types.ID(v.String)
	return &id
}

func toStringPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
