// README: PostgreSQL projection store, written when the primary is unavailable.
package temprides

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Put(ctx context.Context, t TempRide) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO temp_rides (ride_id, user_id, driver_id, status, otp, otp_verified, started_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ride_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    driver_id = EXCLUDED.driver_id,
		    status = EXCLUDED.status,
		    otp = EXCLUDED.otp,
		    otp_verified = EXCLUDED.otp_verified,
		    started_at_ms = EXCLUDED.started_at_ms,
		    updated_at_ms = EXCLUDED.updated_at_ms`,
		string(t.RideID), string(t.UserID), string(t.DriverID), string(t.Status),
		t.OTP, t.OTPVerified, t.StartedAt, t.UpdatedAt,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, rideID types.ID) (*TempRide, error) {
	var t TempRide
	err := s.db.QueryRow(ctx, `
		SELECT ride_id, user_id, driver_id, status, otp, otp_verified, started_at_ms, updated_at_ms
		FROM temp_rides WHERE ride_id = $1`, string(rideID),
	).Scan(&t.RideID, &t.UserID, &t.DriverID, &t.Status, &t.OTP, &t.OTPVerified, &t.StartedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
