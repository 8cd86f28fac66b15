// README: Ledger store backed by PostgreSQL, unique on (ride_id, driver_id).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

var ErrInvalidStatus = errors.New("invalid ledger status")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// RecordSent upserts a sent row. A row that already reached a terminal
// status is left untouched.
func (s *Store) RecordSent(ctx context.Context, rideID, driverID types.ID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_notifications (ride_id, driver_id, status, notified_at)
		VALUES ($1, $2, 'sent', $3)
		ON CONFLICT (ride_id, driver_id) DO UPDATE
		SET notified_at = EXCLUDED.notified_at
		WHERE ride_notifications.status = 'sent'`,
		string(rideID), string(driverID), at,
	)
	return err
}

// Transition moves a (ride, driver) row to a terminal status, creating it
// when the driver was never notified through dispatch. It reports false when
// the row was already terminal.
func (s *Store) Transition(ctx context.Context, rideID, driverID types.ID, to Status, reason string, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, ErrInvalidStatus
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO ride_notifications (
			ride_id, driver_id, status, notified_at,
			accepted_at, rejected_at, cancelled_at, cancellation_reason
		) VALUES (
			$1, $2, $3, $4,
			CASE WHEN $3 = 'accepted' THEN $4::timestamptz END,
			CASE WHEN $3 = 'rejected' THEN $4::timestamptz END,
			CASE WHEN $3 = 'cancelled' THEN $4::timestamptz END,
			NULLIF($5::text, '')
		)
		ON CONFLICT (ride_id, driver_id) DO UPDATE
		SET status = EXCLUDED.status,
		    accepted_at = EXCLUDED.accepted_at,
		    rejected_at = EXCLUDED.rejected_at,
		    cancelled_at = EXCLUDED.cancelled_at,
		    cancellation_reason = EXCLUDED.cancellation_reason
		WHERE ride_notifications.status = 'sent'`,
		string(rideID), string(driverID), string(to), at, reason,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListByStatus(ctx context.Context, rideID types.ID, status Status) ([]Notification, error) {
	return s.list(ctx, `WHERE ride_id = $1 AND status = $2`, string(rideID), string(status))
}

func (s *Store) ListByRide(ctx context.Context, rideID types.ID) ([]Notification, error) {
	return s.list(ctx, `WHERE ride_id = $1`, string(rideID))
}

// DriverIDs returns every driver that holds a ledger row for the ride.
func (s *Store) DriverIDs(ctx context.Context, rideID types.ID) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `SELECT driver_id FROM ride_notifications WHERE ride_id = $1`, string(rideID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ride_id, driver_id, status, notified_at,
		       accepted_at, rejected_at, cancelled_at, COALESCE(cancellation_reason, '')
		FROM ride_notifications `+where+`
		ORDER BY notified_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var acceptedAt, rejectedAt, cancelledAt sql.NullTime
		if err := rows.Scan(
			&n.RideID, &n.DriverID, &n.Status, &n.NotifiedAt,
			&acceptedAt, &rejectedAt, &cancelledAt, &n.CancellationReason,
		); err != nil {
			return nil, err
		}
		n.AcceptedAt = toTimePtr(acceptedAt)
		n.RejectedAt = toTimePtr(rejectedAt)
		n.CancelledAt = toTimePtr(cancelledAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
