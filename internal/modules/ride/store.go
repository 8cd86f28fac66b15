// README: Ride store backed by PostgreSQL with optimistic status updates.
package ride

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

func (s *Store) Create(ctx context.Context, r *Ride) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (
			id, user_id, status, status_version, vehicle_type,
			pickup_lat, pickup_lng, drop_lat, drop_lng, pickup_desc, drop_desc,
			search_radius_km, max_search_radius_km, current_search_radius_km, auto_increase_radius,
			estimated_fare, currency, payment_method, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $19
		)`,
		string(r.ID), string(r.UserID), string(r.Status), r.StatusVersion, r.VehicleType,
		r.Pickup.Lat, r.Pickup.Lng, r.Drop.Lat, r.Drop.Lng, r.PickupDesc, r.DropDesc,
		r.SearchRadiusKm, r.MaxSearchRadiusKm, r.CurrentSearchRadiusKm, r.AutoIncreaseRadius,
		r.EstimatedFare.Amount, currencyOrDefault(r.EstimatedFare.Currency), r.PaymentMethod, r.CreatedAt,
	)
	return err
}

const rideColumns = `
	id, user_id, driver_id, status, status_version, vehicle_type,
	pickup_lat, pickup_lng, drop_lat, drop_lng, pickup_desc, drop_desc,
	search_radius_km, max_search_radius_km, current_search_radius_km, auto_increase_radius,
	retry_count, last_retry_at, rejected_by,
	estimated_fare, fare, currency, distance_km, duration_min,
	otp, otp_verified, payment_method, is_paid, rating,
	cancelled_by, cancel_reason, error_message,
	created_at, accepted_at, started_at, completed_at, cancelled_at, paid_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var driverID sql.NullString
	var fare, rating sql.NullInt64
	var rejected []string
	var lastRetry, acceptedAt, startedAt, completedAt, cancelledAt, paidAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.UserID, &driverID, &r.Status, &r.StatusVersion, &r.VehicleType,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Drop.Lat, &r.Drop.Lng, &r.PickupDesc, &r.DropDesc,
		&r.SearchRadiusKm, &r.MaxSearchRadiusKm, &r.CurrentSearchRadiusKm, &r.AutoIncreaseRadius,
		&r.RetryCount, &lastRetry, &rejected,
		&r.EstimatedFare.Amount, &fare, &r.EstimatedFare.Currency, &r.DistanceKm, &r.DurationMin,
		&r.OTP, &r.OTPVerified, &r.PaymentMethod, &r.IsPaid, &rating,
		&r.CancelledBy, &r.CancelReason, &r.ErrorMessage,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	if driverID.Valid && driverID.String != "" {
		d := types.ID(driverID.String)
		r.DriverID = &d
	}
	if fare.Valid {
		m := types.Money{Amount: fare.Int64, Currency: r.EstimatedFare.Currency}
		r.Fare = &m
	}
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	for _, d := range rejected {
		r.RejectedBy = append(r.RejectedBy, types.ID(d))
	}
	r.LastRetryAt = toTimePtr(lastRetry)
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	r.PaidAt = toTimePtr(paidAt)
	return &r, nil
}

// UpdateStatus moves a ride from one status to another only if neither the
// status nor the version changed since it was read.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, p Patch) (bool, error) {
	var fare *int64
	if p.Fare != nil {
		fare = &p.Fare.Amount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = COALESCE($2, driver_id),
		    otp = COALESCE($3, otp),
		    otp_verified = otp_verified OR $4,
		    fare = COALESCE($5, fare),
		    cancelled_by = COALESCE(NULLIF($6::text, ''), cancelled_by),
		    cancel_reason = COALESCE(NULLIF($7::text, ''), cancel_reason),
		    error_message = COALESCE(NULLIF($8::text, ''), error_message),
		    max_search_radius_km = COALESCE($9, max_search_radius_km),
		    accepted_at = CASE WHEN $1 = 'accepted' THEN NOW() ELSE accepted_at END,
		    started_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END,
		    updated_at = NOW()
		WHERE id = $10 AND status = $11 AND status_version = $12`,
		string(to),
		idPtr(p.DriverID),
		p.OTP,
		p.OTPVerified,
		fare,
		string(p.CancelledBy),
		p.CancelReason,
		p.ErrorMessage,
		p.MaxRadiusKm,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSearchProgress records attempt bookkeeping while the ride is still
// searching. It does not bump the status version.
func (s *Store) UpdateSearchProgress(ctx context.Context, id types.ID, p SearchProgress) (bool, error) {
	var est *int64
	if p.EstimatedFare != nil {
		est = &p.EstimatedFare.Amount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET retry_count = $2,
		    current_search_radius_km = $3,
		    last_retry_at = $4,
		    estimated_fare = COALESCE($5, estimated_fare),
		    distance_km = CASE WHEN $6::float8 > 0 THEN $6::float8 ELSE distance_km END,
		    duration_min = CASE WHEN $7::float8 > 0 THEN $7::float8 ELSE duration_min END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)`,
		string(id), p.RetryCount, p.CurrentRadiusKm, p.LastRetryAt, est, p.DistanceKm, p.DurationMin,
		statusStrings(SearchingStatuses),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AddRejectedDriver adds driverID to the ride's exclusion set once.
func (s *Store) AddRejectedDriver(ctx context.Context, id, driverID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET rejected_by = array_append(rejected_by, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(rejected_by))`,
		string(id), string(driverID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET is_paid = TRUE, paid_at = $3,
		    payment_method = COALESCE(NULLIF($2::text, ''), payment_method),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'completed' AND is_paid = FALSE`,
		string(id), method, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetRating(ctx context.Context, id types.ID, rating int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides SET rating = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'completed'`,
		string(id), rating,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PaidFareSince sums the fares of the driver's paid rides completed at or after since.
func (s *Store) PaidFareSince(ctx context.Context, driverID types.ID, since time.Time) (types.Money, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(COALESCE(fare, estimated_fare)), 0)
		FROM rides
		WHERE driver_id = $1 AND status = 'completed' AND is_paid = TRUE AND completed_at >= $2`,
		string(driverID), since,
	).Scan(&total)
	if err != nil {
		return types.Money{}, err
	}
	return types.Money{Amount: total, Currency: types.DefaultCurrency}, nil
}

func (s *Store) ListOpen(ctx context.Context, q OpenQuery) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `SELECT `+rideColumns+`
		FROM rides
		WHERE status = ANY($1)
		  AND vehicle_type = ANY($2)
		  AND created_at >= $3
		  AND NOT ($4 = ANY(rejected_by))
		ORDER BY created_at DESC
		LIMIT $5`,
		statusStrings(SearchingStatuses), q.VehicleTypes, q.Since, string(q.ExcludeDriver), q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		idPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func idPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func currencyOrDefault(c string) string {
	if c == "" {
		return types.DefaultCurrency
	}
	return c
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
