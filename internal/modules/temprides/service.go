// README: Write-through projection service: primary first, secondary on failure.
package temprides

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/types"
)

type Store interface {
	Put(ctx context.Context, t TempRide) error
	Get(ctx context.Context, rideID types.ID) (*TempRide, error)
}

type Service struct {
	primary   Store
	secondary Store
	log       zerolog.Logger
	now       func() time.Time
}

// NewService accepts a nil primary, in which case every write goes to the secondary.
func NewService(primary, secondary Store, log zerolog.Logger) *Service {
	return &Service{
		primary:   primary,
		secondary: secondary,
		log:       log.With().Str("module", "temprides").Logger(),
		now:       time.Now,
	}
}

// Save writes to the primary store and falls back to the secondary when the
// primary write fails.
func (s *Service) Save(ctx context.Context, t TempRide) error {
	t.touch(s.now())
	if s.primary != nil {
		err := s.primary.Put(ctx, t)
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Str("ride_id", t.RideID.String()).Msg("primary projection write failed, using secondary")
	}
	return s.secondary.Put(ctx, t)
}

// Get reads the primary first and the secondary when the primary misses or fails.
func (s *Service) Get(ctx context.Context, rideID types.ID) (*TempRide, error) {
	if s.primary != nil {
		t, err := s.primary.Get(ctx, rideID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("primary projection read failed")
		}
	}
	return s.secondary.Get(ctx, rideID)
}

func (s *Service) MarkStarted(ctx context.Context, rideID types.ID, at time.Time) error {
	t, err := s.Get(ctx, rideID)
	if err != nil {
		return err
	}
	t.Status = StatusStarted
	t.OTPVerified = true
	t.StartedAt = at.UnixMilli()
	return s.Save(ctx, *t)
}

func (s *Service) SetStatus(ctx context.Context, rideID types.ID, status Status) error {
	t, err := s.Get(ctx, rideID)
	if err != nil {
		return err
	}
	t.Status = status
	return s.Save(ctx, *t)
}
