// README: Driver service: proximity lookup, location and availability updates.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/types"
)

var ErrBadRequest = errors.New("bad request")

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Driver, error)
	Near(ctx context.Context, p types.Point, vehicleType VehicleType, radiusM float64, exclude []types.ID, limit int) ([]Candidate, error)
	UpdateLocation(ctx context.Context, driverID types.ID, p types.Point) error
	SetAvailability(ctx context.Context, driverID types.ID, available bool) (bool, error)
}

type Service struct {
	repo  Repository
	log   zerolog.Logger
	now   func() time.Time
	limit int
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("module", "driver").Logger(), now: time.Now, limit: 50}
}

type FindQuery struct {
	Pickup      types.Point
	VehicleType VehicleType
	RadiusM     float64
	Exclude     []types.ID
}

// FindEligible runs the proximity query and drops candidates that fail the
// eligibility filter.
func (s *Service) FindEligible(ctx context.Context, q FindQuery) ([]Candidate, error) {
	if err := q.Pickup.Validate(); err != nil {
		return nil, err
	}
	if q.RadiusM <= 0 {
		return nil, ErrBadRequest
	}
	candidates, err := s.repo.Near(ctx, q.Pickup, q.VehicleType, q.RadiusM, q.Exclude, s.limit)
	if err != nil {
		return nil, err
	}
	eligible, dropped := Filter(candidates, s.now())
	for _, d := range dropped {
		reasons := make([]string, len(d.Reasons))
		for i, r := range d.Reasons {
			reasons[i] = string(r)
		}
		s.log.Debug().Str("driver_id", d.DriverID.String()).Strs("reasons", reasons).Msg("candidate dropped")
	}
	return eligible, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if id == "" {
		return ErrBadRequest
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.UpdateLocation(ctx, id, p)
}

// SetAvailability refuses to toggle a driver who is currently on a ride.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	if id == "" {
		return ErrBadRequest
	}
	ok, err := s.repo.SetAvailability(ctx, id, available)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return ErrBusy
}
