// README: Driver poll: mailbox first, then recent open rides from the store.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

type MailboxReader interface {
	Read(ctx context.Context, driverID types.ID) ([]Offer, error)
}

type RideReader interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	ListOpen(ctx context.Context, q ride.OpenQuery) ([]*ride.Ride, error)
}

type DriverReader interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	TouchPolled(ctx context.Context, driverID types.ID, at time.Time) error
}

// Poller serves drivers that missed socket offers. The ride's exclusion
// list is applied to both sources.
type Poller struct {
	mailbox MailboxReader
	rides   RideReader
	drivers DriverReader
	cfg     config.PollConfig
	log     zerolog.Logger
	now     func() time.Time
}

func NewPoller(mailbox MailboxReader, rides RideReader, drivers DriverReader, cfg config.PollConfig, log zerolog.Logger) *Poller {
	return &Poller{
		mailbox: mailbox,
		rides:   rides,
		drivers: drivers,
		cfg:     cfg,
		log:     log.With().Str("module", "poll").Logger(),
		now:     time.Now,
	}
}

func (p *Poller) Poll(ctx context.Context, driverID types.ID) (*PollResult, error) {
	d, err := p.drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if err := p.drivers.TouchPolled(ctx, driverID, now); err != nil {
		p.log.Warn().Err(err).Str("driver_id", driverID.String()).Msg("touch last polled failed")
	}

	res := &PollResult{DriverStatus: pollStatus(d, now), Rides: []Offer{}}
	if res.DriverStatus != PollAvailable {
		return res, nil
	}

	offers, err := p.fromMailbox(ctx, driverID, now)
	if err != nil {
		p.log.Warn().Err(err).Str("driver_id", driverID.String()).Msg("mailbox read failed, using store")
	}
	if len(offers) > 0 {
		res.Rides, res.Source = offers, "mailbox"
		return res, nil
	}

	offers, err = p.fromStore(ctx, d, now)
	if err != nil {
		return nil, err
	}
	if len(offers) > 0 {
		res.Rides, res.Source = offers, "store"
	}
	return res, nil
}

func pollStatus(d *driver.Driver, now time.Time) string {
	st := d.State()
	switch {
	case st.Occupancy == driver.OccupancyOnRide:
		return PollOnRide
	case st.Occupancy == driver.OccupancyOffline:
		return PollUnavailable
	case !d.Recharge.Valid(now):
		return PollRechargeExpired
	case d.Location == nil:
		return PollLocationRequired
	}
	return PollAvailable
}

func (p *Poller) fromMailbox(ctx context.Context, driverID types.ID, now time.Time) ([]Offer, error) {
	entries, err := p.mailbox.Read(ctx, driverID)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.ID]bool, len(entries))
	var out []Offer
	for _, o := range entries {
		if len(out) >= p.cfg.MaxRides {
			break
		}
		if seen[o.RideID] || o.Expired(now) {
			continue
		}
		seen[o.RideID] = true
		r, err := p.rides.Get(ctx, o.RideID)
		if err != nil {
			continue
		}
		if !r.Status.Searching() || r.RejectedByDriver(driverID) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Poller) fromStore(ctx context.Context, d *driver.Driver, now time.Time) ([]Offer, error) {
	compatible := driver.CompatibleVehicleTypes(d.Vehicle.Type)
	vts := make([]string, len(compatible))
	for i, v := range compatible {
		vts[i] = string(v)
	}
	rides, err := p.rides.ListOpen(ctx, ride.OpenQuery{
		VehicleTypes:  vts,
		Since:         now.Add(-p.cfg.TimeWindow),
		ExcludeDriver: d.ID,
		Limit:         p.cfg.MaxRides,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(rides))
	for _, r := range rides {
		if r.RejectedByDriver(d.ID) {
			continue
		}
		out = append(out, OfferFor(r, d.ID, types.DistanceKm(*d.Location, r.Pickup)*1000))
	}
	return out, nil
}

// OfferFor builds the offer a driver sees for a stored ride.
func OfferFor(r *ride.Ride, driverID types.ID, distanceToPickupM float64) Offer {
	fare := r.EstimatedFare.Major()
	if r.Fare != nil {
		fare = r.Fare.Major()
	}
	return Offer{
		RideID:            r.ID,
		UserID:            r.UserID,
		DriverID:          driverID,
		VehicleType:       r.VehicleType,
		Pickup:            r.Pickup,
		Drop:              r.Drop,
		PickupDesc:        r.PickupDesc,
		DropDesc:          r.DropDesc,
		Fare:              fare,
		DistanceKm:        r.DistanceKm,
		DurationMin:       r.DurationMin,
		DistanceToPickupM: distanceToPickupM,
		CreatedAt:         r.CreatedAt,
	}
}
