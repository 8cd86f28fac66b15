// README: Dispatch service fans ride offers out to drivers and withdraws them.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

// maxInFlight bounds concurrent deliveries for one fan-out.
const maxInFlight = 16

type Sessions interface {
	Send(id realtime.Identity, event string, data any) error
}

type Ledger interface {
	RecordSent(ctx context.Context, rideID, driverID types.ID, at time.Time) error
	ListByStatus(ctx context.Context, rideID types.ID, status ledger.Status) ([]ledger.Notification, error)
	Transition(ctx context.Context, rideID, driverID types.ID, to ledger.Status, reason string, at time.Time) (bool, error)
}

type MailboxWriter interface {
	Push(ctx context.Context, driverID types.ID, o Offer) error
}

type Pusher interface {
	Push(ctx context.Context, token string, m notify.Message) error
}

type Service struct {
	sessions    Sessions
	ledger      Ledger
	mailbox     MailboxWriter
	broadcaster Broadcaster
	pusher      Pusher
	offerTTL    time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewService wires the fan-out. broadcaster and pusher may be nil.
func NewService(sessions Sessions, ledger Ledger, mailbox MailboxWriter, broadcaster Broadcaster, pusher Pusher, offerTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		sessions:    sessions,
		ledger:      ledger,
		mailbox:     mailbox,
		broadcaster: broadcaster,
		pusher:      pusher,
		offerTTL:    offerTTL,
		log:         log.With().Str("module", "dispatch").Logger(),
		now:         time.Now,
	}
}

// Dispatch delivers the offer to every candidate independently. A driver
// with a live session gets it directly and a "sent" ledger row; any other
// driver gets it in the mailbox and on the broadcast channel. One driver's
// failure never stops delivery to the others.
func (s *Service) Dispatch(ctx context.Context, offer Offer, candidates []driver.Candidate) (Result, error) {
	now := s.now()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	if offer.ExpiresAt.IsZero() && s.offerTTL > 0 {
		offer.ExpiresAt = now.Add(s.offerTTL)
	}

	reached := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, c := range candidates {
		g.Go(func() error {
			o := offer
			o.DriverID = c.DriverID
			o.DistanceToPickupM = c.DistanceM
			reached[i] = s.deliver(gctx, o, c, now)
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i, c := range candidates {
		if reached[i] {
			res.Notified = append(res.Notified, c.DriverID)
		} else {
			res.Unreachable = append(res.Unreachable, c.DriverID)
		}
	}
	s.log.Info().
		Str("ride_id", offer.RideID.String()).
		Int("notified", len(res.Notified)).
		Int("unreachable", len(res.Unreachable)).
		Msg("offer dispatched")
	return res, ctx.Err()
}

func (s *Service) deliver(ctx context.Context, o Offer, c driver.Candidate, now time.Time) bool {
	log := s.log.With().Str("ride_id", o.RideID.String()).Str("driver_id", c.DriverID.String()).Logger()

	err := s.sessions.Send(realtime.Driver(c.DriverID), realtime.EventRideOffer, o)
	if err == nil {
		if s.ledger != nil {
			if err := s.ledger.RecordSent(ctx, o.RideID, c.DriverID, now); err != nil {
				log.Warn().Err(err).Msg("ledger record failed")
			}
		}
		return true
	}
	if !errors.Is(err, realtime.ErrNoSession) {
		log.Warn().Err(err).Msg("socket delivery failed, using mailbox")
	}

	if err := s.mailbox.Push(ctx, c.DriverID, o); err != nil {
		log.Warn().Err(err).Msg("mailbox write failed")
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(ctx, c.DriverID, o); err != nil {
			log.Warn().Err(err).Msg("broadcast failed")
		}
	}
	if s.pusher != nil && c.FCMToken != "" {
		if err := s.pusher.Push(ctx, c.FCMToken, notify.RideOffer(o.RideID, o.Pickup, o.Fare)); err != nil {
			log.Warn().Err(err).Msg("offer push failed")
		}
	}
	return false
}

// CancelOffers withdraws the offer from every driver whose ledger row is
// still "sent", except the given driver.
func (s *Service) CancelOffers(ctx context.Context, rideID, except types.ID, reason string) error {
	if s.ledger == nil {
		return nil
	}
	rows, err := s.ledger.ListByStatus(ctx, rideID, ledger.StatusSent)
	if err != nil {
		return err
	}
	now := s.now()
	payload := map[string]any{"rideId": rideID, "reason": reason}
	for _, n := range rows {
		if n.DriverID == except {
			continue
		}
		ok, err := s.ledger.Transition(ctx, rideID, n.DriverID, ledger.StatusCancelled, reason, now)
		if err != nil {
			s.log.Warn().Err(err).Str("ride_id", rideID.String()).Str("driver_id", n.DriverID.String()).Msg("ledger cancel failed")
			continue
		}
		if !ok {
			continue
		}
		if err := s.sessions.Send(realtime.Driver(n.DriverID), realtime.EventRideCancelled, payload); err != nil && !errors.Is(err, realtime.ErrNoSession) {
			s.log.Warn().Err(err).Str("driver_id", n.DriverID.String()).Msg("cancel notice failed")
		}
	}
	return nil
}
