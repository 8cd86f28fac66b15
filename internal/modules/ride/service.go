// README: Ride service implements the ride lifecycle: create, accept, reject, start, end, pay, cancel.
package ride

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/modules/temprides"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

var (
	ErrInvalidState    = errors.New("invalid state transition")
	ErrNotFound        = errors.New("ride not found")
	ErrConflict        = errors.New("ride state conflict")
	ErrBadRequest      = errors.New("bad request")
	ErrAlreadyAccepted = errors.New("ride already accepted")
	ErrInvalidOTP      = errors.New("invalid otp")
	ErrForbidden       = errors.New("not a participant of this ride")
	ErrAlreadyPaid     = errors.New("ride already paid")
)

const acceptRetries = 3

type Repository interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, p Patch) (bool, error)
	UpdateSearchProgress(ctx context.Context, id types.ID, p SearchProgress) (bool, error)
	AddRejectedDriver(ctx context.Context, id, driverID types.ID) (bool, error)
	MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (bool, error)
	SetRating(ctx context.Context, id types.ID, rating int) (bool, error)
	PaidFareSince(ctx context.Context, driverID types.ID, since time.Time) (types.Money, error)
	ListOpen(ctx context.Context, q OpenQuery) ([]*Ride, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type DriverRepository interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	Occupy(ctx context.Context, driverID, rideID types.ID) (bool, error)
	SetState(ctx context.Context, driverID types.ID, st driver.State) error
	CompleteRide(ctx context.Context, driverID, rideID types.ID) (bool, error)
	RecordRejection(ctx context.Context, driverID, rideID types.ID, at time.Time) error
	ExpireSubscription(ctx context.Context, driverID types.ID, at time.Time) error
}

type Ledger interface {
	Transition(ctx context.Context, rideID, driverID types.ID, to ledger.Status, reason string, at time.Time) (bool, error)
}

// Offers withdraws outstanding offers from drivers other than except.
type Offers interface {
	CancelOffers(ctx context.Context, rideID, except types.ID, reason string) error
}

// Matcher runs driver searches for a ride.
type Matcher interface {
	Launch(rideID types.ID)
	Stop(rideID types.ID)
	FindNext(ctx context.Context, rideID types.ID) error
}

type Sessions interface {
	Send(id realtime.Identity, event string, data any) error
}

type Projection interface {
	Save(ctx context.Context, t temprides.TempRide) error
	MarkStarted(ctx context.Context, rideID types.ID, at time.Time) error
	SetStatus(ctx context.Context, rideID types.ID, status temprides.Status) error
}

type Pusher interface {
	Push(ctx context.Context, token string, m notify.Message) error
}

type ETAEstimator interface {
	ETA(ctx context.Context, from, to types.Point) (time.Duration, error)
}

// Places turns a coordinate into a human-readable address.
type Places interface {
	Describe(ctx context.Context, p types.Point) (string, error)
}

// Deps groups the collaborators of the ride service. Only Rides and Drivers
// are required.
type Deps struct {
	Rides      Repository
	Drivers    DriverRepository
	Ledger     Ledger
	Offers     Offers
	Matcher    Matcher
	Sessions   Sessions
	Projection Projection
	Pusher     Pusher
	ETA        ETAEstimator
	Places     Places
}

type Service struct {
	Deps
	search  config.SearchConfig
	pricing config.PricingConfig
	log     zerolog.Logger
	now     func() time.Time
	// background runs follow-up work that must not delay the caller.
	background func(func())

	earningsMu sync.Mutex
	earnings   map[types.ID]*sync.Mutex
}

func NewService(deps Deps, search config.SearchConfig, pricing config.PricingConfig, log zerolog.Logger) *Service {
	return &Service{
		Deps:       deps,
		search:     search,
		pricing:    pricing,
		log:        log.With().Str("module", "ride").Logger(),
		now:        time.Now,
		background: func(f func()) { go f() },
		earnings:   make(map[types.ID]*sync.Mutex),
	}
}

type CreateCommand struct {
	UserID             types.ID
	VehicleType        string
	Pickup             types.Point
	Drop               types.Point
	PickupDesc         string
	DropDesc           string
	SearchRadiusKm     float64
	MaxSearchRadiusKm  float64
	AutoIncreaseRadius bool
	PaymentMethod      string
}

type AcceptCommand struct {
	RideID   types.ID
	DriverID types.ID
	// Fare overrides the estimated fare when positive.
	Fare float64
}

type AcceptResult struct {
	Ride   *Ride
	Driver *driver.Driver
	OTP    string
	ETA    time.Duration
}

type RejectCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
	OTP      string
}

type EndCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CollectCommand struct {
	RideID   types.ID
	DriverID types.ID
	Method   string
}

type CollectResult struct {
	Ride       *Ride
	Earnings   types.Money
	Remaining  types.Money
	CapReached bool
}

type CancelCommand struct {
	RideID    types.ID
	ActorType Actor
	ActorID   types.ID
	Reason    string
}

type RateCommand struct {
	RideID types.ID
	UserID types.ID
	Rating int
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.UserID == "" || cmd.VehicleType == "" {
		return nil, ErrBadRequest
	}
	vt, err := driver.ParseVehicleType(cmd.VehicleType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, err
	}
	if err := cmd.Drop.Validate(); err != nil {
		return nil, err
	}
	radius := cmd.SearchRadiusKm
	if radius <= 0 {
		radius = s.search.DefaultRadiusKm
	}
	maxRadius := cmd.MaxSearchRadiusKm
	if maxRadius <= 0 {
		maxRadius = s.search.DefaultMaxRadiusKm
	}
	if maxRadius < radius {
		maxRadius = radius
	}

	if cmd.PickupDesc == "" {
		cmd.PickupDesc = s.describe(ctx, cmd.Pickup)
	}
	if cmd.DropDesc == "" {
		cmd.DropDesc = s.describe(ctx, cmd.Drop)
	}

	now := s.now()
	r := &Ride{
		ID:                    types.NewID(),
		UserID:                cmd.UserID,
		Status:                StatusPending,
		VehicleType:           string(vt),
		Pickup:                cmd.Pickup,
		Drop:                  cmd.Drop,
		PickupDesc:            cmd.PickupDesc,
		DropDesc:              cmd.DropDesc,
		SearchRadiusKm:        radius,
		MaxSearchRadiusKm:     maxRadius,
		CurrentSearchRadiusKm: s.search.InitialRadiusM / 1000,
		AutoIncreaseRadius:    cmd.AutoIncreaseRadius,
		EstimatedFare:         types.Money{Currency: types.DefaultCurrency},
		PaymentMethod:         cmd.PaymentMethod,
		CreatedAt:             now,
	}
	if err := s.Rides.Create(ctx, r); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, r.ID, StatusNone, StatusPending, ActorUser, &cmd.UserID)
	if s.Matcher != nil {
		s.Matcher.Launch(r.ID)
	}
	return r, nil
}

// describe is best effort; a ride is still created without an address.
func (s *Service) describe(ctx context.Context, p types.Point) string {
	if s.Places == nil {
		return ""
	}
	desc, err := s.Places.Describe(ctx, p)
	if err != nil {
		s.log.Debug().Err(err).Str("point", p.LatLng()).Msg("reverse geocode failed")
		return ""
	}
	return desc
}

// Search restarts the driver search for a ride whose previous search ended
// without an acceptance.
func (s *Service) Search(ctx context.Context, rideID, userID types.ID) (*Ride, error) {
	r, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if userID != "" && r.UserID != userID {
		return nil, ErrForbidden
	}
	if r.Status != StatusPending {
		if !CanTransition(r.Status, StatusPending) {
			return nil, ErrInvalidState
		}
		ok, err := s.Rides.UpdateStatus(ctx, r.ID, r.Status, StatusPending, r.StatusVersion, Patch{})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrConflict
		}
		s.appendEvent(ctx, r.ID, r.Status, StatusPending, ActorUser, &r.UserID)
		r.Status = StatusPending
		r.StatusVersion++
	}
	if s.Matcher != nil {
		s.Matcher.Launch(r.ID)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.Rides.Get(ctx, id)
}

// Accept assigns the ride to the first driver whose conditional update lands.
// The driver is occupied first; if the ride update then loses, the driver is
// restored to the state it had before.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*AcceptResult, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if err := acceptable(r, cmd.DriverID); err != nil {
		return nil, err
	}
	d, err := s.Drivers.Get(ctx, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	prev := d.State()
	if prev.Occupancy == driver.OccupancyOnRide && (prev.RideID == nil || *prev.RideID != r.ID) {
		return nil, driver.ErrBusy
	}
	ok, err := s.Drivers.Occupy(ctx, cmd.DriverID, r.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, driver.ErrBusy
	}

	otp, err := generateOTP()
	if err != nil {
		s.restoreDriver(ctx, cmd.DriverID, prev)
		return nil, err
	}
	fare := r.EstimatedFare
	if cmd.Fare > 0 {
		fare = types.FromMajor(cmd.Fare)
	}
	if fare.Currency == "" {
		fare.Currency = types.DefaultCurrency
	}

	for attempt := 0; ; attempt++ {
		ok, err = s.Rides.UpdateStatus(ctx, r.ID, r.Status, StatusAccepted, r.StatusVersion, Patch{
			DriverID: &cmd.DriverID,
			OTP:      &otp,
			Fare:     &fare,
		})
		if err != nil {
			s.restoreDriver(ctx, cmd.DriverID, prev)
			return nil, err
		}
		if ok {
			break
		}
		// Lost the race or the search controller moved the status; re-read.
		r, err = s.Rides.Get(ctx, cmd.RideID)
		if err == nil {
			err = acceptable(r, cmd.DriverID)
		}
		if err == nil && attempt+1 >= acceptRetries {
			err = ErrConflict
		}
		if err != nil {
			s.restoreDriver(ctx, cmd.DriverID, prev)
			return nil, err
		}
	}

	now := s.now()
	from := r.Status
	r.Status = StatusAccepted
	r.StatusVersion++
	r.DriverID = &cmd.DriverID
	r.OTP = otp
	r.Fare = &fare
	r.AcceptedAt = &now
	s.appendEvent(ctx, r.ID, from, StatusAccepted, ActorDriver, &cmd.DriverID)

	if s.Matcher != nil {
		s.Matcher.Stop(r.ID)
	}
	if s.Ledger != nil {
		if _, err := s.Ledger.Transition(ctx, r.ID, cmd.DriverID, ledger.StatusAccepted, "", now); err != nil {
			s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("ledger accept failed")
		}
	}
	if s.Projection != nil {
		if err := s.Projection.Save(ctx, temprides.TempRide{
			RideID:   r.ID,
			UserID:   r.UserID,
			DriverID: cmd.DriverID,
			Status:   temprides.StatusAccepted,
			OTP:      otp,
		}); err != nil {
			s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("temp ride projection failed")
		}
	}

	res := &AcceptResult{Ride: r, Driver: d, OTP: otp}
	if s.ETA != nil && d.Location != nil {
		etaCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if eta, err := s.ETA.ETA(etaCtx, *d.Location, r.Pickup); err == nil {
			res.ETA = eta
		} else {
			s.log.Debug().Err(err).Str("ride_id", r.ID.String()).Msg("eta unavailable")
		}
		cancel()
	}

	rideID, userID, driverID := r.ID, r.UserID, cmd.DriverID
	payload := acceptedPayload(res)
	bg := context.WithoutCancel(ctx)
	s.background(func() {
		if s.Offers != nil {
			if err := s.Offers.CancelOffers(bg, rideID, driverID, "accepted_by_another_driver"); err != nil {
				s.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("cancel other offers failed")
			}
		}
		s.send(realtime.User(userID), realtime.EventRideAccepted, payload)
	})
	return res, nil
}

func acceptable(r *Ride, driverID types.ID) error {
	switch {
	case r.Status == StatusAccepted, r.Status == StatusInProgress:
		return ErrAlreadyAccepted
	case !r.Status.Searching():
		return ErrInvalidState
	case r.RejectedByDriver(driverID):
		return ErrInvalidState
	}
	return nil
}

func (s *Service) restoreDriver(ctx context.Context, driverID types.ID, prev driver.State) {
	if err := s.Drivers.SetState(context.WithoutCancel(ctx), driverID, prev); err != nil {
		s.log.Error().Err(err).Str("driver_id", driverID.String()).Msg("restore driver state failed")
	}
}

// Reject records that a driver declined the offer and asks the matcher for
// another driver. Rejecting a ride that is no longer searching is an error
// and leaves the ride untouched.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) error {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if r.Status == StatusAccepted {
		return ErrAlreadyAccepted
	}
	if !r.Status.Searching() {
		return ErrInvalidState
	}
	if r.RejectedByDriver(cmd.DriverID) {
		return nil
	}

	now := s.now()
	if s.Ledger != nil {
		if _, err := s.Ledger.Transition(ctx, r.ID, cmd.DriverID, ledger.StatusRejected, "", now); err != nil {
			return err
		}
	}
	if _, err := s.Rides.AddRejectedDriver(ctx, r.ID, cmd.DriverID); err != nil {
		return err
	}
	if err := s.Drivers.RecordRejection(ctx, cmd.DriverID, r.ID, now); err != nil {
		s.log.Warn().Err(err).Str("driver_id", cmd.DriverID.String()).Msg("record rejection stats failed")
	}

	if s.Matcher != nil {
		bg := context.WithoutCancel(ctx)
		rideID := r.ID
		s.background(func() {
			if err := s.Matcher.FindNext(bg, rideID); err != nil {
				s.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("find next driver failed")
			}
		})
	}
	return nil
}

// Start verifies the rider's OTP and moves the ride into progress. The
// projection is only updated once the ride itself has moved; a projection
// failure is logged.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.OTP == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.DriverID != "" && !r.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if !CanTransition(r.Status, StatusInProgress) {
		return nil, ErrInvalidState
	}
	if r.OTP == "" || r.OTP != cmd.OTP {
		return nil, ErrInvalidOTP
	}

	now := s.now()
	ok, err := s.Rides.UpdateStatus(ctx, r.ID, r.Status, StatusInProgress, r.StatusVersion, Patch{OTPVerified: true})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	if s.Projection != nil {
		if err := s.Projection.MarkStarted(ctx, r.ID, now); err != nil {
			s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("temp ride start update failed")
		}
	}

	s.appendEvent(ctx, r.ID, r.Status, StatusInProgress, ActorDriver, r.DriverID)
	r.Status = StatusInProgress
	r.StatusVersion++
	r.OTPVerified = true
	r.StartedAt = &now
	s.send(realtime.User(r.UserID), realtime.EventRideStarted, map[string]any{"rideId": r.ID, "startedAt": now})
	return r, nil
}

// End completes an in-progress ride for its assigned driver.
func (s *Service) End(ctx context.Context, cmd EndCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if !r.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	return s.complete(ctx, r, ActorDriver)
}

// EndFallback completes a ride by id alone. Calling it on a completed ride
// returns the ride without counting it twice.
func (s *Service) EndFallback(ctx context.Context, rideID types.ID) (*Ride, error) {
	if rideID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted {
		return r, nil
	}
	r, err = s.complete(ctx, r, ActorSystem)
	if err != nil {
		return nil, err
	}
	if s.Pusher != nil && r.DriverID != nil {
		if d, err := s.Drivers.Get(ctx, *r.DriverID); err == nil && d.FCMToken != "" {
			if err := s.Pusher.Push(ctx, d.FCMToken, notify.PaymentReminder(r.ID, fareMajor(r))); err != nil {
				s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("payment reminder push failed")
			}
		}
	}
	return r, nil
}

func (s *Service) complete(ctx context.Context, r *Ride, actor Actor) (*Ride, error) {
	if !CanTransition(r.Status, StatusCompleted) {
		return nil, ErrInvalidState
	}
	ok, err := s.Rides.UpdateStatus(ctx, r.ID, r.Status, StatusCompleted, r.StatusVersion, Patch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	now := s.now()
	s.appendEvent(ctx, r.ID, r.Status, StatusCompleted, actor, r.DriverID)
	r.Status = StatusCompleted
	r.StatusVersion++
	r.CompletedAt = &now

	if r.DriverID != nil {
		if _, err := s.Drivers.CompleteRide(ctx, *r.DriverID, r.ID); err != nil {
			s.log.Error().Err(err).Str("ride_id", r.ID.String()).Msg("record completed ride on driver failed")
		}
		// off the ride but not yet available; CollectPayment frees the driver
		if err := s.Drivers.SetState(ctx, *r.DriverID, driver.State{Occupancy: driver.OccupancyOffline}); err != nil {
			s.log.Error().Err(err).Str("ride_id", r.ID.String()).Msg("release driver after ride end failed")
		}
	}
	if s.Projection != nil {
		if err := s.Projection.SetStatus(ctx, r.ID, temprides.StatusCompleted); err != nil {
			s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("temp ride complete update failed")
		}
	}
	s.send(realtime.User(r.UserID), realtime.EventRideEnded, map[string]any{"rideId": r.ID, "fare": fareMajor(r)})
	return r, nil
}

// CollectPayment marks a completed ride paid and settles the driver's plan.
// When cumulative paid fares since the plan started reach the earning cap
// the plan is expired and the driver goes offline; otherwise the driver is
// freed for the next ride.
func (s *Service) CollectPayment(ctx context.Context, cmd CollectCommand) (*CollectResult, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if !r.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if r.Status != StatusCompleted {
		return nil, ErrInvalidState
	}
	if r.IsPaid {
		return nil, ErrAlreadyPaid
	}
	now := s.now()
	ok, err := s.Rides.MarkPaid(ctx, r.ID, cmd.Method, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyPaid
	}
	r.IsPaid = true
	r.PaidAt = &now
	if cmd.Method != "" {
		r.PaymentMethod = cmd.Method
	}

	res := &CollectResult{Ride: r}
	unlock := s.lockEarnings(cmd.DriverID)
	defer unlock()

	next := driver.State{Occupancy: driver.OccupancyFree}
	if err := s.settleEarnings(ctx, cmd.DriverID, now, res); err != nil {
		s.log.Error().Err(err).Str("driver_id", cmd.DriverID.String()).Msg("earnings settlement failed")
	}
	if res.CapReached {
		next = driver.State{Occupancy: driver.OccupancyOffline}
	}
	if err := s.Drivers.SetState(ctx, cmd.DriverID, next); err != nil {
		s.log.Error().Err(err).Str("driver_id", cmd.DriverID.String()).Msg("release driver after payment failed")
	}
	s.send(realtime.User(r.UserID), realtime.EventPaymentCollected, map[string]any{"rideId": r.ID, "fare": fareMajor(r)})
	return res, nil
}

func (s *Service) settleEarnings(ctx context.Context, driverID types.ID, now time.Time, res *CollectResult) error {
	d, err := s.Drivers.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if d.Recharge.PeriodStart == nil || d.Recharge.EarningCap.Amount <= 0 {
		return nil
	}
	total, err := s.Rides.PaidFareSince(ctx, driverID, *d.Recharge.PeriodStart)
	if err != nil {
		return err
	}
	res.Earnings = total
	remaining := d.Recharge.EarningCap.Amount - total.Amount
	if remaining <= 0 {
		res.CapReached = true
		res.Remaining = types.Money{Currency: total.Currency}
		if err := s.Drivers.ExpireSubscription(ctx, driverID, now.Add(-time.Minute)); err != nil {
			return err
		}
		s.push(ctx, d.FCMToken, notify.EarningsCapReached())
		return nil
	}
	res.Remaining = types.Money{Amount: remaining, Currency: total.Currency}
	if res.Remaining.Major() < s.pricing.LowBalanceReminder {
		s.push(ctx, d.FCMToken, notify.LowBalance(res.Remaining.Major()))
	}
	return nil
}

func (s *Service) lockEarnings(driverID types.ID) func() {
	s.earningsMu.Lock()
	mu, ok := s.earnings[driverID]
	if !ok {
		mu = &sync.Mutex{}
		s.earnings[driverID] = mu
	}
	s.earningsMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Cancel closes a non-terminal ride. The assigned driver is released and
// outstanding offers are withdrawn.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if cmd.RideID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	switch cmd.ActorType {
	case ActorUser:
		if r.UserID != cmd.ActorID {
			return nil, ErrForbidden
		}
	case ActorDriver:
		if !r.AssignedTo(cmd.ActorID) {
			return nil, ErrForbidden
		}
	case ActorAdmin, ActorSystem:
	default:
		return nil, ErrBadRequest
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return nil, ErrInvalidState
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled_by_" + string(cmd.ActorType)
	}
	ok, err := s.Rides.UpdateStatus(ctx, r.ID, r.Status, StatusCancelled, r.StatusVersion, Patch{
		CancelledBy:  cmd.ActorType,
		CancelReason: reason,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := r.Status
	now := s.now()
	var actorID *types.ID
	if cmd.ActorID != "" {
		actorID = &cmd.ActorID
	}
	s.appendEvent(ctx, r.ID, from, StatusCancelled, cmd.ActorType, actorID)
	r.Status = StatusCancelled
	r.StatusVersion++
	r.CancelledBy = cmd.ActorType
	r.CancelReason = reason
	r.CancelledAt = &now

	if s.Matcher != nil {
		s.Matcher.Stop(r.ID)
	}
	if r.DriverID != nil {
		if err := s.Drivers.SetState(ctx, *r.DriverID, driver.State{Occupancy: driver.OccupancyFree}); err != nil {
			s.log.Error().Err(err).Str("driver_id", r.DriverID.String()).Msg("release driver after cancel failed")
		}
		if s.Projection != nil {
			if err := s.Projection.SetStatus(ctx, r.ID, temprides.StatusCancelled); err != nil {
				s.log.Warn().Err(err).Str("ride_id", r.ID.String()).Msg("temp ride cancel update failed")
			}
		}
	}

	payload := map[string]any{"rideId": r.ID, "cancelledBy": cmd.ActorType, "reason": reason}
	if cmd.ActorType != ActorUser {
		s.send(realtime.User(r.UserID), realtime.EventRideCancelled, payload)
	}
	if r.DriverID != nil && cmd.ActorType != ActorDriver {
		s.send(realtime.Driver(*r.DriverID), realtime.EventRideCancelled, payload)
	}
	if from.Searching() && s.Offers != nil {
		bg := context.WithoutCancel(ctx)
		rideID := r.ID
		s.background(func() {
			if err := s.Offers.CancelOffers(bg, rideID, "", reason); err != nil {
				s.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("withdraw offers failed")
			}
		})
	}
	return r, nil
}

// ChangeStatus is the admin override. It still honours the transition table.
func (s *Service) ChangeStatus(ctx context.Context, rideID types.ID, to Status, reason string) (*Ride, error) {
	switch to {
	case StatusCancelled:
		return s.Cancel(ctx, CancelCommand{RideID: rideID, ActorType: ActorAdmin, Reason: reason})
	case StatusCompleted:
		return s.EndFallback(ctx, rideID)
	case StatusPending:
		return s.Search(ctx, rideID, "")
	}
	return nil, ErrInvalidState
}

func (s *Service) Rate(ctx context.Context, cmd RateCommand) error {
	if cmd.RideID == "" || cmd.Rating < 1 || cmd.Rating > 5 {
		return ErrBadRequest
	}
	r, err := s.Rides.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if cmd.UserID != "" && r.UserID != cmd.UserID {
		return ErrForbidden
	}
	ok, err := s.Rides.SetRating(ctx, r.ID, cmd.Rating)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actor Actor, actorID *types.ID) {
	if err := s.Rides.AppendEvent(ctx, &Event{
		RideID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	}); err != nil {
		s.log.Warn().Err(err).Str("ride_id", id.String()).Msg("append ride event failed")
	}
}

func (s *Service) send(id realtime.Identity, event string, data any) {
	if s.Sessions == nil {
		return
	}
	if err := s.Sessions.Send(id, event, data); err != nil && !errors.Is(err, realtime.ErrNoSession) {
		s.log.Warn().Err(err).Str("event", event).Str("to", id.ID.String()).Msg("socket send failed")
	}
}

func (s *Service) push(ctx context.Context, token string, m notify.Message) {
	if s.Pusher == nil || token == "" {
		return
	}
	if err := s.Pusher.Push(ctx, token, m); err != nil {
		s.log.Warn().Err(err).Str("type", m.Type).Msg("push failed")
	}
}

func acceptedPayload(res *AcceptResult) map[string]any {
	d := res.Driver
	return map[string]any{
		"rideId":     res.Ride.ID,
		"driverId":   d.ID,
		"name":       d.Name,
		"phone":      d.Phone,
		"rating":     d.Rating,
		"vehicle":    d.Vehicle.Name,
		"plate":      d.Vehicle.Plate,
		"otp":        res.OTP,
		"etaMinutes": res.ETA.Minutes(),
		"fare":       fareMajor(res.Ride),
	}
}

func fareMajor(r *Ride) float64 {
	if r.Fare != nil {
		return r.Fare.Major()
	}
	return r.EstimatedFare.Major()
}

// generateOTP returns a four digit code in [1000, 9999].
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}
