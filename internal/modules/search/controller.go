// README: Search controller: per-ride radius expansion with bounded retries.
package search

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

const (
	// rematchGrowth is the radius multiplier applied when re-matching after a rejection.
	rematchGrowth = 1.5
	// transitionRetries bounds re-reads when a status update races another writer.
	transitionRetries = 3
)

var ErrInvalidState = errors.New("ride is not searching")

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to ride.Status, version int, p ride.Patch) (bool, error)
	UpdateSearchProgress(ctx context.Context, id types.ID, p ride.SearchProgress) (bool, error)
	AppendEvent(ctx context.Context, e *ride.Event) error
}

type Finder interface {
	FindEligible(ctx context.Context, q driver.FindQuery) ([]driver.Candidate, error)
}

type Estimator interface {
	Estimate(ctx context.Context, req pricing.EstimateRequest) (pricing.Quote, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, offer dispatch.Offer, candidates []driver.Candidate) (dispatch.Result, error)
}

// Notified lists drivers that already hold an offer for a ride.
type Notified interface {
	DriverIDs(ctx context.Context, rideID types.ID) ([]types.ID, error)
}

type Sessions interface {
	Send(id realtime.Identity, event string, data any) error
}

type run struct {
	cancel context.CancelFunc
}

// Controller runs one search goroutine per ride. Searches for different
// rides never wait on each other.
type Controller struct {
	rides      Rides
	finder     Finder
	pricing    Estimator
	dispatcher Dispatcher
	notified   Notified
	sessions   Sessions
	cfg        config.SearchConfig
	log        zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	base    context.Context
	stopAll context.CancelFunc
	mu      sync.Mutex
	running map[types.ID]*run
	wg      sync.WaitGroup
}

func NewController(rides Rides, finder Finder, estimator Estimator, dispatcher Dispatcher, notified Notified, sessions Sessions, cfg config.SearchConfig, log zerolog.Logger) *Controller {
	base, stop := context.WithCancel(context.Background())
	return &Controller{
		rides:      rides,
		finder:     finder,
		pricing:    estimator,
		dispatcher: dispatcher,
		notified:   notified,
		sessions:   sessions,
		cfg:        cfg,
		log:        log.With().Str("module", "search").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
		base:       base,
		stopAll:    stop,
		running:    make(map[types.ID]*run),
	}
}

// Launch starts a search for the ride unless one is already running.
func (c *Controller) Launch(rideID types.ID) {
	c.mu.Lock()
	if _, ok := c.running[rideID]; ok {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.base)
	rn := &run{cancel: cancel}
	c.running[rideID] = rn
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.finish(rideID, rn)
		status, err := c.Run(ctx, rideID)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Str("ride_id", rideID.String()).Msg("search aborted")
			return
		}
		c.log.Info().Str("ride_id", rideID.String()).Str("status", string(status)).Msg("search finished")
	}()
}

// Stop cancels the ride's running search, if any.
func (c *Controller) Stop(rideID types.ID) {
	c.mu.Lock()
	rn, ok := c.running[rideID]
	if ok {
		delete(c.running, rideID)
	}
	c.mu.Unlock()
	if ok {
		rn.cancel()
	}
}

func (c *Controller) finish(rideID types.ID, rn *run) {
	c.mu.Lock()
	if cur, ok := c.running[rideID]; ok && cur == rn {
		delete(c.running, rideID)
	}
	c.mu.Unlock()
	rn.cancel()
}

// Running reports whether a search is active for the ride.
func (c *Controller) Running(rideID types.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[rideID]
	return ok
}

// Close cancels every running search and waits for them to exit.
func (c *Controller) Close() {
	c.stopAll()
	c.wg.Wait()
}

// RadiusM is the search radius for a zero-based attempt.
func (c *Controller) RadiusM(attempt int) float64 {
	return c.cfg.InitialRadiusM + float64(attempt)*c.cfg.RadiusIncrementM
}

// Run searches until a terminal outcome or until the ride leaves the
// searching states. It returns the ride status it left behind.
func (c *Controller) Run(ctx context.Context, rideID types.ID) (ride.Status, error) {
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				return "", err
			}
		}
		r, err := c.rides.Get(ctx, rideID)
		if err != nil {
			return "", err
		}
		if !r.Status.Searching() {
			return r.Status, nil
		}

		last := attempt+1 >= c.cfg.MaxAttempts
		status, done, err := c.attempt(ctx, r, attempt, last)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if IsRetryable(err) && !last {
				c.log.Warn().Err(err).Str("ride_id", rideID.String()).Int("attempt", attempt+1).Msg("search attempt failed, retrying")
				c.notifyUser(r.UserID, realtime.EventFindingDriver, map[string]any{
					"rideId":   r.ID,
					"attempt":  attempt + 1,
					"radiusKm": c.RadiusM(attempt) / 1000,
					"message":  "retrying search",
				})
				continue
			}
			return c.fail(ctx, rideID, err)
		}
		if done {
			return status, nil
		}
	}
	return "", nil
}

func (c *Controller) attempt(ctx context.Context, r *ride.Ride, attempt int, last bool) (ride.Status, bool, error) {
	radiusM := c.RadiusM(attempt)
	log := c.log.With().Str("ride_id", r.ID.String()).Int("attempt", attempt+1).Float64("radius_m", radiusM).Logger()

	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	candidates, err := c.finder.FindEligible(actx, driver.FindQuery{
		Pickup:      r.Pickup,
		VehicleType: driver.VehicleType(r.VehicleType),
		RadiusM:     radiusM,
		Exclude:     r.RejectedBy,
	})
	if err != nil {
		return "", false, err
	}
	progress := ride.SearchProgress{RetryCount: attempt, CurrentRadiusKm: radiusM / 1000, LastRetryAt: c.now()}

	if len(candidates) == 0 {
		log.Debug().Msg("no eligible drivers")
		c.saveProgress(ctx, r.ID, progress)
		if last {
			st, err := c.noDriverFound(ctx, r.ID, radiusM)
			return st, true, err
		}
		c.notifyUser(r.UserID, realtime.EventFindingDriver, map[string]any{
			"rideId":       r.ID,
			"attempt":      attempt + 1,
			"radiusKm":     radiusM / 1000,
			"nextRadiusKm": c.RadiusM(attempt+1) / 1000,
			"message":      "expanding search",
		})
		return "", false, nil
	}

	quote, err := c.pricing.Estimate(actx, pricing.EstimateRequest{
		Pickup:      r.Pickup,
		Drop:        r.Drop,
		VehicleType: r.VehicleType,
	})
	if err != nil {
		return "", false, err
	}
	fare := quote.Fare()
	progress.EstimatedFare = &fare
	progress.DistanceKm = quote.DistanceKm
	progress.DurationMin = quote.TrafficDurationMin
	c.saveProgress(ctx, r.ID, progress)

	offer := offerFor(r, quote)
	res, err := c.dispatcher.Dispatch(actx, offer, candidates)
	if err != nil {
		return "", false, err
	}
	log.Info().Int("notified", len(res.Notified)).Int("unreachable", len(res.Unreachable)).Msg("drivers dispatched")

	if len(res.Notified) < c.cfg.MinActiveDrivers && !last {
		c.notifyUser(r.UserID, realtime.EventFindingDriver, map[string]any{
			"rideId":        r.ID,
			"attempt":       attempt + 1,
			"radiusKm":      radiusM / 1000,
			"notified":      len(res.Notified),
			"informedOther": len(res.Unreachable),
			"message":       "few active drivers, expanding search",
		})
		return "", false, nil
	}

	if len(res.Notified) > 0 {
		st, err := c.transition(ctx, r.ID, ride.StatusDriversFound, ride.Patch{})
		if err != nil || st != ride.StatusDriversFound {
			return st, true, err
		}
		c.notifyUser(r.UserID, realtime.EventDriversFound, map[string]any{
			"rideId":      r.ID,
			"drivers":     len(res.Notified),
			"totalPrice":  quote.TotalPrice,
			"distanceKm":  quote.DistanceKm,
			"durationMin": quote.TrafficDurationMin,
			"radiusKm":    radiusM / 1000,
		})
		return st, true, nil
	}
	st, err := c.transition(ctx, r.ID, ride.StatusNoActiveDrivers, ride.Patch{})
	if err != nil || st != ride.StatusNoActiveDrivers {
		return st, true, err
	}
	c.notifyUser(r.UserID, realtime.EventNoActiveDrivers, map[string]any{
		"rideId":   r.ID,
		"informed": len(res.Unreachable),
		"message":  "nearby drivers were informed and may accept shortly",
	})
	return st, true, nil
}

func (c *Controller) noDriverFound(ctx context.Context, rideID types.ID, radiusM float64) (ride.Status, error) {
	maxKm := radiusM / 1000
	st, err := c.transition(ctx, rideID, ride.StatusNoDriverFound, ride.Patch{MaxRadiusKm: &maxKm})
	if err != nil || st != ride.StatusNoDriverFound {
		return st, err
	}
	if r, err := c.rides.Get(ctx, rideID); err == nil {
		c.notifyUser(r.UserID, realtime.EventNoDriverFound, map[string]any{
			"rideId":      rideID,
			"maxRadiusKm": maxKm,
			"attempts":    c.cfg.MaxAttempts,
		})
	}
	return st, nil
}

func (c *Controller) fail(ctx context.Context, rideID types.ID, cause error) (ride.Status, error) {
	c.log.Error().Err(cause).Str("ride_id", rideID.String()).Msg("search failed")
	st, err := c.transition(ctx, rideID, ride.StatusError, ride.Patch{ErrorMessage: cause.Error()})
	if err != nil || st != ride.StatusError {
		return st, err
	}
	if r, err := c.rides.Get(ctx, rideID); err == nil {
		c.notifyUser(r.UserID, realtime.EventRideRequestError, map[string]any{
			"rideId":  rideID,
			"message": cause.Error(),
		})
	}
	return st, nil
}

// transition moves a searching ride to the given status. If an accept or a
// cancel landed first it leaves the ride alone and returns its status.
func (c *Controller) transition(ctx context.Context, rideID types.ID, to ride.Status, p ride.Patch) (ride.Status, error) {
	for i := 0; i < transitionRetries; i++ {
		r, err := c.rides.Get(ctx, rideID)
		if err != nil {
			return "", err
		}
		if r.Status == to {
			return to, nil
		}
		if !r.Status.Searching() || !ride.CanTransition(r.Status, to) {
			return r.Status, nil
		}
		ok, err := c.rides.UpdateStatus(ctx, rideID, r.Status, to, r.StatusVersion, p)
		if err != nil {
			return "", err
		}
		if ok {
			if err := c.rides.AppendEvent(ctx, &ride.Event{
				RideID:     rideID,
				FromStatus: r.Status,
				ToStatus:   to,
				ActorType:  ride.ActorSystem,
				CreatedAt:  c.now(),
			}); err != nil {
				c.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("append ride event failed")
			}
			return to, nil
		}
	}
	return "", ride.ErrConflict
}

// FindNext offers the ride to drivers who have not seen it yet, after a
// rejection. With auto-increase on, the radius grows by half up to the
// ride's maximum.
func (c *Controller) FindNext(ctx context.Context, rideID types.ID) error {
	r, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !r.Status.Searching() {
		return ErrInvalidState
	}

	exclude := append([]types.ID(nil), r.RejectedBy...)
	if c.notified != nil {
		ids, err := c.notified.DriverIDs(ctx, rideID)
		if err != nil {
			c.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("notified drivers lookup failed")
		}
		exclude = mergeIDs(exclude, ids)
	}

	radiusKm := r.CurrentSearchRadiusKm
	if radiusKm <= 0 {
		radiusKm = r.SearchRadiusKm
	}
	if r.AutoIncreaseRadius && radiusKm < r.MaxSearchRadiusKm {
		radiusKm = math.Min(radiusKm*rematchGrowth, r.MaxSearchRadiusKm)
		c.saveProgress(ctx, rideID, ride.SearchProgress{
			RetryCount:      r.RetryCount + 1,
			CurrentRadiusKm: radiusKm,
			LastRetryAt:     c.now(),
		})
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()
	candidates, err := c.finder.FindEligible(actx, driver.FindQuery{
		Pickup:      r.Pickup,
		VehicleType: driver.VehicleType(r.VehicleType),
		RadiusM:     radiusKm * 1000,
		Exclude:     exclude,
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		c.notifyUser(r.UserID, realtime.EventNoDriversAvailable, map[string]any{
			"rideId":   rideID,
			"radiusKm": radiusKm,
		})
		return nil
	}

	var quote pricing.Quote
	if r.EstimatedFare.Amount > 0 {
		quote = pricing.Quote{
			TotalPrice:         r.EstimatedFare.Major(),
			DistanceKm:         r.DistanceKm,
			TrafficDurationMin: r.DurationMin,
		}
	} else {
		quote, err = c.pricing.Estimate(actx, pricing.EstimateRequest{Pickup: r.Pickup, Drop: r.Drop, VehicleType: r.VehicleType})
		if err != nil {
			return err
		}
	}
	res, err := c.dispatcher.Dispatch(actx, offerFor(r, quote), candidates)
	if err != nil {
		return err
	}
	c.log.Info().
		Str("ride_id", rideID.String()).
		Float64("radius_km", radiusKm).
		Int("notified", len(res.Notified)).
		Int("unreachable", len(res.Unreachable)).
		Msg("ride offered to next drivers")
	return nil
}

func (c *Controller) saveProgress(ctx context.Context, rideID types.ID, p ride.SearchProgress) {
	if _, err := c.rides.UpdateSearchProgress(ctx, rideID, p); err != nil {
		c.log.Warn().Err(err).Str("ride_id", rideID.String()).Msg("save search progress failed")
	}
}

func (c *Controller) notifyUser(userID types.ID, event string, data any) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.Send(realtime.User(userID), event, data); err != nil && !errors.Is(err, realtime.ErrNoSession) {
		c.log.Warn().Err(err).Str("event", event).Str("user_id", userID.String()).Msg("requester notify failed")
	}
}

func offerFor(r *ride.Ride, q pricing.Quote) dispatch.Offer {
	return dispatch.Offer{
		RideID:      r.ID,
		UserID:      r.UserID,
		VehicleType: r.VehicleType,
		Pickup:      r.Pickup,
		Drop:        r.Drop,
		PickupDesc:  r.PickupDesc,
		DropDesc:    r.DropDesc,
		Fare:        q.TotalPrice,
		DistanceKm:  q.DistanceKm,
		DurationMin: q.TrafficDurationMin,
		CreatedAt:   r.CreatedAt,
	}
}

func mergeIDs(a, b []types.ID) []types.ID {
	seen := make(map[types.ID]bool, len(a)+len(b))
	out := make([]types.ID, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
