package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

type memRides struct {
	mu       sync.Mutex
	rides    map[types.ID]*ride.Ride
	progress []ride.SearchProgress
	events   []ride.Event
	// onGet runs after each Get, letting tests change the ride mid-search.
	onGet func(r *ride.Ride, gets int)
	gets  int
}

func (m *memRides) Get(_ context.Context, id types.ID) (*ride.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	m.gets++
	if m.onGet != nil {
		m.onGet(r, m.gets)
	}
	cp := *r
	cp.RejectedBy = slices.Clone(r.RejectedBy)
	return &cp, nil
}

func (m *memRides) UpdateStatus(_ context.Context, id types.ID, from, to ride.Status, version int, p ride.Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rides[id]
	if r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	r.Status = to
	r.StatusVersion++
	if p.ErrorMessage != "" {
		r.ErrorMessage = p.ErrorMessage
	}
	return true, nil
}

func (m *memRides) UpdateSearchProgress(_ context.Context, id types.ID, p ride.SearchProgress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rides[id]
	if !r.Status.Searching() {
		return false, nil
	}
	r.RetryCount = p.RetryCount
	r.CurrentSearchRadiusKm = p.CurrentRadiusKm
	if p.EstimatedFare != nil {
		r.EstimatedFare = *p.EstimatedFare
	}
	m.progress = append(m.progress, p)
	return true, nil
}

func (m *memRides) AppendEvent(_ context.Context, e *ride.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memRides) status(id types.ID) ride.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rides[id].Status
}

// geoFinder returns drivers whose distance lies inside the radius.
type geoFinder struct {
	mu      sync.Mutex
	drivers []driver.Candidate
	radii   []float64
	queries []driver.FindQuery
	err     error
}

func (f *geoFinder) FindEligible(_ context.Context, q driver.FindQuery) ([]driver.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radii = append(f.radii, q.RadiusM)
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []driver.Candidate
	for _, c := range f.drivers {
		if c.DistanceM <= q.RadiusM && !slices.Contains(q.Exclude, c.DriverID) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeEstimator struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (e *fakeEstimator) Estimate(_ context.Context, _ pricing.EstimateRequest) (pricing.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return pricing.Quote{}, err
		}
	}
	return pricing.Quote{TotalPrice: 180.5, DistanceKm: 14.2, TrafficDurationMin: 31}, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	online map[types.ID]bool
	calls  [][]types.ID
	offers []dispatch.Offer
}

func (d *fakeDispatcher) Dispatch(_ context.Context, o dispatch.Offer, cs []driver.Candidate) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res dispatch.Result
	var ids []types.ID
	for _, c := range cs {
		ids = append(ids, c.DriverID)
		if d.online[c.DriverID] {
			res.Notified = append(res.Notified, c.DriverID)
		} else {
			res.Unreachable = append(res.Unreachable, c.DriverID)
		}
	}
	d.calls = append(d.calls, ids)
	d.offers = append(d.offers, o)
	return res, nil
}

type fakeNotified struct {
	ids []types.ID
}

func (n *fakeNotified) DriverIDs(_ context.Context, _ types.ID) ([]types.ID, error) {
	return n.ids, nil
}

type fakeSessions struct {
	mu   sync.Mutex
	sent []string
	data []map[string]any
}

func (s *fakeSessions) Send(_ realtime.Identity, event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, event)
	m, _ := data.(map[string]any)
	s.data = append(s.data, m)
	return nil
}

func (s *fakeSessions) last() (string, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return "", nil
	}
	return s.sent[len(s.sent)-1], s.data[len(s.data)-1]
}

func (s *fakeSessions) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sent {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	c        *Controller
	rides    *memRides
	finder   *geoFinder
	pricing  *fakeEstimator
	dispatch *fakeDispatcher
	notified *fakeNotified
	sessions *fakeSessions
	delays   []time.Duration
}

func testConfig() config.SearchConfig {
	return config.SearchConfig{
		InitialRadiusM:   2500,
		RadiusIncrementM: 500,
		MaxAttempts:      5,
		AttemptTimeout:   8 * time.Second,
		RetryDelay:       10 * time.Second,
		MinActiveDrivers: 1,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rides: &memRides{rides: map[types.ID]*ride.Ride{
			"r1": {
				ID:                    "r1",
				UserID:                "u1",
				Status:                ride.StatusPending,
				VehicleType:           "SEDAN",
				Pickup:                types.Point{Lat: 28.6, Lng: 77.1},
				Drop:                  types.Point{Lat: 28.7, Lng: 77.2},
				SearchRadiusKm:        5,
				MaxSearchRadiusKm:     10,
				CurrentSearchRadiusKm: testConfig().InitialRadiusM / 1000,
			},
		}},
		finder:   &geoFinder{},
		pricing:  &fakeEstimator{},
		dispatch: &fakeDispatcher{online: map[types.ID]bool{}},
		notified: &fakeNotified{},
		sessions: &fakeSessions{},
	}
	h.c = NewController(h.rides, h.finder, h.pricing, h.dispatch, h.notified, h.sessions, testConfig(), zerolog.Nop())
	h.c.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	t.Cleanup(h.c.Close)
	return h
}

func TestRadiusExpandsUntilDriverFound(t *testing.T) {
	h := newHarness(t)
	h.finder.drivers = []driver.Candidate{{DriverID: "d1", DistanceM: 2800}}
	h.dispatch.online["d1"] = true

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusDriversFound || h.rides.status("r1") != ride.StatusDriversFound {
		t.Fatalf("expected drivers_found, got %s", st)
	}
	if !slices.Equal(h.finder.radii, []float64{2500, 3000}) {
		t.Fatalf("unexpected radii %v", h.finder.radii)
	}
	if len(h.delays) != 1 || h.delays[0] != 10*time.Second {
		t.Fatalf("expected one retry delay, got %v", h.delays)
	}
	if ev, data := h.sessions.last(); ev != realtime.EventDriversFound || data["drivers"] != 1 {
		t.Fatalf("requester not told drivers were found: %s %v", ev, data)
	}
	if h.rides.rides["r1"].EstimatedFare.Amount != 18050 {
		t.Fatalf("estimated fare not saved: %+v", h.rides.rides["r1"].EstimatedFare)
	}
}

func TestSearchExhaustsAttempts(t *testing.T) {
	h := newHarness(t)

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusNoDriverFound {
		t.Fatalf("expected no_driver_found, got %s", st)
	}
	if !slices.Equal(h.finder.radii, []float64{2500, 3000, 3500, 4000, 4500}) {
		t.Fatalf("unexpected radii %v", h.finder.radii)
	}
	if maxR := h.c.cfg.MaxRadiusM(); h.finder.radii[len(h.finder.radii)-1] != maxR {
		t.Fatalf("radius must stop at %v", maxR)
	}
	ev, data := h.sessions.last()
	if ev != realtime.EventNoDriverFound || data["maxRadiusKm"] != 4.5 {
		t.Fatalf("unexpected terminal event %s %v", ev, data)
	}
	if h.sessions.count(realtime.EventFindingDriver) != 4 {
		t.Fatalf("expected a progress event per expansion, got %d", h.sessions.count(realtime.EventFindingDriver))
	}
	if h.pricing.calls != 0 {
		t.Fatalf("pricing should not run without candidates")
	}
}

func TestRadiusIsMonotonic(t *testing.T) {
	h := newHarness(t)
	prev := h.rides.rides["r1"].CurrentSearchRadiusKm
	if _, err := h.c.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	bound := testConfig().MaxRadiusM() / 1000
	for _, p := range h.rides.progress {
		if p.CurrentRadiusKm < prev {
			t.Fatalf("radius shrank from %v to %v", prev, p.CurrentRadiusKm)
		}
		if p.CurrentRadiusKm > bound {
			t.Fatalf("radius %v above bound %v", p.CurrentRadiusKm, bound)
		}
		prev = p.CurrentRadiusKm
	}
}

func TestUnreachableDriversExpandThenSettleOnFallback(t *testing.T) {
	h := newHarness(t)
	h.finder.drivers = []driver.Candidate{{DriverID: "d1", DistanceM: 1000}}

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusNoActiveDrivers {
		t.Fatalf("expected no_active_drivers, got %s", st)
	}
	if len(h.dispatch.calls) != 5 {
		t.Fatalf("expected a dispatch per attempt, got %d", len(h.dispatch.calls))
	}
	if ev, _ := h.sessions.last(); ev != realtime.EventNoActiveDrivers {
		t.Fatalf("unexpected terminal event %s", ev)
	}
}

func TestRetryableErrorsConsumeAttempts(t *testing.T) {
	h := newHarness(t)
	h.finder.drivers = []driver.Candidate{{DriverID: "d1", DistanceM: 1000}}
	h.dispatch.online["d1"] = true
	h.pricing.errs = []error{fmt.Errorf("%w: quota", maps.ErrRouting), context.DeadlineExceeded}

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusDriversFound || h.pricing.calls != 3 {
		t.Fatalf("expected success on third attempt, got %s after %d calls", st, h.pricing.calls)
	}
}

func TestNonRetryableErrorMarksRideError(t *testing.T) {
	h := newHarness(t)
	h.finder.err = errors.New("relation drivers does not exist")

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusError || h.rides.rides["r1"].ErrorMessage == "" {
		t.Fatalf("expected error status with message, got %s", st)
	}
	if len(h.finder.radii) != 1 {
		t.Fatalf("non-retryable errors must not retry")
	}
	if ev, _ := h.sessions.last(); ev != realtime.EventRideRequestError {
		t.Fatalf("unexpected event %s", ev)
	}
}

func TestRetryBudgetExhaustionMarksError(t *testing.T) {
	h := newHarness(t)
	h.finder.err = fmt.Errorf("%w: no route", maps.ErrNoRoute)

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusError || len(h.finder.radii) != 5 {
		t.Fatalf("expected error after 5 attempts, got %s after %d", st, len(h.finder.radii))
	}
}

func TestSearchStopsWhenRideCancelled(t *testing.T) {
	h := newHarness(t)
	h.rides.onGet = func(r *ride.Ride, gets int) {
		if gets == 2 {
			r.Status = ride.StatusCancelled
		}
	}

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", st)
	}
	if len(h.finder.radii) != 1 {
		t.Fatalf("search must stop at the next iteration, ran %d attempts", len(h.finder.radii))
	}
}

func TestAcceptDuringFinalizeIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	h.finder.drivers = []driver.Candidate{{DriverID: "d1", DistanceM: 1000}}
	h.dispatch.online["d1"] = true
	h.rides.onGet = func(r *ride.Ride, gets int) {
		if gets == 2 {
			r.Status = ride.StatusAccepted
			r.StatusVersion++
		}
	}

	st, err := h.c.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != ride.StatusAccepted || h.rides.status("r1") != ride.StatusAccepted {
		t.Fatalf("accepted ride was overwritten: %s", h.rides.status("r1"))
	}
}

func TestLaunchAndStop(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.c.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
			return nil
		}
	}

	h.c.Launch("r1")
	h.c.Launch("r1")
	if !h.c.Running("r1") {
		t.Fatalf("search should be running")
	}
	h.c.Stop("r1")
	if h.c.Running("r1") {
		t.Fatalf("search should be stopped")
	}
	done := make(chan struct{})
	go func() {
		h.c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search goroutine did not exit after Stop")
	}
	if h.rides.status("r1") != ride.StatusPending {
		t.Fatalf("stopped search must not change the ride, got %s", h.rides.status("r1"))
	}
}

func TestFindNextExcludesNotifiedAndRejected(t *testing.T) {
	h := newHarness(t)
	r := h.rides.rides["r1"]
	r.Status = ride.StatusDriversFound
	r.CurrentSearchRadiusKm = 3
	r.AutoIncreaseRadius = true
	r.RejectedBy = []types.ID{"d1"}
	r.EstimatedFare = types.FromMajor(200)
	h.notified.ids = []types.ID{"d1", "d2"}
	h.finder.drivers = []driver.Candidate{
		{DriverID: "d1", DistanceM: 500},
		{DriverID: "d2", DistanceM: 900},
		{DriverID: "d3", DistanceM: 4000},
	}

	if err := h.c.FindNext(context.Background(), "r1"); err != nil {
		t.Fatalf("find next: %v", err)
	}
	if len(h.finder.radii) != 1 || h.finder.radii[0] != 4500 {
		t.Fatalf("expected radius grown by half to 4.5 km, got %v", h.finder.radii)
	}
	if len(h.dispatch.calls) != 1 || !slices.Equal(h.dispatch.calls[0], []types.ID{"d3"}) {
		t.Fatalf("unexpected dispatch %v", h.dispatch.calls)
	}
	if h.dispatch.offers[0].Fare != 200 || h.pricing.calls != 0 {
		t.Fatalf("stored estimate should be reused")
	}
}

func TestFindNextCapsRadiusAndReportsNoDrivers(t *testing.T) {
	h := newHarness(t)
	r := h.rides.rides["r1"]
	r.CurrentSearchRadiusKm = 8
	r.AutoIncreaseRadius = true

	if err := h.c.FindNext(context.Background(), "r1"); err != nil {
		t.Fatalf("find next: %v", err)
	}
	if h.finder.radii[0] != 10000 {
		t.Fatalf("radius must be capped at max, got %v", h.finder.radii[0])
	}
	if ev, _ := h.sessions.last(); ev != realtime.EventNoDriversAvailable {
		t.Fatalf("unexpected event %s", ev)
	}
}

func TestFindNextRefusesClosedRide(t *testing.T) {
	h := newHarness(t)
	h.rides.rides["r1"].Status = ride.StatusAccepted
	if err := h.c.FindNext(context.Background(), "r1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	var ne net.Error = timeoutErr{}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no route", maps.ErrNoRoute, true},
		{"wrapped routing", fmt.Errorf("directions: %w", maps.ErrRouting), true},
		{"pricing", fmt.Errorf("%w: rate", pricing.ErrPricing), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net error", ne, true},
		{"message", errors.New("ECONNRESET while reading"), true},
		{"validation", types.ErrInvalidPoint, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
