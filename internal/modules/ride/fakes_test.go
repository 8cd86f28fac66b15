package ride

import (
	"context"
	"slices"
	"sync"
	"time"

	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/modules/temprides"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

type memRides struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events []Event
}

func newMemRides() *memRides {
	return &memRides{rides: make(map[types.ID]*Ride)}
}

func copyRide(r *Ride) *Ride {
	cp := *r
	cp.RejectedBy = slices.Clone(r.RejectedBy)
	return &cp
}

func (m *memRides) Create(ctx context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *memRides) Get(ctx context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRide(r), nil
}

func (m *memRides) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, p Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	now := time.Now()
	r.Status = to
	r.StatusVersion++
	if p.DriverID != nil {
		d := *p.DriverID
		r.DriverID = &d
	}
	if p.OTP != nil {
		r.OTP = *p.OTP
	}
	r.OTPVerified = r.OTPVerified || p.OTPVerified
	if p.Fare != nil {
		f := *p.Fare
		r.Fare = &f
	}
	if p.CancelledBy != "" {
		r.CancelledBy = p.CancelledBy
	}
	if p.CancelReason != "" {
		r.CancelReason = p.CancelReason
	}
	if p.ErrorMessage != "" {
		r.ErrorMessage = p.ErrorMessage
	}
	if p.MaxRadiusKm != nil {
		r.MaxSearchRadiusKm = *p.MaxRadiusKm
	}
	switch to {
	case StatusAccepted:
		r.AcceptedAt = &now
	case StatusInProgress:
		r.StartedAt = &now
	case StatusCompleted:
		r.CompletedAt = &now
	case StatusCancelled:
		r.CancelledAt = &now
	}
	return true, nil
}

func (m *memRides) UpdateSearchProgress(ctx context.Context, id types.ID, p SearchProgress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || !r.Status.Searching() {
		return false, nil
	}
	r.RetryCount = p.RetryCount
	r.CurrentSearchRadiusKm = p.CurrentRadiusKm
	t := p.LastRetryAt
	r.LastRetryAt = &t
	if p.EstimatedFare != nil {
		r.EstimatedFare = *p.EstimatedFare
	}
	return true, nil
}

func (m *memRides) AddRejectedDriver(ctx context.Context, id, driverID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || slices.Contains(r.RejectedBy, driverID) {
		return false, nil
	}
	r.RejectedBy = append(r.RejectedBy, driverID)
	return true, nil
}

func (m *memRides) MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != StatusCompleted || r.IsPaid {
		return false, nil
	}
	r.IsPaid = true
	r.PaidAt = &at
	return true, nil
}

func (m *memRides) SetRating(ctx context.Context, id types.ID, rating int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != StatusCompleted {
		return false, nil
	}
	r.Rating = &rating
	return true, nil
}

func (m *memRides) PaidFareSince(ctx context.Context, driverID types.ID, since time.Time) (types.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := types.Money{Currency: types.DefaultCurrency}
	for _, r := range m.rides {
		if !r.AssignedTo(driverID) || r.Status != StatusCompleted || !r.IsPaid || r.CompletedAt == nil || r.CompletedAt.Before(since) {
			continue
		}
		if r.Fare != nil {
			total.Amount += r.Fare.Amount
		} else {
			total.Amount += r.EstimatedFare.Amount
		}
	}
	return total, nil
}

func (m *memRides) ListOpen(ctx context.Context, q OpenQuery) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status.Searching() && slices.Contains(q.VehicleTypes, r.VehicleType) && !r.RejectedByDriver(q.ExcludeDriver) {
			out = append(out, copyRide(r))
		}
	}
	return out, nil
}

func (m *memRides) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

type memDrivers struct {
	mu         sync.Mutex
	drivers    map[types.ID]*driver.Driver
	rejections map[types.ID]int
}

func newMemDrivers(ds ...*driver.Driver) *memDrivers {
	m := &memDrivers{drivers: make(map[types.ID]*driver.Driver), rejections: make(map[types.ID]int)}
	for _, d := range ds {
		m.drivers[d.ID] = d
	}
	return m
}

func (m *memDrivers) Get(ctx context.Context, id types.ID) (*driver.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, driver.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDrivers) Occupy(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, driver.ErrNotFound
	}
	if d.OnRideID != nil && *d.OnRideID != rideID {
		return false, nil
	}
	id := rideID
	d.OnRideID = &id
	d.IsAvailable = false
	return true, nil
}

func (m *memDrivers) SetState(ctx context.Context, driverID types.ID, st driver.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return driver.ErrNotFound
	}
	d.IsAvailable, d.OnRideID = st.Flags()
	return nil
}

func (m *memDrivers) CompleteRide(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	if slices.Contains(d.CompletedRides, rideID) {
		return false, nil
	}
	d.CompletedRides = append(d.CompletedRides, rideID)
	d.TotalRides++
	return true, nil
}

func (m *memDrivers) RecordRejection(ctx context.Context, driverID, rideID types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[driverID]++
	return nil
}

func (m *memDrivers) ExpireSubscription(ctx context.Context, driverID types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	d.IsAvailable = false
	d.OnRideID = nil
	d.Recharge.ExpireAt = &at
	d.Recharge.EarningCap = types.Money{}
	d.Recharge.PeriodStart = nil
	return nil
}

type ledgerCall struct {
	DriverID types.ID
	Status   ledger.Status
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
}

func (f *fakeLedger) Transition(ctx context.Context, rideID, driverID types.ID, to ledger.Status, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ledgerCall{DriverID: driverID, Status: to})
	return true, nil
}

type fakeOffers struct {
	mu      sync.Mutex
	cancels []string
}

func (f *fakeOffers) CancelOffers(ctx context.Context, rideID, except types.ID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reason)
	return nil
}

type fakeMatcher struct {
	mu       sync.Mutex
	launched []types.ID
	stopped  []types.ID
	next     []types.ID
}

func (f *fakeMatcher) Launch(id types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, id)
}

func (f *fakeMatcher) Stop(id types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeMatcher) FindNext(ctx context.Context, id types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, id)
	return nil
}

type sent struct {
	To    realtime.Identity
	Event string
}

type fakeSessions struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSessions) Send(id realtime.Identity, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{To: id, Event: event})
	return nil
}

func (f *fakeSessions) events(to realtime.Identity) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.To == to {
			out = append(out, s.Event)
		}
	}
	return out
}

type fakeProjection struct {
	mu      sync.Mutex
	saved   []temprides.TempRide
	started []types.ID
	status  map[types.ID]temprides.Status
}

func (f *fakeProjection) Save(ctx context.Context, t temprides.TempRide) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, t)
	return nil
}

func (f *fakeProjection) MarkStarted(ctx context.Context, id types.ID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeProjection) SetStatus(ctx context.Context, id types.ID, st temprides.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[types.ID]temprides.Status)
	}
	f.status[id] = st
	return nil
}

type fakePusher struct {
	mu    sync.Mutex
	types []string
}

func (f *fakePusher) Push(ctx context.Context, token string, m notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, m.Type)
	return nil
}
