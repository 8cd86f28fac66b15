package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

type sentEvent struct {
	to    realtime.Identity
	event string
	data  any
}

type fakeSessions struct {
	mu     sync.Mutex
	online map[types.ID]bool
	failOn map[types.ID]bool
	sent   []sentEvent
}

func newFakeSessions(online ...types.ID) *fakeSessions {
	f := &fakeSessions{online: map[types.ID]bool{}, failOn: map[types.ID]bool{}}
	for _, id := range online {
		f.online[id] = true
	}
	return f
}

func (f *fakeSessions) Send(id realtime.Identity, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[id.ID] {
		return errors.New("broken pipe")
	}
	if !f.online[id.ID] {
		return realtime.ErrNoSession
	}
	f.sent = append(f.sent, sentEvent{to: id, event: event, data: data})
	return nil
}

func (f *fakeSessions) events(id types.ID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.to.ID == id && e.event == event {
			n++
		}
	}
	return n
}

// memLedger mirrors the unique (ride, driver) upsert of the real store.
type memLedger struct {
	mu   sync.Mutex
	rows map[[2]types.ID]*ledger.Notification
}

func newMemLedger() *memLedger {
	return &memLedger{rows: map[[2]types.ID]*ledger.Notification{}}
}

func (l *memLedger) RecordSent(_ context.Context, rideID, driverID types.ID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := [2]types.ID{rideID, driverID}
	if n, ok := l.rows[k]; ok {
		if n.Status == ledger.StatusSent {
			n.NotifiedAt = at
		}
		return nil
	}
	l.rows[k] = &ledger.Notification{RideID: rideID, DriverID: driverID, Status: ledger.StatusSent, NotifiedAt: at}
	return nil
}

func (l *memLedger) ListByStatus(_ context.Context, rideID types.ID, status ledger.Status) ([]ledger.Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Notification
	for _, n := range l.rows {
		if n.RideID == rideID && n.Status == status {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (l *memLedger) Transition(_ context.Context, rideID, driverID types.ID, to ledger.Status, reason string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := [2]types.ID{rideID, driverID}
	n, ok := l.rows[k]
	if !ok {
		l.rows[k] = &ledger.Notification{RideID: rideID, DriverID: driverID, Status: to, CancellationReason: reason}
		return true, nil
	}
	if n.Status != ledger.StatusSent {
		return false, nil
	}
	n.Status = to
	n.CancellationReason = reason
	return true, nil
}

func (l *memLedger) count(rideID types.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.rows {
		if k[0] == rideID {
			n++
		}
	}
	return n
}

func (l *memLedger) status(rideID, driverID types.ID) ledger.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.rows[[2]types.ID{rideID, driverID}]; ok {
		return n.Status
	}
	return ""
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	drivers []types.ID
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, driverID types.ID, _ Offer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drivers = append(b.drivers, driverID)
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	tokens []string
}

func (p *fakePusher) Push(_ context.Context, token string, _ notify.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

func newTestMailbox(t *testing.T) (*Mailbox, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := config.MailboxConfig{TTL: 600 * time.Second, MaxLength: 10, Channel: "driver_notifications"}
	return NewMailbox(rdb, cfg, zerolog.Nop()), mr
}

func candidates(ids ...types.ID) []driver.Candidate {
	out := make([]driver.Candidate, len(ids))
	for i, id := range ids {
		out[i] = driver.Candidate{DriverID: id, DistanceM: float64(100 * (i + 1)), FCMToken: "tok-" + string(id)}
	}
	return out
}

func TestDispatchSplitsByLiveSession(t *testing.T) {
	mb, _ := newTestMailbox(t)
	sessions := newFakeSessions("d1", "d3")
	sessions.failOn["d4"] = true
	led := newMemLedger()
	bc := &fakeBroadcaster{}
	push := &fakePusher{}
	svc := NewService(sessions, led, mb, bc, push, 10*time.Minute, zerolog.Nop())

	res, err := svc.Dispatch(context.Background(), Offer{RideID: "r1", Fare: 150}, candidates("d1", "d2", "d3", "d4"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Notified) != 2 || res.Notified[0] != "d1" || res.Notified[1] != "d3" {
		t.Fatalf("unexpected notified %v", res.Notified)
	}
	if len(res.Unreachable) != 2 || res.Unreachable[0] != "d2" || res.Unreachable[1] != "d4" {
		t.Fatalf("unexpected unreachable %v", res.Unreachable)
	}
	if led.count("r1") != 2 {
		t.Fatalf("ledger rows are only for live deliveries, got %d", led.count("r1"))
	}
	for _, id := range []types.ID{"d2", "d4"} {
		offers, err := mb.Read(context.Background(), id)
		if err != nil || len(offers) != 1 {
			t.Fatalf("mailbox for %s: %v %v", id, offers, err)
		}
		if offers[0].DriverID != id || offers[0].ExpiresAt.IsZero() {
			t.Fatalf("mailbox offer not personalised: %+v", offers[0])
		}
	}
	if len(bc.drivers) != 2 || len(push.tokens) != 2 {
		t.Fatalf("expected broadcast and push for unreachable drivers, got %v %v", bc.drivers, push.tokens)
	}
}

func TestDispatchTwiceKeepsOneLedgerRow(t *testing.T) {
	mb, _ := newTestMailbox(t)
	led := newMemLedger()
	svc := NewService(newFakeSessions("d1"), led, mb, nil, nil, time.Minute, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := svc.Dispatch(context.Background(), Offer{RideID: "r1"}, candidates("d1")); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if led.count("r1") != 1 || led.status("r1", "d1") != ledger.StatusSent {
		t.Fatalf("expected one sent row, got %d", led.count("r1"))
	}
}

func TestCancelOffersSkipsAcceptingDriver(t *testing.T) {
	mb, _ := newTestMailbox(t)
	sessions := newFakeSessions("d1", "d2", "d3")
	led := newMemLedger()
	svc := NewService(sessions, led, mb, nil, nil, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, Offer{RideID: "r1"}, candidates("d1", "d2", "d3")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := led.Transition(ctx, "r1", "d3", ledger.StatusRejected, "", time.Now()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := led.Transition(ctx, "r1", "d1", ledger.StatusAccepted, "", time.Now()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.CancelOffers(ctx, "r1", "d1", "accepted_by_another_driver"); err != nil {
		t.Fatalf("cancel offers: %v", err)
	}

	if led.status("r1", "d2") != ledger.StatusCancelled {
		t.Fatalf("d2 should be cancelled, got %s", led.status("r1", "d2"))
	}
	if led.status("r1", "d1") != ledger.StatusAccepted || led.status("r1", "d3") != ledger.StatusRejected {
		t.Fatalf("terminal rows must not change")
	}
	if sessions.events("d2", realtime.EventRideCancelled) != 1 {
		t.Fatalf("d2 should be told the ride is gone")
	}
	if sessions.events("d1", realtime.EventRideCancelled) != 0 || sessions.events("d3", realtime.EventRideCancelled) != 0 {
		t.Fatalf("only drivers with live offers receive the withdrawal")
	}
}

func TestMailboxTrimAndExpiry(t *testing.T) {
	mb, mr := newTestMailbox(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := mb.Push(ctx, "d1", Offer{RideID: types.ID(string(rune('a' + i)))}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	offers, err := mb.Read(ctx, "d1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(offers) != 10 {
		t.Fatalf("expected 10 most recent entries, got %d", len(offers))
	}
	if offers[0].RideID != "l" {
		t.Fatalf("newest entry should come first, got %s", offers[0].RideID)
	}
	if ttl := mr.TTL(mailboxKey("d1")); ttl != 600*time.Second {
		t.Fatalf("unexpected mailbox ttl %v", ttl)
	}
	mr.FastForward(601 * time.Second)
	offers, err = mb.Read(ctx, "d1")
	if err != nil || len(offers) != 0 {
		t.Fatalf("expected expired mailbox to be empty, got %v %v", offers, err)
	}
}

func TestMailboxSkipsMalformedEntries(t *testing.T) {
	mb, mr := newTestMailbox(t)
	if _, err := mr.Lpush(mailboxKey("d1"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mb.Push(context.Background(), "d1", Offer{RideID: "r1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	offers, err := mb.Read(context.Background(), "d1")
	if err != nil || len(offers) != 1 || offers[0].RideID != "r1" {
		t.Fatalf("unexpected offers %v err=%v", offers, err)
	}
}

func TestRedisBroadcasterPublishesToDriverChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, "driver_notifications_d1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b := NewRedisBroadcaster(rdb, "driver_notifications")
	if err := b.Broadcast(ctx, "d1", Offer{RideID: "r1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got broadcastMessage
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DriverID != "d1" || got.Ride.RideID != "r1" || got.Type != "new_ride_request" {
		t.Fatalf("unexpected message %+v", got)
	}
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func TestAMQPBroadcaster(t *testing.T) {
	pub := &fakePublisher{}
	b := &AMQPBroadcaster{ch: pub, exchange: "driver_notifications"}
	o := Offer{RideID: "r1", ExpiresAt: time.Now().Add(10 * time.Minute)}
	if err := b.Broadcast(context.Background(), "d7", o); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if pub.exchange != "driver_notifications" || pub.key != "d7" {
		t.Fatalf("unexpected routing %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.ContentType != "application/json" || pub.msg.MessageId != "r1:d7" || pub.msg.Expiration == "" {
		t.Fatalf("unexpected publishing %+v", pub.msg)
	}
}
