package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/lifecycle"
	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/registry"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
	"github.com/fxsml/tickbus/transport/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noop(topology.Delivery) error { return nil }

type events struct {
	mu   sync.Mutex
	list []event.Event
}

func (r *events) add(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, e)
}

func (r *events) of(kind event.Kind) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.list {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

type fixture struct {
	broker *memory.Broker
	reg    *registry.Registry
	events *events
	mgr    *lifecycle.Manager
}

func newFixture(t *testing.T, cfg lifecycle.Config) *fixture {
	t.Helper()
	f := &fixture{
		broker: memory.NewBroker(),
		reg:    registry.New(),
		events: &events{},
	}
	if cfg.Backoff == nil {
		cfg.Backoff = lifecycle.ConstantBackoff(time.Millisecond)
	}
	cfg.Logger = logging.Discard
	f.mgr = lifecycle.New(f.broker.Transport(), f.reg, f.events.add, cfg)
	t.Cleanup(f.mgr.Stop)
	return f
}

func (f *fixture) add(t *testing.T, sub topology.Subscription) registry.Entry {
	t.Helper()
	e, err := f.reg.Add(sub)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	f.mgr.Declare(e.Handle)
	return e
}

func (f *fixture) connected(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "connected", func() bool {
		return len(f.events.of(event.KindConnected)) >= n && f.mgr.State() == event.Connected
	})
}

func queues(ds []memory.Declaration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Queue
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManager_ReplayOnReconnect(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	for _, q := range []string{"a", "b", "c"} {
		f.add(t, topology.QueueSubscription(q, noop))
	}

	if err := f.mgr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.connected(t, 1)
	if got := queues(f.broker.Declarations(1)); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("first connection declared %v", got)
	}

	f.broker.Drop(nil)
	f.connected(t, 2)

	if got := queues(f.broker.Declarations(2)); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("expected exactly 3 declarations in registration order, got %v", got)
	}
	if len(f.mgr.Bindings()) != 3 {
		t.Errorf("expected 3 bindings, got %d", len(f.mgr.Bindings()))
	}
	disc := f.events.of(event.KindDisconnected)
	if len(disc) != 1 || !errors.Is(disc[0].Err, memory.ErrConnectionDropped) {
		t.Errorf("expected one disconnected event with cause, got %v", disc)
	}
}

func TestManager_ChangesWhileDisconnected(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.broker.FailConnects(1<<30, nil)
	f.mgr.Start()

	waitFor(t, "reconnecting", func() bool { return f.mgr.State() == event.Reconnecting })

	f.add(t, topology.QueueSubscription("a", noop))
	b := f.add(t, topology.QueueSubscription("b", noop))
	f.add(t, topology.QueueSubscription("c", noop))
	f.reg.Remove(b.Handle)
	f.mgr.Cancel(b.Handle)

	f.broker.FailConnects(0, nil)
	f.connected(t, 1)

	conn := f.broker.Connections()
	if got := queues(f.broker.Declarations(conn)); !equal(got, []string{"a", "c"}) {
		t.Errorf("expected replay of current registry, got %v", got)
	}
	if len(f.events.of(event.KindConnectFailed)) == 0 {
		t.Error("expected connect failures to be reported")
	}
}

func TestManager_DeclareAndCancelWhileConnected(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.Start()
	f.connected(t, 1)

	e := f.add(t, topology.ExchangeSubscription("events", topology.Topic, "sensor.*", noop))
	waitFor(t, "binding", func() bool { return len(f.mgr.Bindings()) == 1 })

	// A second request for the same handle is skipped.
	f.mgr.Declare(e.Handle)

	f.reg.Remove(e.Handle)
	f.mgr.Cancel(e.Handle)
	f.mgr.Cancel(e.Handle)
	waitFor(t, "unbind", func() bool { return len(f.mgr.Bindings()) == 0 })

	waitFor(t, "cancel logged", func() bool { return len(f.broker.Log()) == 2 })
	log := f.broker.Log()
	if log[0].Cancel || !log[1].Cancel || log[1].RoutingKey != "sensor.*" {
		t.Errorf("unexpected log %v", log)
	}
}

func TestManager_ReplayContinuesAfterFailure(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	denied := errors.New("access refused")
	f.broker.FailDeclares(func(d memory.Declaration) error {
		if d.Queue == "b" {
			return denied
		}
		return nil
	})
	f.add(t, topology.QueueSubscription("a", noop))
	b := f.add(t, topology.QueueSubscription("b", noop))
	f.add(t, topology.QueueSubscription("c", noop))

	f.mgr.Start()
	f.connected(t, 1)

	if got := queues(f.broker.Declarations(1)); !equal(got, []string{"a", "c"}) {
		t.Errorf("expected remaining declarations, got %v", got)
	}
	failed := f.events.of(event.KindSubscriptionFailed)
	if len(failed) != 1 || failed[0].Handle != b.Handle || failed[0].Queue != "b" || !errors.Is(failed[0].Err, denied) {
		t.Errorf("unexpected failure events %v", failed)
	}
	if f.mgr.State() != event.Connected {
		t.Error("declaration failure must not tear down the connection")
	}
}

func TestManager_RetriesExhausted(t *testing.T) {
	f := newFixture(t, lifecycle.Config{
		MaxRetries: 2,
		Backoff:    lifecycle.ExponentialBackoff(time.Millisecond, 2, 4*time.Millisecond, 0.2),
	})
	f.broker.FailConnects(100, nil)
	f.add(t, topology.QueueSubscription("a", noop))
	f.mgr.Start()

	waitFor(t, "give up", func() bool { return len(f.events.of(event.KindDisconnected)) == 1 })

	if f.mgr.State() != event.Disconnected {
		t.Errorf("expected disconnected, got %v", f.mgr.State())
	}
	if got := len(f.events.of(event.KindConnectFailed)); got != 3 {
		t.Errorf("expected 3 failed attempts, got %d", got)
	}
	if err := f.events.of(event.KindDisconnected)[0].Err; !errors.Is(err, lifecycle.ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}

	var prev time.Duration
	for _, e := range f.events.of(event.KindReconnecting) {
		if e.Delay < prev {
			t.Errorf("delay decreased: %v after %v", e.Delay, prev)
		}
		prev = e.Delay
	}
	if f.reg.Len() != 1 {
		t.Error("registry must survive giving up")
	}

	// The manager can be started again after giving up.
	f.broker.FailConnects(0, nil)
	if err := f.mgr.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.connected(t, 1)
}

func TestManager_PublishBufferedWhileDisconnected(t *testing.T) {
	f := newFixture(t, lifecycle.Config{PublishBuffer: 2})

	got := make(chan topology.Delivery, 8)
	listener := f.broker.Transport()
	listener.SetDeliveryHandler(func(d topology.Delivery) { got <- d })
	lc, err := listener.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer lc.Close()
	lc.DeclareQueueBinding(context.Background(), transport.QueueBinding{Queue: "jobs"})

	f.broker.FailConnects(1<<30, nil)
	f.mgr.Start()
	for _, body := range []string{"1", "2", "3"} {
		f.mgr.Publish(topology.Publishing{RoutingKey: "jobs", Body: []byte(body)})
	}
	if f.mgr.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", f.mgr.Pending())
	}
	dropped := f.events.of(event.KindPublishDropped)
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped publish, got %d", len(dropped))
	}

	f.broker.FailConnects(0, nil)
	for _, want := range []string{"2", "3"} {
		select {
		case d := <-got:
			if string(d.Body) != want {
				t.Errorf("expected %s, got %s", want, d.Body)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for flushed publish")
		}
	}

	f.mgr.Publish(topology.Publishing{RoutingKey: "jobs", Body: []byte("4")})
	select {
	case d := <-got:
		if string(d.Body) != "4" {
			t.Errorf("expected 4, got %s", d.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live publish")
	}
}

func TestManager_StopCancelsReconnect(t *testing.T) {
	f := newFixture(t, lifecycle.Config{Backoff: lifecycle.ConstantBackoff(time.Hour)})
	f.broker.FailConnects(1, nil)
	f.add(t, topology.QueueSubscription("a", noop))
	f.mgr.Start()

	waitFor(t, "reconnecting", func() bool { return len(f.events.of(event.KindReconnecting)) == 1 })

	stopped := make(chan struct{})
	go func() {
		f.mgr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not cancel the pending reconnect")
	}

	if f.mgr.State() != event.Disconnected {
		t.Errorf("expected disconnected, got %v", f.mgr.State())
	}
	if f.broker.Connections() != 0 {
		t.Errorf("expected no connection, got %d", f.broker.Connections())
	}
	if f.reg.Len() != 1 {
		t.Error("stop must leave the registry intact")
	}
}

func TestManager_StopClosesConnection(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.Start()
	f.connected(t, 1)

	if err := f.mgr.Start(); !errors.Is(err, lifecycle.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	f.mgr.Stop()
	if f.broker.Live() != 0 {
		t.Errorf("expected connection closed, got %d live", f.broker.Live())
	}
	var states []event.State
	for _, e := range f.events.of(event.KindStateChanged) {
		states = append(states, e.State)
	}
	want := []event.State{event.Connecting, event.Connected, event.Disconnected}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("expected states %v, got %v", want, states)
			break
		}
	}
}

var errFlap = errors.New("connection reset")

// flappingTransport hands out connections that report loss immediately.
type flappingTransport struct {
	transport.Transport
	connects atomic.Int64
}

func (t *flappingTransport) Connect(ctx context.Context, endpoint string) (transport.Conn, error) {
	c, err := t.Transport.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	t.connects.Add(1)
	return flappingConn{c}, nil
}

type flappingConn struct {
	transport.Conn
}

func (c flappingConn) NotifyClose() <-chan error {
	ch := make(chan error, 1)
	ch <- errFlap
	close(ch)
	return ch
}

func TestManager_BackoffAfterConnectionLoss(t *testing.T) {
	tr := &flappingTransport{Transport: memory.NewBroker().Transport()}
	evs := &events{}
	mgr := lifecycle.New(tr, registry.New(), evs.add, lifecycle.Config{
		Backoff: lifecycle.ExponentialBackoff(20*time.Millisecond, 2, 40*time.Millisecond, -1),
		Logger:  logging.Discard,
	})
	mgr.Start()
	time.Sleep(200 * time.Millisecond)
	mgr.Stop()

	// 20ms + 40ms + 40ms ... leaves room for at most a handful of connects.
	if n := tr.connects.Load(); n < 2 || n > 8 {
		t.Errorf("expected a few connects in 200ms, got %d", n)
	}
	reconnecting := evs.of(event.KindReconnecting)
	if len(reconnecting) == 0 {
		t.Fatal("expected reconnecting events after connection loss")
	}
	var prev time.Duration
	for i, e := range reconnecting {
		if e.Attempt != i+1 {
			t.Errorf("expected attempt %d, got %d", i+1, e.Attempt)
		}
		if e.Delay < prev {
			t.Errorf("delay decreased: %v after %v", e.Delay, prev)
		}
		if !errors.Is(e.Err, errFlap) {
			t.Errorf("expected loss cause, got %v", e.Err)
		}
		prev = e.Delay
	}
}

func TestManager_ConnectionLossExhaustsRetries(t *testing.T) {
	tr := &flappingTransport{Transport: memory.NewBroker().Transport()}
	evs := &events{}
	mgr := lifecycle.New(tr, registry.New(), evs.add, lifecycle.Config{
		Backoff:    lifecycle.ConstantBackoff(time.Millisecond),
		MaxRetries: 3,
		Logger:     logging.Discard,
	})
	t.Cleanup(mgr.Stop)
	mgr.Start()

	var cause error
	waitFor(t, "give up", func() bool {
		for _, e := range evs.of(event.KindDisconnected) {
			if errors.Is(e.Err, lifecycle.ErrRetriesExhausted) {
				cause = e.Err
				return true
			}
		}
		return false
	})

	if n := tr.connects.Load(); n != 4 {
		t.Errorf("expected 4 connects, got %d", n)
	}
	if !errors.Is(cause, errFlap) {
		t.Errorf("expected the loss as cause, got %v", cause)
	}
}

func TestManager_StableConnectionResetsBackoff(t *testing.T) {
	f := newFixture(t, lifecycle.Config{
		Backoff:     lifecycle.ExponentialBackoff(time.Millisecond, 2, time.Second, -1),
		StableAfter: time.Millisecond,
	})
	f.mgr.Start()
	f.connected(t, 1)

	for i := 2; i <= 3; i++ {
		time.Sleep(5 * time.Millisecond)
		f.broker.Drop(nil)
		f.connected(t, i)
	}

	for _, e := range f.events.of(event.KindReconnecting) {
		if e.Attempt != 1 || e.Delay != time.Millisecond {
			t.Errorf("expected first attempt after a stable connection, got attempt %d delay %v", e.Attempt, e.Delay)
		}
	}
}
