package tickbus_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/lifecycle"
	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/registry"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type events struct {
	mu   sync.Mutex
	list []tickbus.Event
}

func (r *events) add(e tickbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, e)
}

func (r *events) of(kind event.Kind) []tickbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tickbus.Event
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

func newClient(t *testing.T, cfg tickbus.Config) (*tickbus.Client, *memory.Broker, *events) {
	t.Helper()
	broker := memory.NewBroker()
	evs := &events{}
	cfg.Logger = logging.Discard
	cfg.Reconnect.Backoff = lifecycle.ConstantBackoff(time.Millisecond)
	c := tickbus.New(broker.Transport(), cfg)
	c.Observe(evs.add)
	t.Cleanup(func() { c.Close() })
	return c, broker, evs
}

func connect(t *testing.T, c *tickbus.Client, bindings int) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "bindings", func() bool {
		return c.State() == event.Connected && len(c.Bindings()) == bindings
	})
}

func TestClient_SensorScenario(t *testing.T) {
	c, broker, _ := newClient(t, tickbus.Config{})

	var calls []string
	_, err := c.SubscribeExchange("events", topology.Topic, "sensor.*", func(d tickbus.Delivery) error {
		calls = append(calls, string(d.Body))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	connect(t, c, 1)

	broker.Publish(topology.Publishing{Exchange: "events", RoutingKey: "sensor.temp", Body: []byte(`{"v":21}`)})
	if n := c.Tick(); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
	if len(calls) != 1 || calls[0] != `{"v":21}` {
		t.Fatalf("unexpected calls %v", calls)
	}

	broker.Publish(topology.Publishing{Exchange: "events", RoutingKey: "actuator.on", Body: []byte("1")})
	c.Tick()
	if len(calls) != 1 {
		t.Errorf("handler must not see actuator.on, got %v", calls)
	}
	if s := c.Stats(); s.Dropped != 0 {
		t.Errorf("no match must not count as overflow, got %d dropped", s.Dropped)
	}
}

func TestClient_ReplayAfterReconnect(t *testing.T) {
	c, broker, evs := newClient(t, tickbus.Config{})
	for _, q := range []string{"a", "b", "c"} {
		if _, err := c.SubscribeQueue(q, func(tickbus.Delivery) error { return nil }); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	connect(t, c, 3)

	c.Disconnect()
	if c.State() != event.Disconnected {
		t.Fatalf("expected disconnected, got %v", c.State())
	}
	if len(c.Subscriptions()) != 3 {
		t.Fatal("disconnect must keep subscriptions")
	}
	connect(t, c, 3)

	got := broker.Declarations(2)
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 declarations, got %v", got)
	}
	for i, q := range []string{"a", "b", "c"} {
		if got[i].Queue != q {
			t.Errorf("declaration %d: expected %s, got %s", i, q, got[i].Queue)
		}
	}

	broker.Drop(nil)
	waitFor(t, "third connection", func() bool {
		return broker.Connections() == 3 && len(c.Bindings()) == 3
	})
	if len(broker.Declarations(3)) != 3 {
		t.Errorf("expected 3 declarations after drop, got %v", broker.Declarations(3))
	}
	if len(evs.of(event.KindConnected)) != 3 {
		t.Errorf("expected 3 connected events, got %d", len(evs.of(event.KindConnected)))
	}
}

func TestClient_HandlerFaultIsolation(t *testing.T) {
	c, broker, evs := newClient(t, tickbus.Config{})

	var seen []string
	c.SubscribeQueue("jobs", func(d tickbus.Delivery) error {
		switch string(d.Body) {
		case "2":
			panic("boom")
		case "3":
			return errors.New("bad payload")
		}
		seen = append(seen, string(d.Body))
		return nil
	})
	connect(t, c, 1)

	for i := 1; i <= 4; i++ {
		broker.Publish(topology.Publishing{RoutingKey: "jobs", Body: []byte(fmt.Sprint(i))})
	}
	if n := c.Tick(); n != 4 {
		t.Fatalf("expected 4 dispatches, got %d", n)
	}
	if len(seen) != 2 || seen[0] != "1" || seen[1] != "4" {
		t.Errorf("expected deliveries 1 and 4 to be handled, got %v", seen)
	}

	faults := evs.of(event.KindHandlerFault)
	if len(faults) != 2 {
		t.Fatalf("expected 2 faults, got %d", len(faults))
	}
	var rec *tickbus.RecoveryError
	if !errors.As(faults[0].Err, &rec) || rec.PanicValue != "boom" {
		t.Errorf("expected recovered panic, got %v", faults[0].Err)
	}
	var herr *tickbus.HandlerError
	if !errors.As(faults[1].Err, &herr) || herr.Err.Error() != "bad payload" {
		t.Errorf("expected handler error, got %v", faults[1].Err)
	}
	if c.Stats().Faults != 2 {
		t.Errorf("expected 2 faults in stats, got %d", c.Stats().Faults)
	}
}

func TestClient_FIFOAcrossTicks(t *testing.T) {
	c, broker, _ := newClient(t, tickbus.Config{})
	var got []int
	c.SubscribeExchange("nums", topology.Fanout, "", func(d tickbus.Delivery) error {
		got = append(got, int(d.Body[0]))
		return nil
	})
	connect(t, c, 1)

	for i := 1; i <= 10; i++ {
		broker.Publish(topology.Publishing{Exchange: "nums", Body: []byte{byte(i)}})
		if i%3 == 0 {
			c.Tick()
		}
	}
	c.Tick()

	if len(got) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("expected %d at position %d, got %v", i+1, i, got)
		}
	}
}

func TestClient_QueueOverflow(t *testing.T) {
	c, broker, evs := newClient(t, tickbus.Config{QueueCapacity: 2})
	var got []string
	h, _ := c.SubscribeQueue("jobs", func(d tickbus.Delivery) error {
		got = append(got, string(d.Body))
		return nil
	})
	connect(t, c, 1)

	for _, b := range []string{"1", "2", "3", "4"} {
		broker.Publish(topology.Publishing{RoutingKey: "jobs", Body: []byte(b)})
	}
	if s := c.Stats(); s.Dropped != 2 || s.Queued != 2 || s.Enqueued != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
	dropped := evs.of(event.KindDeliveryDropped)
	if len(dropped) != 2 || dropped[0].Handle != h || dropped[0].Reason != "queue overflow" {
		t.Errorf("unexpected drop events %v", dropped)
	}

	c.Tick()
	if len(got) != 2 || got[0] != "3" || got[1] != "4" {
		t.Errorf("expected newest deliveries to survive, got %v", got)
	}
}

func TestClient_ConfigurationError(t *testing.T) {
	c, _, _ := newClient(t, tickbus.Config{})
	noop := func(tickbus.Delivery) error { return nil }

	c.SubscribeExchange("events", topology.Topic, "a.*", noop)
	_, err := c.SubscribeExchange("events", topology.Fanout, "", noop)
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(c.Subscriptions()) != 1 {
		t.Errorf("rejected subscription must not be registered")
	}
	if _, err := c.SubscribeQueue("", noop); !errors.Is(err, topology.ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
}

func TestClient_UnsubscribeDiscardsQueued(t *testing.T) {
	c, broker, _ := newClient(t, tickbus.Config{})
	calls := 0
	h, _ := c.SubscribeQueue("jobs", func(tickbus.Delivery) error {
		calls++
		return nil
	})
	connect(t, c, 1)

	broker.Publish(topology.Publishing{RoutingKey: "jobs", Body: []byte("x")})
	c.Unsubscribe(h)
	c.Unsubscribe(h)
	c.Tick()

	if calls != 0 {
		t.Errorf("expected no call after unsubscribe, got %d", calls)
	}
	waitFor(t, "binding cancelled", func() bool { return len(c.Bindings()) == 0 })
}

func TestClient_EventsAndPostOnTick(t *testing.T) {
	var (
		mu    sync.Mutex
		kinds []event.Kind
	)
	c, _, _ := newClient(t, tickbus.Config{
		OnEvent: func(e tickbus.Event) {
			mu.Lock()
			kinds = append(kinds, e.Kind)
			mu.Unlock()
		},
	})

	connect(t, c, 0)
	mu.Lock()
	if len(kinds) != 0 {
		t.Error("OnEvent must only run inside Tick")
	}
	mu.Unlock()

	posted := false
	c.Post(func() { posted = true })
	c.Post(func() { panic("posted") })
	c.Tick()

	if !posted {
		t.Error("expected posted function to run")
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, k := range kinds {
		if k == event.KindConnected {
			found = true
		}
	}
	if !found {
		t.Errorf("expected connected event, got %v", kinds)
	}
	if c.Stats().Faults != 1 {
		t.Errorf("expected panic in posted function to count as fault")
	}
}

func TestClient_PublishRoundTrip(t *testing.T) {
	c, _, _ := newClient(t, tickbus.Config{})
	var got string
	c.SubscribeExchange("chat", topology.Direct, "room1", func(d tickbus.Delivery) error {
		got = string(d.Body)
		return nil
	})

	// Published before the connection exists and flushed after replay.
	if err := c.Publish("chat", "room1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	connect(t, c, 1)
	waitFor(t, "delivery", func() bool { return c.Tick() == 1 })

	if got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestClient_Close(t *testing.T) {
	c, broker, _ := newClient(t, tickbus.Config{})
	calls := 0
	c.SubscribeQueue("jobs", func(tickbus.Delivery) error {
		calls++
		return nil
	})
	connect(t, c, 1)
	broker.Publish(topology.Publishing{RoutingKey: "jobs"})

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	broker.Publish(topology.Publishing{RoutingKey: "jobs"})
	if n := c.Tick(); n != 0 || calls != 0 {
		t.Errorf("expected no dispatch after close, got %d", n)
	}
	if broker.Live() != 0 {
		t.Error("expected connection closed")
	}
	if n := len(c.Subscriptions()); n != 0 || c.Stats().Subscriptions != 0 {
		t.Errorf("expected registry cleared on close, got %d subscriptions", n)
	}
	if _, err := c.SubscribeQueue("x", func(tickbus.Delivery) error { return nil }); !errors.Is(err, tickbus.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Connect(); !errors.Is(err, tickbus.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Publish("x", "y", nil); !errors.Is(err, tickbus.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClient_EventOverflowLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := tickbus.New(memory.NewBroker().Transport(), tickbus.Config{
		Logger:        logging.Zap(zap.New(core)),
		QueueCapacity: 1,
		OnEvent:       func(tickbus.Event) {},
		Reconnect:     tickbus.ReconnectConfig{Backoff: lifecycle.ConstantBackoff(time.Millisecond)},
	})
	t.Cleanup(func() { c.Close() })

	// Connecting alone emits several events while nothing drains the queue.
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return c.State() == event.Connected })
	waitFor(t, "overflow warning", func() bool {
		return logs.FilterMessage("event queue full, dropped oldest event").Len() > 0
	})

	entry := logs.FilterMessage("event queue full, dropped oldest event").All()[0]
	if entry.ContextMap()["dropped_kind"] == "" {
		t.Errorf("expected the dropped kind, got %v", entry.ContextMap())
	}
}

func TestDefault(t *testing.T) {
	t.Cleanup(func() { tickbus.SetDefault(nil) })
	if tickbus.Default() != nil {
		t.Fatal("expected no default client")
	}
	c, _, _ := newClient(t, tickbus.Config{})
	tickbus.SetDefault(c)
	if tickbus.Default() != c {
		t.Error("expected default client")
	}
}
