package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
	"github.com/fxsml/tickbus/transport/redis"
)

type recorder struct {
	mu sync.Mutex
	ds []topology.Delivery
}

func (r *recorder) deliver(d topology.Delivery) {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ds)
}

func (r *recorder) get(i int) topology.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ds[i]
}

func newTransport() *redis.Transport {
	return redis.New(redis.Config{
		HealthInterval: 20 * time.Millisecond,
		QueuePoll:      20 * time.Millisecond,
		Logger:         logging.Discard,
	})
}

func connect(t *testing.T, mr *miniredis.Miniredis) (transport.Conn, *recorder) {
	t.Helper()
	tr := newTransport()
	rec := &recorder{}
	tr.SetDeliveryHandler(rec.deliver)
	c, err := tr.Connect(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestExchange_DeliveredOncePerConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c1, rec1 := connect(t, mr)
	c2, rec2 := connect(t, mr)
	for _, key := range []string{"sensor.*", "#"} {
		if _, err := c1.DeclareExchangeBinding(ctx, transport.ExchangeBinding{Exchange: "events", Type: topology.Topic, RoutingKey: key}); err != nil {
			t.Fatalf("declare %s: %v", key, err)
		}
	}
	if _, err := c2.DeclareExchangeBinding(ctx, transport.ExchangeBinding{Exchange: "events", Type: topology.Topic, RoutingKey: "alarm.*"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	waitFor(t, "pattern subscriptions", func() bool { return mr.PubSubNumPat() == 2 })

	err := c2.Publish(ctx, topology.Publishing{
		Exchange:   "events",
		RoutingKey: "sensor.temp",
		Headers:    map[string]any{"unit": "C"},
		MessageID:  "m1",
		Body:       []byte("21"),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "delivery", func() bool { return rec1.len() == 1 })
	time.Sleep(20 * time.Millisecond)
	if rec1.len() != 1 {
		t.Errorf("expected one delivery on c1, got %d", rec1.len())
	}
	if rec2.len() != 0 {
		t.Errorf("expected no delivery on c2, got %d", rec2.len())
	}

	d := rec1.get(0)
	if d.Kind != topology.KindExchange || d.Exchange != "events" || d.RoutingKey != "sensor.temp" {
		t.Errorf("unexpected delivery %+v", d)
	}
	if string(d.Body) != "21" || d.MessageID != "m1" || d.Headers["unit"] != "C" {
		t.Errorf("payload not preserved: %+v", d)
	}
}

func TestExchange_TypeMismatch(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, _ := connect(t, mr)

	if _, err := c.DeclareExchangeBinding(ctx, transport.ExchangeBinding{Exchange: "events", Type: topology.Topic, RoutingKey: "#"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	_, err := c.DeclareExchangeBinding(ctx, transport.ExchangeBinding{Exchange: "events", Type: topology.Fanout})
	if !errors.Is(err, redis.ErrExchangeType) {
		t.Errorf("expected ErrExchangeType, got %v", err)
	}
	if got := mr.HGet("tickbus:exchanges", "events"); got != "topic" {
		t.Errorf("expected recorded type topic, got %q", got)
	}
}

func TestExchange_Cancel(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, _ := connect(t, mr)

	b := transport.ExchangeBinding{Exchange: "events", Type: topology.Direct, RoutingKey: "a"}
	id1, _ := c.DeclareExchangeBinding(ctx, b)
	id2, _ := c.DeclareExchangeBinding(ctx, b)
	waitFor(t, "subscription", func() bool { return mr.PubSubNumPat() == 1 })

	if err := c.CancelBinding(ctx, id1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if mr.PubSubNumPat() != 1 {
		t.Fatal("pattern must stay while a binding remains")
	}
	if err := c.CancelBinding(ctx, id2); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "unsubscribe", func() bool { return mr.PubSubNumPat() == 0 })

	if err := c.CancelBinding(ctx, id2); !errors.Is(err, transport.ErrUnknownBinding) {
		t.Errorf("expected ErrUnknownBinding, got %v", err)
	}
}

func TestQueue_CompetingConsumers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c1, rec1 := connect(t, mr)
	c2, rec2 := connect(t, mr)
	for _, c := range []transport.Conn{c1, c2} {
		if _, err := c.DeclareQueueBinding(ctx, transport.QueueBinding{Queue: "jobs"}); err != nil {
			t.Fatalf("declare: %v", err)
		}
	}

	for range 6 {
		if err := c1.Publish(ctx, topology.Publishing{RoutingKey: "jobs", Body: []byte("job")}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, "deliveries", func() bool { return rec1.len()+rec2.len() == 6 })
	time.Sleep(50 * time.Millisecond)
	if n := rec1.len() + rec2.len(); n != 6 {
		t.Errorf("expected each job once, got %d deliveries", n)
	}
	rec := rec1
	if rec.len() == 0 {
		rec = rec2
	}
	d := rec.get(0)
	if d.Kind != topology.KindQueue || d.Queue != "jobs" || d.RoutingKey != "" {
		t.Errorf("unexpected queue delivery %+v", d)
	}
}

func TestQueue_TransientDeletedOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, _ := connect(t, mr)

	id, err := c.DeclareQueueBinding(ctx, transport.QueueBinding{Queue: "reply", Transient: true})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := c.CancelBinding(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := mr.Lpush("tickbus:q:reply", "stale"); err != nil {
		t.Fatal(err)
	}
	id, _ = c.DeclareQueueBinding(ctx, transport.QueueBinding{Queue: "reply", Transient: true})
	// The poller may pop the stale entry; only the key's removal matters.
	if err := c.CancelBinding(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if mr.Exists("tickbus:q:reply") {
		t.Error("expected transient queue to be deleted")
	}
}

func TestConnectionLost(t *testing.T) {
	mr := miniredis.RunT(t)
	c, _ := connect(t, mr)

	mr.Close()
	select {
	case err, ok := <-c.NotifyClose():
		if !ok || err == nil {
			t.Fatal("expected an error on connection loss")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection loss")
	}
	if err := c.Publish(context.Background(), topology.Publishing{Exchange: "e", RoutingKey: "k"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed after loss, got %v", err)
	}
}

func TestConnect_Refused(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := newTransport().Connect(ctx, "redis://"+addr); err == nil {
		t.Error("expected connect error")
	}
}

func TestClient_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)

	c := tickbus.New(newTransport(), tickbus.Config{
		Endpoint: "redis://" + mr.Addr(),
		Logger:   logging.Discard,
	})
	defer c.Close()

	var got []string
	c.SubscribeExchange("events", topology.Topic, "sensor.*", func(d tickbus.Delivery) error {
		got = append(got, d.RoutingKey+"="+string(d.Body))
		return nil
	})
	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == event.Connected && len(c.Bindings()) == 1 })
	waitFor(t, "subscription", func() bool { return mr.PubSubNumPat() == 1 })

	if err := c.Publish("events", "sensor.temp", []byte("21")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "dispatch", func() bool {
		c.Tick()
		return len(got) == 1
	})
	if got[0] != "sensor.temp=21" {
		t.Errorf("unexpected dispatch %q", got[0])
	}
}
