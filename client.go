package tickbus

import (
	"sync"
	"sync/atomic"

	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/lifecycle"
	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/queue"
	"github.com/fxsml/tickbus/registry"
	"github.com/fxsml/tickbus/route"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

type (
	// Event is a diagnostic event.
	Event = event.Event
	// State is the connection state.
	State = event.State
	// Handle identifies a subscription.
	Handle = topology.Handle
	// Delivery is a received message.
	Delivery = topology.Delivery
	// Handler receives deliveries on the host thread.
	Handler = topology.Handler
	// Publishing is an outbound message.
	Publishing = topology.Publishing
	// Subscription describes a subscription.
	Subscription = topology.Subscription
)

// Client bridges a broker transport and a host update loop.
//
// Subscribe, Unsubscribe, Publish, Post and Tick are meant to be called
// from the host thread. Deliveries, events and posted functions are queued
// from any goroutine and run only inside Tick.
type Client struct {
	cfg       Config
	transport transport.Transport
	reg       *registry.Registry
	router    *route.Router
	mgr       *lifecycle.Manager

	deliveries *queue.Ring[dispatch]
	events     *queue.Ring[Event]

	mu        sync.Mutex
	tasks     []func()
	observers map[int]event.Func
	nextObs   int
	logEvent  event.Func

	closed     atomic.Bool
	dispatched atomic.Uint64
	faults     atomic.Uint64
}

type dispatch struct {
	handle   Handle
	handler  Handler
	delivery Delivery
}

// New returns a client on t. It installs the delivery callback on t; it
// does not connect.
func New(t transport.Transport, cfg Config) *Client {
	cfg = cfg.parse()
	c := &Client{
		cfg:        cfg,
		transport:  t,
		reg:        registry.New(),
		deliveries: queue.NewRing[dispatch](cfg.QueueCapacity),
		events:     queue.NewRing[Event](cfg.QueueCapacity),
		observers:  make(map[int]event.Func),
		logEvent:   logging.Events(cfg.Logger, cfg.EventLog),
	}
	c.router = route.NewRouter(c.reg)
	c.mgr = lifecycle.New(t, c.reg, c.emit, cfg.lifecycle())
	t.SetDeliveryHandler(c.onDelivery)
	return c
}

// Connect starts connecting in the background. Progress is reported
// through events.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.mgr.Start()
}

// Disconnect cancels reconnect attempts and closes the connection.
// Subscriptions stay registered and are replayed by the next Connect.
func (c *Client) Disconnect() {
	c.mgr.Stop()
}

// Close disconnects, detaches from the transport, removes every
// subscription and discards everything queued. Later deliveries are ignored and Tick does nothing.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mgr.Stop()
	c.transport.SetDeliveryHandler(nil)
	if removed := c.reg.Clear(); len(removed) > 0 {
		c.cfg.Logger.Debug("subscriptions cleared", "count", len(removed))
	}

	c.deliveries.DrainAll()
	c.events.DrainAll()
	c.mu.Lock()
	c.tasks = nil
	c.observers = make(map[int]event.Func)
	c.mu.Unlock()
	return nil
}

// Subscribe registers sub and, when connected, declares its binding in the
// background. A conflicting exchange type is rejected here with a
// *registry.ConfigurationError.
func (c *Client) Subscribe(sub Subscription) (Handle, error) {
	if c.closed.Load() {
		return Handle{}, ErrClosed
	}
	e, err := c.reg.Add(sub)
	if err != nil {
		return Handle{}, err
	}
	c.mgr.Declare(e.Handle)
	return e.Handle, nil
}

// SubscribeExchange subscribes h to an exchange with a routing key.
func (c *Client) SubscribeExchange(name string, typ topology.ExchangeType, routingKey string, h Handler) (Handle, error) {
	return c.Subscribe(topology.ExchangeSubscription(name, typ, routingKey, h))
}

// SubscribeQueue subscribes h to a named queue.
func (c *Client) SubscribeQueue(name string, h Handler) (Handle, error) {
	return c.Subscribe(topology.QueueSubscription(name, h))
}

// Unsubscribe removes the subscription for h. Unknown handles are ignored.
// Deliveries already queued for h are discarded.
func (c *Client) Unsubscribe(h Handle) {
	if _, ok := c.reg.Remove(h); ok {
		c.mgr.Cancel(h)
	}
}

// Publish sends body to exchange with routingKey. It never blocks on the
// network; failures are reported as events.
func (c *Client) Publish(exchange, routingKey string, body []byte) error {
	return c.PublishMessage(Publishing{Exchange: exchange, RoutingKey: routingKey, Body: body})
}

// PublishMessage sends p. Without a connection p is buffered until the
// next one.
func (c *Client) PublishMessage(p Publishing) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mgr.Publish(p)
	return nil
}

// Post schedules fn to run on the host thread during the next Tick.
func (c *Client) Post(fn func()) {
	if fn == nil || c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.tasks = append(c.tasks, fn)
	c.mu.Unlock()
}

// Observe adds fn to the observers that receive every event synchronously
// on the goroutine that produced it. fn must be safe for concurrent use and
// must not block. The returned function removes the observer.
func (c *Client) Observe(fn func(Event)) (remove func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// State returns the connection state.
func (c *Client) State() State {
	return c.mgr.State()
}

// Subscriptions returns the registered subscriptions in registration order.
func (c *Client) Subscriptions() []registry.Entry {
	return c.reg.Snapshot()
}

// Bindings returns the handles declared on the current connection.
func (c *Client) Bindings() []Handle {
	return c.mgr.Bindings()
}

// Stats is a point-in-time view of client counters.
type Stats struct {
	State         State
	Subscriptions int
	// Queued deliveries are waiting for Tick.
	Queued int
	// Enqueued counts every delivery handed to the queue.
	Enqueued   uint64
	Dispatched uint64
	// Dropped counts deliveries evicted by queue overflow.
	Dropped uint64
	// Unmatched counts deliveries no subscription wanted.
	Unmatched uint64
	Faults    uint64
	// PendingPublishes wait for a connection.
	PendingPublishes int
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:            c.mgr.State(),
		Subscriptions:    c.reg.Len(),
		Queued:           c.deliveries.Len(),
		Enqueued:         c.deliveries.Enqueued(),
		Dispatched:       c.dispatched.Load(),
		Dropped:          c.deliveries.Dropped(),
		Unmatched:        c.router.Unmatched(),
		Faults:           c.faults.Load(),
		PendingPublishes: c.mgr.Pending(),
	}
}

// onDelivery runs on transport goroutines.
func (c *Client) onDelivery(d Delivery) {
	if c.closed.Load() {
		return
	}
	for _, m := range c.router.Route(d) {
		evicted, dropped := c.deliveries.Enqueue(dispatch{
			handle:   m.Entry.Handle,
			handler:  m.Entry.Subscription.Handler,
			delivery: m.Delivery,
		})
		if dropped {
			c.emit(Event{
				Kind:       event.KindDeliveryDropped,
				Handle:     evicted.handle,
				Exchange:   evicted.delivery.Exchange,
				Queue:      evicted.delivery.Queue,
				RoutingKey: evicted.delivery.RoutingKey,
				Reason:     "queue overflow",
			})
		}
	}
}

// emit runs on any goroutine.
func (c *Client) emit(e Event) {
	if c.closed.Load() && e.Kind != event.KindStateChanged && e.Kind != event.KindDisconnected {
		return
	}
	if c.logEvent != nil {
		c.logEvent(e)
	}

	c.mu.Lock()
	observers := make([]event.Func, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(e)
	}

	if c.cfg.OnEvent != nil && !c.closed.Load() {
		if evicted, dropped := c.events.Enqueue(e); dropped {
			c.cfg.Logger.Warn("event queue full, dropped oldest event",
				"dropped_kind", evicted.Kind.String(), "kind", e.Kind.String())
		}
	}
}
