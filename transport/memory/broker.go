// Package memory implements the transport contract with an in-process
// broker that applies AMQP routing rules.
//
// Deliveries run synchronously on the publisher's goroutine. The broker
// records every declaration and can inject connect and declare failures or
// drop live connections, which makes it the test double for the client.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

var (
	// ErrConnectRefused is the default error for injected connect failures.
	ErrConnectRefused = errors.New("memory: connection refused")

	// ErrConnectionDropped is the default error for Drop.
	ErrConnectionDropped = errors.New("memory: connection dropped")

	// ErrExchangeType is returned when an exchange is declared with a type
	// other than the one it was first declared with.
	ErrExchangeType = errors.New("memory: exchange type mismatch")

	// ErrQueueLocked is returned when a transient queue is declared by a
	// connection that does not own it.
	ErrQueueLocked = errors.New("memory: queue is exclusive to another connection")
)

// Declaration is one recorded binding declaration or cancellation.
type Declaration struct {
	// Conn is the one-based sequence number of the connection.
	Conn int
	// Cancel is set for cancellations.
	Cancel bool

	Exchange   string
	Type       topology.ExchangeType
	RoutingKey string
	Queue      string
}

func (d Declaration) String() string {
	verb := "declare"
	if d.Cancel {
		verb = "cancel"
	}
	if d.Queue != "" {
		return fmt.Sprintf("%s#%d queue:%s", verb, d.Conn, d.Queue)
	}
	return fmt.Sprintf("%s#%d %s:%s/%s", verb, d.Conn, d.Type, d.Exchange, d.RoutingKey)
}

// Broker is an in-process message broker. Several transports, and through
// them several clients, may share one broker.
type Broker struct {
	mu        sync.Mutex
	seq       int
	exchanges map[string]topology.ExchangeType
	conns     map[*conn]struct{}
	owners    map[string]*conn // transient queue owners
	cursor    map[string]int   // round robin per queue
	log       []Declaration

	failConnects int
	connectErr   error
	failDeclare  func(Declaration) error
	now          func() time.Time
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]topology.ExchangeType),
		conns:     make(map[*conn]struct{}),
		owners:    make(map[string]*conn),
		cursor:    make(map[string]int),
		now:       time.Now,
	}
}

// Transport returns a transport that connects to b.
func (b *Broker) Transport() *Transport {
	return &Transport{broker: b}
}

// FailConnects makes the next n connection attempts fail with err, or with
// ErrConnectRefused when err is nil.
func (b *Broker) FailConnects(n int, err error) {
	if err == nil {
		err = ErrConnectRefused
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
	b.connectErr = err
}

// FailDeclares installs fn to decide the outcome of every declaration.
// A non-nil result fails the declaration. Passing nil removes the hook.
func (b *Broker) FailDeclares(fn func(Declaration) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDeclare = fn
}

// Drop closes every live connection with err, or ErrConnectionDropped when
// err is nil, as if the network failed.
func (b *Broker) Drop(err error) {
	if err == nil {
		err = ErrConnectionDropped
	}
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(err)
	}
}

// Connections returns how many connections were opened so far.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Live returns how many connections are open.
func (b *Broker) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Log returns every declaration and cancellation in order.
func (b *Broker) Log() []Declaration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Declaration(nil), b.log...)
}

// Declarations returns the declarations, not cancellations, made on the
// connection with sequence number connSeq.
func (b *Broker) Declarations(connSeq int) []Declaration {
	var out []Declaration
	for _, d := range b.Log() {
		if d.Conn == connSeq && !d.Cancel {
			out = append(out, d)
		}
	}
	return out
}

// ExchangeType returns the type an exchange was declared with.
func (b *Broker) ExchangeType(name string) (topology.ExchangeType, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.exchanges[name]
	return t, ok
}

// Publish routes p as if a remote client had published it.
func (b *Broker) Publish(p topology.Publishing) {
	b.route(p)
}

func (b *Broker) connect(t *Transport) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failConnects > 0 {
		b.failConnects--
		return nil, b.connectErr
	}
	b.seq++
	c := &conn{
		broker:    b,
		transport: t,
		seq:       b.seq,
		exchanges: transport.NewBindings[exchangeKey](),
		queues:    transport.NewBindings[string](),
		args:      make(map[exchangeKey]map[string]any),
		closed:    make(chan error, 1),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

func (b *Broker) declare(c *conn, d Declaration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conns[c]; !ok {
		return transport.ErrClosed
	}
	if !d.Cancel && b.failDeclare != nil {
		if err := b.failDeclare(d); err != nil {
			return err
		}
	}
	if !d.Cancel && d.Queue == "" {
		if existing, ok := b.exchanges[d.Exchange]; ok && existing != d.Type {
			return fmt.Errorf("%w: %q is %s", ErrExchangeType, d.Exchange, existing)
		}
		b.exchanges[d.Exchange] = d.Type
	}
	b.log = append(b.log, d)
	return nil
}

func (b *Broker) claim(c *conn, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.owners[queue]; ok && owner != c {
		return fmt.Errorf("%w: %q", ErrQueueLocked, queue)
	}
	b.owners[queue] = c
	return nil
}

func (b *Broker) remove(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for q, owner := range b.owners {
		if owner == c {
			delete(b.owners, q)
		}
	}
}

type target struct {
	h *transport.DeliveryHandler
	d topology.Delivery
}

func (b *Broker) route(p topology.Publishing) {
	b.mu.Lock()
	now := b.now()
	var targets []target

	if p.Exchange == "" {
		// Default exchange: the routing key names the queue and consumers
		// compete for each message.
		var consumers []*conn
		for c := range b.conns {
			if c.queues.Active(p.RoutingKey) {
				consumers = append(consumers, c)
			}
		}
		if len(consumers) > 0 {
			slices.SortFunc(consumers, func(a, b *conn) int { return a.seq - b.seq })
			i := b.cursor[p.RoutingKey] % len(consumers)
			b.cursor[p.RoutingKey] = i + 1
			c := consumers[i]
			targets = append(targets, target{h: &c.transport.handler, d: delivery(p, topology.KindQueue, now)})
		}
	} else {
		typ := b.exchanges[p.Exchange]
		for c := range b.conns {
			if c.matches(typ, p) {
				targets = append(targets, target{h: &c.transport.handler, d: delivery(p, topology.KindExchange, now)})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.h.Deliver(t.d)
	}
}

func delivery(p topology.Publishing, kind topology.Kind, now time.Time) topology.Delivery {
	d := topology.Delivery{
		Kind:          kind,
		Exchange:      p.Exchange,
		Headers:       maps.Clone(p.Headers),
		ContentType:   p.ContentType,
		MessageID:     p.MessageID,
		CorrelationID: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Body:          bytes.Clone(p.Body),
		ReceivedAt:    now,
	}
	if kind == topology.KindQueue {
		d.Queue = p.RoutingKey
	} else {
		d.RoutingKey = p.RoutingKey
	}
	return d
}

// Transport connects to a Broker.
type Transport struct {
	broker  *Broker
	handler transport.DeliveryHandler
}

// New returns a transport on a fresh broker.
func New() *Transport {
	return NewBroker().Transport()
}

// Broker returns the broker t connects to.
func (t *Transport) Broker() *Broker {
	return t.broker
}

// SetDeliveryHandler implements transport.Transport.
func (t *Transport) SetDeliveryHandler(fn transport.DeliveryFunc) {
	t.handler.Set(fn)
}

// Connect implements transport.Transport. The endpoint is ignored.
func (t *Transport) Connect(ctx context.Context, _ string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.broker.connect(t)
}

var _ transport.Transport = (*Transport)(nil)
