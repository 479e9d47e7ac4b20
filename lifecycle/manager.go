// Package lifecycle owns the broker connection: it connects, reconnects with
// backoff, replays the registry on every new connection and runs all
// transport calls on one worker goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/queue"
	"github.com/fxsml/tickbus/registry"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

var (
	// ErrRetriesExhausted is carried by the Disconnected event emitted when
	// MaxRetries consecutive attempts failed.
	ErrRetriesExhausted = errors.New("lifecycle: reconnect retries exhausted")

	// ErrAlreadyStarted is returned by Start while the manager is running.
	ErrAlreadyStarted = errors.New("lifecycle: already started")
)

// Config configures connection management.
type Config struct {
	// Endpoint is passed to Transport.Connect.
	Endpoint string

	// Backoff produces the wait before each reconnect attempt. If nil, an
	// exponential backoff is built from the fields below.
	Backoff BackoffFunc
	// InitialDelay is the wait before the first retry. Default 500ms.
	InitialDelay time.Duration
	// Factor multiplies the delay after each failed attempt. Default 2.
	Factor float64
	// MaxDelay caps the delay. Default 30s.
	MaxDelay time.Duration
	// Jitter stretches each delay by a random fraction up to this value.
	// Default 0.2. Negative disables jitter.
	Jitter float64

	// MaxRetries limits consecutive failed attempts before giving up.
	// Zero or negative retries forever.
	MaxRetries int

	// StableAfter is how long a connection must stay up before its loss
	// restarts the backoff from the first attempt. A connection lost
	// sooner counts as a failed attempt. Default 10s.
	StableAfter time.Duration

	// OperationTimeout bounds every transport call. Default 5s.
	OperationTimeout time.Duration

	// PublishBuffer bounds publishes held while not connected. Default 256.
	PublishBuffer int

	// Logger receives operational debug output. Defaults to logging.Default().
	Logger logging.Logger
}

func (c Config) parse() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff(c.InitialDelay, c.Factor, c.MaxDelay, c.Jitter)
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.PublishBuffer <= 0 {
		c.PublishBuffer = 256
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

type opKind uint8

const (
	opDeclare opKind = iota + 1
	opCancel
	opPublish
)

type op struct {
	kind   opKind
	gen    uint64
	handle topology.Handle
	msg    topology.Publishing
}

// Manager drives the connection state machine. All methods are safe for
// concurrent use and none of them wait for the network, except Stop.
type Manager struct {
	cfg       Config
	transport transport.Transport
	reg       *registry.Registry
	emitter   *event.Emitter

	mu      sync.Mutex
	state   event.State
	gen     uint64
	conn    transport.Conn
	bound   map[topology.Handle]transport.BindingID
	ops     []op
	pending *queue.Ring[topology.Publishing]
	cancel  context.CancelFunc
	done    chan struct{}

	wake chan struct{}
}

// New returns a stopped manager. Events are passed to emit from the
// manager's goroutine and from Publish.
func New(t transport.Transport, reg *registry.Registry, emit event.Func, cfg Config) *Manager {
	cfg = cfg.parse()
	return &Manager{
		cfg:       cfg,
		transport: t,
		reg:       reg,
		emitter:   event.NewEmitter(emit),
		pending:   queue.NewRing[topology.Publishing](cfg.PublishBuffer),
		wake:      make(chan struct{}, 1),
	}
}

// Start begins connecting in the background. A failed first attempt is
// retried under the reconnect policy.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	prev := m.state
	m.state = event.Connecting
	done := m.done
	m.mu.Unlock()

	m.stateChanged(prev, event.Connecting)
	go m.run(ctx, done)
	return nil
}

// Stop cancels any reconnect attempt, closes the connection and waits for
// the background goroutine to exit. The registry is left untouched.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current connection state.
func (m *Manager) State() event.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bindings returns the handles bound on the current connection, sorted by
// their string form.
func (m *Manager) Bindings() []topology.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]topology.Handle, 0, len(m.bound))
	for h := range m.bound {
		hs = append(hs, h)
	}
	slices.SortFunc(hs, func(a, b topology.Handle) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
	return hs
}

// Pending returns the number of publishes waiting for a connection.
func (m *Manager) Pending() int {
	return m.pending.Len()
}

// Declare requests the binding for a registered handle. Without a
// connection the request is dropped; the next replay declares it.
func (m *Manager) Declare(h topology.Handle) {
	m.enqueue(op{kind: opDeclare, handle: h})
}

// Cancel requests removal of the binding for h. Without a connection the
// request is dropped; the next replay no longer sees the handle.
func (m *Manager) Cancel(h topology.Handle) {
	m.enqueue(op{kind: opCancel, handle: h})
}

// Publish sends p on the current connection, or buffers it until the next
// one. When the buffer is full the oldest buffered publish is dropped.
func (m *Manager) Publish(p topology.Publishing) {
	m.mu.Lock()
	if m.state == event.Connected {
		m.ops = append(m.ops, op{kind: opPublish, gen: m.gen, msg: p})
		m.mu.Unlock()
		m.signal()
		return
	}
	m.mu.Unlock()
	m.buffer(p)
}

func (m *Manager) enqueue(o op) {
	m.mu.Lock()
	if m.state != event.Connected {
		m.mu.Unlock()
		return
	}
	o.gen = m.gen
	m.ops = append(m.ops, o)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) buffer(p topology.Publishing) {
	evicted, dropped := m.pending.Enqueue(p)
	if dropped {
		m.emit(event.Event{
			Kind:       event.KindPublishDropped,
			Exchange:   evicted.Exchange,
			RoutingKey: evicted.RoutingKey,
			Reason:     "publish buffer overflow",
		})
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	var cause error
	defer func() { m.finish(done, cause) }()

	attempt := 0
	var last time.Duration
	// retry waits before the next attempt. It returns false when the
	// manager should stop.
	retry := func(err error) bool {
		attempt++
		if m.cfg.MaxRetries > 0 && attempt > m.cfg.MaxRetries {
			cause = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			return false
		}
		delay := max(m.cfg.Backoff(attempt), last)
		last = delay
		m.setState(event.Reconnecting)
		m.emit(event.Event{Kind: event.KindReconnecting, Attempt: attempt, Delay: delay, Err: err})
		return sleep(ctx, delay)
	}

	for {
		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.emit(event.Event{Kind: event.KindConnectFailed, Attempt: attempt + 1, Err: err})
			if !retry(err) {
				return
			}
			continue
		}

		up := time.Now()
		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		uptime := time.Since(up)
		m.cfg.Logger.Debug("connection lost", "endpoint", m.cfg.Endpoint, "uptime", uptime, "error", err)
		if uptime >= m.cfg.StableAfter {
			attempt, last = 0, 0
		}
		if !retry(err) {
			return
		}
	}
}

func (m *Manager) connect(ctx context.Context) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	return m.transport.Connect(ctx, m.cfg.Endpoint)
}

// serve runs one connection until it closes or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn transport.Conn) error {
	closed := conn.NotifyClose()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.bound = make(map[topology.Handle]transport.BindingID)
	prev := m.state
	m.state = event.Connected
	m.mu.Unlock()
	m.stateChanged(prev, event.Connected)

	entries := m.reg.Snapshot()
	for _, e := range entries {
		m.declare(ctx, conn, gen, e.Handle)
	}
	m.cfg.Logger.Debug("subscriptions replayed", "count", len(entries), "generation", gen)
	m.emit(event.Event{Kind: event.KindConnected})

	for _, p := range m.pending.DrainAll() {
		m.publish(ctx, conn, p)
	}

	for {
		m.process(ctx, conn, gen)
		select {
		case err, ok := <-closed:
			if !ok || err == nil {
				err = transport.ErrClosed
			}
			conn.Close()
			m.detach()
			m.setState(event.Reconnecting)
			m.emit(event.Event{Kind: event.KindDisconnected, Err: err})
			return err
		case <-ctx.Done():
			conn.Close()
			m.detach()
			return ctx.Err()
		case <-m.wake:
		}
	}
}

// detach forgets the connection. Queued publishes go back to the buffer,
// other queued operations are covered by the next replay.
func (m *Manager) detach() {
	m.mu.Lock()
	ops := m.ops
	m.ops = nil
	m.conn = nil
	m.bound = nil
	m.mu.Unlock()

	for _, o := range ops {
		if o.kind == opPublish {
			m.buffer(o.msg)
		}
	}
}

func (m *Manager) process(ctx context.Context, conn transport.Conn, gen uint64) {
	for ctx.Err() == nil {
		m.mu.Lock()
		if len(m.ops) == 0 {
			m.mu.Unlock()
			return
		}
		o := m.ops[0]
		m.ops[0] = op{}
		m.ops = m.ops[1:]
		m.mu.Unlock()

		if o.gen != gen {
			if o.kind == opPublish {
				m.buffer(o.msg)
			}
			continue
		}
		switch o.kind {
		case opDeclare:
			m.declare(ctx, conn, gen, o.handle)
		case opCancel:
			m.cancelBinding(ctx, conn, gen, o.handle)
		case opPublish:
			m.publish(ctx, conn, o.msg)
		}
	}
}

func (m *Manager) declare(ctx context.Context, conn transport.Conn, gen uint64, h topology.Handle) {
	m.mu.Lock()
	_, isBound := m.bound[h]
	current := gen == m.gen
	m.mu.Unlock()
	if !current || isBound {
		return
	}
	e, ok := m.reg.Lookup(h)
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	id, err := transport.Declare(opCtx, conn, e.Subscription)
	cancel()
	if err != nil {
		m.emit(subscriptionEvent(event.KindSubscriptionFailed, e, err))
		return
	}

	m.mu.Lock()
	if gen == m.gen {
		m.bound[h] = id
	}
	m.mu.Unlock()
	m.cfg.Logger.Debug("binding declared", "handle", h.String(), "binding", e.Subscription.String())
}

func (m *Manager) cancelBinding(ctx context.Context, conn transport.Conn, gen uint64, h topology.Handle) {
	m.mu.Lock()
	id, isBound := m.bound[h]
	if gen == m.gen {
		delete(m.bound, h)
	}
	m.mu.Unlock()
	if !isBound {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	err := conn.CancelBinding(opCtx, id)
	cancel()
	if err != nil {
		m.emit(event.Event{Kind: event.KindCancelFailed, Handle: h, Err: err})
		return
	}
	m.cfg.Logger.Debug("binding cancelled", "handle", h.String())
}

func (m *Manager) publish(ctx context.Context, conn transport.Conn, p topology.Publishing) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	err := conn.Publish(opCtx, p)
	cancel()
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		m.buffer(p)
		return
	}
	m.emit(event.Event{
		Kind:       event.KindPublishFailed,
		Exchange:   p.Exchange,
		RoutingKey: p.RoutingKey,
		Err:        err,
	})
}

// finish runs when the background goroutine exits. The manager can be
// started again as soon as the state is Disconnected.
func (m *Manager) finish(done chan struct{}, cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = event.Disconnected
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	m.stateChanged(prev, event.Disconnected)
	m.emit(event.Event{Kind: event.KindDisconnected, Err: cause})
	close(done)
}

func (m *Manager) setState(s event.State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.stateChanged(prev, s)
}

func (m *Manager) stateChanged(prev, next event.State) {
	if prev == next {
		return
	}
	m.emit(event.Event{Kind: event.KindStateChanged, Previous: prev, State: next})
}

func (m *Manager) emit(e event.Event) {
	if e.Kind != event.KindStateChanged {
		e.State = m.State()
	}
	m.emitter.Emit(e)
}

func subscriptionEvent(kind event.Kind, e registry.Entry, err error) event.Event {
	ev := event.Event{Kind: kind, Handle: e.Handle, Err: err, Reason: err.Error()}
	if e.Subscription.Kind == topology.KindQueue {
		ev.Queue = e.Subscription.Queue
	} else {
		ev.Exchange = e.Subscription.Exchange
		ev.RoutingKey = e.Subscription.RoutingKey
	}
	return ev
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
