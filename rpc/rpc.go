// Package rpc implements request/reply over a client: requests carry a
// correlation id and a reply-to queue, and every call resolves exactly once
// with a reply, a timeout or a disconnect.
package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/topology"
)

var (
	// ErrTimeout resolves calls that saw no reply in time.
	ErrTimeout = errors.New("rpc: timeout")

	// ErrDisconnected resolves calls whose connection closed, or that were
	// made without a connection.
	ErrDisconnected = errors.New("rpc: disconnected")

	// ErrNoReplyTo is returned by Reply for requests without a reply queue.
	ErrNoReplyTo = errors.New("rpc: request has no reply-to")
)

// Result is the outcome of a call. Exactly one of Delivery and Err is set.
type Result struct {
	Delivery tickbus.Delivery
	Err      error
}

// Body returns the reply body, or nil on failure.
func (r Result) Body() []byte {
	if r.Err != nil {
		return nil
	}
	return r.Delivery.Body
}

// CallerConfig configures a Caller.
type CallerConfig struct {
	// Timeout applies to calls that do not set their own. Default 5s.
	Timeout time.Duration
	// ReplyQueue names the reply queue. Default "rpc.reply.<uuid>".
	ReplyQueue string
	// ContentType is set on requests when not empty.
	ContentType string
}

func (c CallerConfig) parse() CallerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ReplyQueue == "" {
		c.ReplyQueue = "rpc.reply." + uuid.NewString()
	}
	return c
}

type call struct {
	done  func(Result)
	timer *time.Timer
}

// Caller issues requests over one transient reply queue.
type Caller struct {
	client *tickbus.Client
	cfg    CallerConfig
	handle tickbus.Handle
	remove func()

	mu      sync.Mutex
	pending map[string]*call
}

// NewCaller subscribes the reply queue on client.
func NewCaller(client *tickbus.Client, cfg CallerConfig) (*Caller, error) {
	cfg = cfg.parse()
	c := &Caller{
		client:  client,
		cfg:     cfg,
		pending: make(map[string]*call),
	}

	sub := topology.QueueSubscription(cfg.ReplyQueue, c.onReply)
	sub.Transient = true
	h, err := client.Subscribe(sub)
	if err != nil {
		return nil, err
	}
	c.handle = h
	c.remove = client.Observe(c.onEvent)
	return c, nil
}

// ReplyQueue returns the name of the reply queue.
func (c *Caller) ReplyQueue() string {
	return c.cfg.ReplyQueue
}

// Call publishes body to exchange with routingKey and resolves done on
// the host thread with exactly one Result.
func (c *Caller) Call(exchange, routingKey string, body []byte, done func(Result)) {
	c.CallTimeout(exchange, routingKey, body, c.cfg.Timeout, done)
}

// CallTimeout is Call with an explicit timeout.
func (c *Caller) CallTimeout(exchange, routingKey string, body []byte, timeout time.Duration, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	if c.client.State() != event.Connected || !c.replyBound() {
		c.client.Post(func() { done(Result{Err: ErrDisconnected}) })
		return
	}

	id := uuid.NewString()
	cl := &call{done: done}
	c.mu.Lock()
	c.pending[id] = cl
	cl.timer = time.AfterFunc(timeout, func() { c.fail(id, ErrTimeout) })
	c.mu.Unlock()

	err := c.client.PublishMessage(tickbus.Publishing{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Body:          body,
		ContentType:   c.cfg.ContentType,
		MessageID:     uuid.NewString(),
		CorrelationID: id,
		ReplyTo:       c.cfg.ReplyQueue,
	})
	if err != nil {
		c.fail(id, err)
	}
}

// Pending returns the number of unresolved calls.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close resolves every pending call with ErrDisconnected and removes the
// reply queue subscription.
func (c *Caller) Close() {
	c.remove()
	c.failAll(ErrDisconnected)
	c.client.Unsubscribe(c.handle)
}

func (c *Caller) replyBound() bool {
	for _, h := range c.client.Bindings() {
		if h == c.handle {
			return true
		}
	}
	return false
}

// take removes and returns the pending call for id. Only the first caller
// for an id gets it, which is what makes every call resolve once.
func (c *Caller) take(id string) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	cl.timer.Stop()
	return cl
}

// onReply runs on the host thread.
func (c *Caller) onReply(d tickbus.Delivery) error {
	if cl := c.take(d.CorrelationID); cl != nil {
		cl.done(Result{Delivery: d})
	}
	return nil
}

// fail runs on any goroutine.
func (c *Caller) fail(id string, err error) {
	if cl := c.take(id); cl != nil {
		c.client.Post(func() { cl.done(Result{Err: err}) })
	}
}

func (c *Caller) failAll(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.fail(id, err)
	}
}

func (c *Caller) onEvent(e tickbus.Event) {
	if e.Kind == event.KindDisconnected {
		c.failAll(ErrDisconnected)
	}
}

// Reply publishes body as the response to request. The request's
// correlation id is copied to the response.
func Reply(client *tickbus.Client, request tickbus.Delivery, body []byte) error {
	if request.ReplyTo == "" {
		return ErrNoReplyTo
	}
	return client.PublishMessage(tickbus.Publishing{
		RoutingKey:    request.ReplyTo,
		CorrelationID: request.CorrelationID,
		ContentType:   request.ContentType,
		MessageID:     uuid.NewString(),
		Body:          body,
	})
}
