package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

type conn struct {
	cfg     Config
	log     logging.Logger
	handler *transport.DeliveryHandler

	ac *amqp.Connection
	// ch carries binds and consumers for the lifetime of the connection.
	ch *amqp.Channel

	exchanges *transport.Bindings[string]
	queues    *transport.Bindings[string]

	mu        sync.Mutex
	pub       *amqp.Channel
	specs     map[string]transport.ExchangeBinding
	inboxes   map[string]string
	consumers map[string]string

	wg     sync.WaitGroup
	closed chan error
}

func newConn(ac *amqp.Connection, h *transport.DeliveryHandler, cfg Config) (*conn, error) {
	ch, err := ac.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	c := &conn{
		cfg:       cfg,
		log:       cfg.Logger,
		handler:   h,
		ac:        ac,
		ch:        ch,
		exchanges: transport.NewBindings[string](),
		queues:    transport.NewBindings[string](),
		specs:     make(map[string]transport.ExchangeBinding),
		inboxes:   make(map[string]string),
		consumers: make(map[string]string),
		closed:    make(chan error, 1),
	}
	go c.watch(ac.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *conn) DeclareExchangeBinding(ctx context.Context, b transport.ExchangeBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !b.Type.Valid() || b.Exchange == "" {
		return "", fmt.Errorf("%w: exchange binding %s", transport.ErrUnsupported, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := b.Key()
	id, first := c.exchanges.Add(key)
	if first {
		if err := c.bindExchange(b); err != nil {
			c.exchanges.Undo(id)
			return "", err
		}
		c.specs[key] = b
	}
	return "x" + id, nil
}

func (c *conn) bindExchange(b transport.ExchangeBinding) error {
	err := c.scratch(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(b.Exchange, b.Type.String(), c.cfg.Durable, false, false, false, nil)
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %q: %w", b.Exchange, err)
	}
	inbox, err := c.inbox(b.Exchange)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(inbox, b.RoutingKey, b.Exchange, false, toTable(b.Arguments)); err != nil {
		return fmt.Errorf("rabbitmq: bind %s: %w", b, err)
	}
	c.log.Debug("rabbitmq: bound", "binding", b.String(), "queue", inbox)
	return nil
}

// inbox returns the queue receiving messages from exchange, creating and
// consuming it on first use. Callers hold c.mu.
func (c *conn) inbox(exchange string) (string, error) {
	if q, ok := c.inboxes[exchange]; ok {
		return q, nil
	}
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("rabbitmq: declare inbox for %q: %w", exchange, err)
	}
	deliveries, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("rabbitmq: consume inbox for %q: %w", exchange, err)
	}
	c.inboxes[exchange] = q.Name
	c.consume(deliveries, topology.KindExchange, "")
	return q.Name, nil
}

func (c *conn) DeclareQueueBinding(ctx context.Context, b transport.QueueBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.Queue == "" {
		return "", fmt.Errorf("%w: empty queue name", transport.ErrUnsupported)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, first := c.queues.Add(b.Queue)
	if first {
		if err := c.consumeQueue(b); err != nil {
			c.queues.Undo(id)
			return "", err
		}
	}
	return "q" + id, nil
}

func (c *conn) consumeQueue(b transport.QueueBinding) error {
	err := c.scratch(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(b.Queue, c.cfg.Durable && !b.Transient, b.Transient, b.Transient, false, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue %q: %w", b.Queue, err)
	}
	tag := "tickbus-" + uuid.NewString()
	deliveries, err := c.ch.Consume(b.Queue, tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume queue %q: %w", b.Queue, err)
	}
	c.consumers[b.Queue] = tag
	c.consume(deliveries, topology.KindQueue, b.Queue)
	c.log.Debug("rabbitmq: consuming", "queue", b.Queue, "transient", b.Transient)
	return nil
}

func (c *conn) CancelBinding(ctx context.Context, id transport.BindingID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(id) < 2 {
		return transport.ErrUnknownBinding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inner := id[1:]
	switch id[0] {
	case 'x':
		key, last, err := c.exchanges.Remove(inner)
		if err != nil || !last {
			return err
		}
		b := c.specs[key]
		delete(c.specs, key)
		if err := c.ch.QueueUnbind(c.inboxes[b.Exchange], b.RoutingKey, b.Exchange, toTable(b.Arguments)); err != nil {
			return fmt.Errorf("rabbitmq: unbind %s: %w", b, err)
		}
		return nil
	case 'q':
		queue, last, err := c.queues.Remove(inner)
		if err != nil || !last {
			return err
		}
		tag := c.consumers[queue]
		delete(c.consumers, queue)
		if err := c.ch.Cancel(tag, false); err != nil {
			return fmt.Errorf("rabbitmq: cancel consumer on %q: %w", queue, err)
		}
		return nil
	}
	return transport.ErrUnknownBinding
}

func (c *conn) Publish(ctx context.Context, p topology.Publishing) error {
	if c.ac.IsClosed() {
		return transport.ErrClosed
	}
	pub, err := c.publisher()
	if err != nil {
		return err
	}
	err = pub.PublishWithContext(ctx, p.Exchange, p.RoutingKey, false, false, toPublishing(p))
	if err != nil && c.ac.IsClosed() {
		return transport.ErrClosed
	}
	return err
}

// publisher returns the publishing channel. Publishing to a missing
// exchange makes the broker close the channel, so a closed one is
// replaced.
func (c *conn) publisher() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub != nil && !c.pub.IsClosed() {
		return c.pub, nil
	}
	ch, err := c.ac.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("rabbitmq: open publish channel: %w", err)
	}
	c.pub = ch
	return ch, nil
}

// scratch runs fn on a channel that is closed afterwards.
func (c *conn) scratch(fn func(ch *amqp.Channel) error) error {
	ch, err := c.ac.Channel()
	if err != nil {
		return err
	}
	err = fn(ch)
	if !ch.IsClosed() {
		ch.Close()
	}
	return err
}

func (c *conn) consume(deliveries <-chan amqp.Delivery, kind topology.Kind, queue string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range deliveries {
			c.handler.Deliver(fromAMQP(d, kind, queue, time.Now()))
		}
	}()
}

// watch reports the first failure of the connection or of the consumer
// channel. Losing the consumer channel loses every binding, so the
// connection is closed and reported as lost.
func (c *conn) watch(connClosed, chClosed <-chan *amqp.Error) {
	defer close(c.closed)
	defer c.wg.Wait()

	for {
		select {
		case err, ok := <-connClosed:
			if ok && err != nil {
				c.closed <- err
			}
			return
		case err, ok := <-chClosed:
			chClosed = nil
			if ok && err != nil {
				c.ac.Close()
				c.closed <- err
				return
			}
		}
	}
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	err := c.ac.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

var _ transport.Conn = (*conn)(nil)
