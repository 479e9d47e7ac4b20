package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

type conn struct {
	cfg     Config
	log     logging.Logger
	handler *transport.DeliveryHandler
	nc      *natsgo.Conn

	filter *transport.ExchangeFilter
	queues *transport.Bindings[string]

	mu        sync.Mutex
	exchanges map[string]*natsgo.Subscription
	consumers map[string]*natsgo.Subscription

	once   sync.Once
	closed chan error
}

func newConn(h *transport.DeliveryHandler, cfg Config) *conn {
	return &conn{
		cfg:       cfg,
		log:       cfg.Logger,
		handler:   h,
		filter:    transport.NewExchangeFilter(),
		queues:    transport.NewBindings[string](),
		exchanges: make(map[string]*natsgo.Subscription),
		consumers: make(map[string]*natsgo.Subscription),
		closed:    make(chan error, 1),
	}
}

func (c *conn) DeclareExchangeBinding(ctx context.Context, b transport.ExchangeBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !b.Type.Valid() || !validName(b.Exchange) {
		return "", fmt.Errorf("%w: exchange binding %s", transport.ErrUnsupported, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, first := c.filter.Add(b)
	if first {
		sub, err := c.nc.Subscribe(c.cfg.exchangeSubject(b.Exchange), c.onExchange)
		if err != nil {
			c.filter.Undo(id)
			return "", c.fail(fmt.Errorf("nats: subscribe %q: %w", b.Exchange, err))
		}
		c.exchanges[b.Exchange] = sub
		c.log.Debug("nats: subscribed", "subject", sub.Subject)
	}
	return "x" + id, nil
}

func (c *conn) onExchange(m *natsgo.Msg) {
	d, err := fromMsg(m, topology.KindExchange, "", time.Now())
	if err != nil {
		c.log.Warn("nats: dropping malformed message", "subject", m.Subject, "error", err)
		return
	}
	if c.filter.Accepts(d) {
		c.handler.Deliver(d)
	}
}

func (c *conn) DeclareQueueBinding(ctx context.Context, b transport.QueueBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validName(b.Queue) {
		return "", fmt.Errorf("%w: queue %q", transport.ErrUnsupported, b.Queue)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, first := c.queues.Add(b.Queue)
	if first {
		queue := b.Queue
		handler := func(m *natsgo.Msg) {
			d, err := fromMsg(m, topology.KindQueue, queue, time.Now())
			if err != nil {
				c.log.Warn("nats: dropping malformed message", "subject", m.Subject, "error", err)
				return
			}
			c.handler.Deliver(d)
		}

		var (
			sub *natsgo.Subscription
			err error
		)
		subject := c.cfg.queueSubject(queue)
		if b.Transient {
			sub, err = c.nc.Subscribe(subject, handler)
		} else {
			sub, err = c.nc.QueueSubscribe(subject, queue, handler)
		}
		if err != nil {
			c.queues.Undo(id)
			return "", c.fail(fmt.Errorf("nats: subscribe queue %q: %w", queue, err))
		}
		c.consumers[queue] = sub
		c.log.Debug("nats: consuming", "subject", subject, "transient", b.Transient)
	}
	return "q" + id, nil
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

	var sub *natsgo.Subscription
	inner := id[1:]
	switch id[0] {
	case 'x':
		exchange, last, err := c.filter.Remove(inner)
		if err != nil || !last {
			return err
		}
		sub = c.exchanges[exchange]
		delete(c.exchanges, exchange)
	case 'q':
		queue, last, err := c.queues.Remove(inner)
		if err != nil || !last {
			return err
		}
		sub = c.consumers[queue]
		delete(c.consumers, queue)
	default:
		return transport.ErrUnknownBinding
	}
	if err := sub.Unsubscribe(); err != nil {
		return c.fail(fmt.Errorf("nats: unsubscribe %q: %w", sub.Subject, err))
	}
	return nil
}

func (c *conn) Publish(ctx context.Context, p topology.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := c.cfg.exchangeSubject(p.Exchange)
	if p.Exchange == "" {
		subject = c.cfg.queueSubject(p.RoutingKey)
	}
	m, err := toMsg(subject, p)
	if err != nil {
		return err
	}
	return c.fail(c.nc.PublishMsg(m))
}

// fail maps errors of a closed connection to transport.ErrClosed.
func (c *conn) fail(err error) error {
	if err != nil && (errors.Is(err, natsgo.ErrConnectionClosed) || c.nc.IsClosed()) {
		return transport.ErrClosed
	}
	return err
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	c.nc.Close()
	c.shutdown(nil)
	return nil
}

// shutdown reports the end of the connection once. A nil err marks a
// clean close.
func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		if err != nil {
			c.log.Warn("nats: connection lost", "error", err)
			c.closed <- err
		}
		close(c.closed)
	})
}

var _ transport.Conn = (*conn)(nil)
