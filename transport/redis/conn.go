package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

type conn struct {
	cfg     Config
	log     logging.Logger
	handler *transport.DeliveryHandler
	client  *goredis.Client

	ctx    context.Context
	cancel context.CancelFunc

	filter *transport.ExchangeFilter
	queues *transport.Bindings[string]

	mu        sync.Mutex
	ps        *goredis.PubSub
	pollers   map[string]context.CancelFunc
	transient map[string]bool

	wg     sync.WaitGroup
	once   sync.Once
	closed chan error
}

func newConn(client *goredis.Client, h *transport.DeliveryHandler, cfg Config) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		cfg:       cfg,
		log:       cfg.Logger,
		handler:   h,
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		filter:    transport.NewExchangeFilter(),
		queues:    transport.NewBindings[string](),
		pollers:   make(map[string]context.CancelFunc),
		transient: make(map[string]bool),
		closed:    make(chan error, 1),
	}
	c.wg.Add(1)
	go c.health()
	return c
}

func (c *conn) DeclareExchangeBinding(ctx context.Context, b transport.ExchangeBinding) (transport.BindingID, error) {
	if !b.Type.Valid() || b.Exchange == "" {
		return "", fmt.Errorf("%w: exchange binding %s", transport.ErrUnsupported, b)
	}
	if err := c.declareType(ctx, b); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, first := c.filter.Add(b)
	if first {
		if err := c.psubscribe(ctx, c.cfg.exchangePattern(b.Exchange)); err != nil {
			c.filter.Undo(id)
			return "", fmt.Errorf("redis: subscribe %q: %w", b.Exchange, err)
		}
		c.log.Debug("redis: subscribed", "exchange", b.Exchange)
	}
	return "x" + id, nil
}

// declareType records the type of a new exchange or checks it against the
// recorded one.
func (c *conn) declareType(ctx context.Context, b transport.ExchangeBinding) error {
	set, err := c.client.HSetNX(ctx, c.cfg.typesKey(), b.Exchange, b.Type.String()).Result()
	if err != nil {
		return c.fail(err)
	}
	if set {
		return nil
	}
	existing, err := c.client.HGet(ctx, c.cfg.typesKey(), b.Exchange).Result()
	if err != nil {
		return c.fail(err)
	}
	if existing != b.Type.String() {
		return fmt.Errorf("%w: %q is %s, not %s", ErrExchangeType, b.Exchange, existing, b.Type)
	}
	return nil
}

// psubscribe adds pattern, starting the receive loop on first use. Callers
// hold c.mu.
func (c *conn) psubscribe(ctx context.Context, pattern string) error {
	if c.ps != nil {
		return c.ps.PSubscribe(ctx, pattern)
	}
	ps := c.client.PSubscribe(ctx)
	if err := ps.PSubscribe(ctx, pattern); err != nil {
		ps.Close()
		return err
	}
	c.ps = ps
	c.wg.Add(1)
	go c.receive(ps.Channel())
	return nil
}

func (c *conn) receive(messages <-chan *goredis.Message) {
	defer c.wg.Done()
	for msg := range messages {
		d, err := decode(msg.Payload, topology.KindExchange, "", time.Now())
		if err != nil {
			c.log.Warn("redis: dropping malformed message", "channel", msg.Channel, "error", err)
			continue
		}
		if c.filter.Accepts(d) {
			c.handler.Deliver(d)
		}
	}
}

func (c *conn) DeclareQueueBinding(ctx context.Context, b transport.QueueBinding) (transport.BindingID, error) {
	if b.Queue == "" {
		return "", fmt.Errorf("%w: empty queue name", transport.ErrUnsupported)
	}
	if err := c.ctx.Err(); err != nil {
		return "", transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, first := c.queues.Add(b.Queue)
	if first {
		pctx, stop := context.WithCancel(c.ctx)
		c.pollers[b.Queue] = stop
		c.transient[b.Queue] = b.Transient
		c.wg.Add(1)
		go c.poll(pctx, b.Queue)
		c.log.Debug("redis: consuming", "queue", b.Queue, "transient", b.Transient)
	}
	return "q" + id, nil
}

func (c *conn) poll(ctx context.Context, queue string) {
	defer c.wg.Done()
	key := c.cfg.queueKey(queue)
	for ctx.Err() == nil {
		res, err := c.client.BRPop(ctx, c.cfg.QueuePoll, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				c.shutdown(fmt.Errorf("redis: pop %q: %w", queue, err))
			}
			return
		}
		d, err := decode(res[1], topology.KindQueue, queue, time.Now())
		if err != nil {
			c.log.Warn("redis: dropping malformed message", "queue", queue, "error", err)
			continue
		}
		c.handler.Deliver(d)
	}
}

func (c *conn) CancelBinding(ctx context.Context, id transport.BindingID) error {
	if len(id) < 2 {
		return transport.ErrUnknownBinding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inner := id[1:]
	switch id[0] {
	case 'x':
		exchange, last, err := c.filter.Remove(inner)
		if err != nil || !last {
			return err
		}
		if err := c.ps.PUnsubscribe(ctx, c.cfg.exchangePattern(exchange)); err != nil {
			return c.fail(err)
		}
		return nil
	case 'q':
		queue, last, err := c.queues.Remove(inner)
		if err != nil || !last {
			return err
		}
		c.pollers[queue]()
		delete(c.pollers, queue)
		transient := c.transient[queue]
		delete(c.transient, queue)
		if transient {
			if err := c.client.Del(ctx, c.cfg.queueKey(queue)).Err(); err != nil {
				return c.fail(err)
			}
		}
		return nil
	}
	return transport.ErrUnknownBinding
}

func (c *conn) Publish(ctx context.Context, p topology.Publishing) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	payload, err := encode(p, time.Now())
	if err != nil {
		return fmt.Errorf("redis: encode: %w", err)
	}
	if p.Exchange == "" {
		err = c.client.LPush(ctx, c.cfg.queueKey(p.RoutingKey), payload).Err()
	} else {
		err = c.client.Publish(ctx, c.cfg.exchangeChannel(p.Exchange, p.RoutingKey), payload).Err()
	}
	return c.fail(err)
}

// fail maps errors of a closed connection to transport.ErrClosed.
func (c *conn) fail(err error) error {
	if err != nil && (c.ctx.Err() != nil || errors.Is(err, goredis.ErrClosed)) {
		return transport.ErrClosed
	}
	return err
}

// health pings the server and reports the connection lost on failure.
func (c *conn) health() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HealthInterval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.shutdown(fmt.Errorf("redis: health check: %w", err))
				return
			}
		}
	}
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// shutdown stops every goroutine of c and reports err. It does not wait, so
// those goroutines may call it.
func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		ps := c.ps
		c.mu.Unlock()
		if ps != nil {
			ps.Close()
		}
		c.client.Close()
		if err != nil {
			c.log.Warn("redis: connection lost", "error", err)
			c.closed <- err
		}
		close(c.closed)
	})
}

var _ transport.Conn = (*conn)(nil)
