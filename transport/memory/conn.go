package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/fxsml/tickbus/route"
	"github.com/fxsml/tickbus/topology"
	"github.com/fxsml/tickbus/transport"
)

type exchangeKey struct {
	exchange string
	typ      topology.ExchangeType
	key      string
	args     string
}

func keyFor(b transport.ExchangeBinding) exchangeKey {
	k := exchangeKey{exchange: b.Exchange, typ: b.Type, key: b.RoutingKey}
	if len(b.Arguments) > 0 {
		names := slices.Sorted(maps.Keys(b.Arguments))
		for _, n := range names {
			k.args += fmt.Sprintf("%s=%v;", n, b.Arguments[n])
		}
	}
	return k
}

type conn struct {
	broker    *Broker
	transport *Transport
	seq       int

	exchanges *transport.Bindings[exchangeKey]
	queues    *transport.Bindings[string]

	mu     sync.Mutex
	args   map[exchangeKey]map[string]any
	closed chan error
	done   bool
}

func (c *conn) DeclareExchangeBinding(ctx context.Context, b transport.ExchangeBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !b.Type.Valid() {
		return "", fmt.Errorf("%w: exchange type %d", transport.ErrUnsupported, b.Type)
	}
	err := c.broker.declare(c, Declaration{
		Conn:       c.seq,
		Exchange:   b.Exchange,
		Type:       b.Type,
		RoutingKey: b.RoutingKey,
	})
	if err != nil {
		return "", err
	}

	k := keyFor(b)
	c.mu.Lock()
	c.args[k] = maps.Clone(b.Arguments)
	c.mu.Unlock()
	id, _ := c.exchanges.Add(k)
	return "x" + id, nil
}

func (c *conn) DeclareQueueBinding(ctx context.Context, b transport.QueueBinding) (transport.BindingID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.Transient {
		if err := c.broker.claim(c, b.Queue); err != nil {
			return "", err
		}
	}
	if err := c.broker.declare(c, Declaration{Conn: c.seq, Queue: b.Queue}); err != nil {
		return "", err
	}
	id, _ := c.queues.Add(b.Queue)
	return "q" + id, nil
}

func (c *conn) CancelBinding(ctx context.Context, id transport.BindingID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(id) < 2 {
		return transport.ErrUnknownBinding
	}
	inner := id[1:]
	d := Declaration{Conn: c.seq, Cancel: true}

	switch id[0] {
	case 'x':
		k, last, err := c.exchanges.Remove(inner)
		if err != nil {
			return err
		}
		if last {
			c.mu.Lock()
			delete(c.args, k)
			c.mu.Unlock()
		}
		d.Exchange, d.Type, d.RoutingKey = k.exchange, k.typ, k.key
	case 'q':
		q, _, err := c.queues.Remove(inner)
		if err != nil {
			return err
		}
		d.Queue = q
	default:
		return transport.ErrUnknownBinding
	}
	return c.broker.declare(c, d)
}

func (c *conn) Publish(ctx context.Context, p topology.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return transport.ErrClosed
	}
	c.broker.route(p)
	return nil
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *conn) shutdown(err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	c.broker.remove(c)
	if err != nil {
		c.closed <- err
	}
	close(c.closed)
}

// matches reports whether any exchange binding of c accepts p. A message is
// delivered to a connection once no matter how many of its bindings match.
func (c *conn) matches(typ topology.ExchangeType, p topology.Publishing) bool {
	for _, k := range c.exchanges.Keys() {
		if k.exchange != p.Exchange {
			continue
		}
		switch typ {
		case topology.Direct:
			if k.key == p.RoutingKey {
				return true
			}
		case topology.Fanout:
			return true
		case topology.Topic:
			if route.MatchTopic(k.key, p.RoutingKey) {
				return true
			}
		case topology.Headers:
			c.mu.Lock()
			args := c.args[k]
			c.mu.Unlock()
			if route.MatchHeaders(args, p.Headers) {
				return true
			}
		}
	}
	return false
}

var _ transport.Conn = (*conn)(nil)
