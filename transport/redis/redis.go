// Package redis implements the transport contract on Redis.
//
// Exchanges map to pub/sub channels named {prefix}:x:{exchange}:{routing
// key}. A connection pattern-subscribes once per exchange and evaluates its
// AMQP bindings locally, so a message reaches a connection once per
// exchange. Exchange types are recorded in the hash {prefix}:exchanges; a
// binding that disagrees with the recorded type fails.
//
// Queues map to lists named {prefix}:q:{queue}. Publishing to the default
// exchange pushes to the list named by the routing key and consumers pop
// with BRPOP, so consumers of one queue compete for messages and messages
// wait in the list while nobody consumes.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/transport"
)

// ErrExchangeType is returned when an exchange is bound with a type other
// than the one recorded for it.
var ErrExchangeType = errors.New("redis: exchange type mismatch")

// Config configures the transport.
type Config struct {
	// Prefix namespaces every key and channel. Default "tickbus".
	Prefix string

	// HealthInterval is the ping cadence used to detect a lost server.
	// Default 5s.
	HealthInterval time.Duration

	// QueuePoll is the BRPOP block timeout. Default 1s.
	QueuePoll time.Duration

	// Logger receives transport logs. Defaults to logging.Default().
	Logger logging.Logger
}

func (c Config) parse() Config {
	if c.Prefix == "" {
		c.Prefix = "tickbus"
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.QueuePoll <= 0 {
		c.QueuePoll = time.Second
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

func (c Config) exchangeChannel(exchange, routingKey string) string {
	return c.Prefix + ":x:" + exchange + ":" + routingKey
}

func (c Config) exchangePattern(exchange string) string {
	return escapeGlob(c.Prefix+":x:"+exchange+":") + "*"
}

func (c Config) queueKey(queue string) string {
	return c.Prefix + ":q:" + queue
}

func (c Config) typesKey() string {
	return c.Prefix + ":exchanges"
}

// escapeGlob quotes the characters PSUBSCRIBE treats as pattern syntax.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Transport connects to Redis. Endpoints are Redis URLs such as
// redis://localhost:6379/0 or rediss://...
type Transport struct {
	cfg     Config
	handler transport.DeliveryHandler
}

// New returns a transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg.parse()}
}

// SetDeliveryHandler implements transport.Transport.
func (t *Transport) SetDeliveryHandler(fn transport.DeliveryFunc) {
	t.handler.Set(fn)
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Conn, error) {
	opts, err := goredis.ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	opts.ContextTimeoutEnabled = true

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	t.cfg.Logger.Debug("redis: connected", "addr", opts.Addr)
	return newConn(client, &t.handler, t.cfg), nil
}

var _ transport.Transport = (*Transport)(nil)
