// Package nats implements the transport contract on core NATS.
//
// Exchanges map to the subject {prefix}.x.{exchange}; the routing key and
// message properties travel in headers. A connection subscribes once per
// exchange and evaluates its AMQP bindings locally, so a message reaches a
// connection once per exchange.
//
// Queues map to the subject {prefix}.q.{queue} consumed through a queue
// group named after the queue, so consumers of one queue compete for
// messages. Transient queues use a plain subscription. Core NATS keeps no
// messages: a queue with no consumer drops what is published to it.
//
// NATS has no exchange declarations, so exchange types are not checked
// across clients.
package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/fxsml/tickbus/logging"
	"github.com/fxsml/tickbus/transport"
)

// Config configures the transport.
type Config struct {
	// Prefix is the first subject token. Default "tickbus".
	Prefix string

	// Name is reported to the server. Default "tickbus".
	Name string

	// ConnectTimeout applies when the connect context has no deadline.
	// Default 5s.
	ConnectTimeout time.Duration

	// Logger receives transport logs. Defaults to logging.Default().
	Logger logging.Logger
}

func (c Config) parse() Config {
	if c.Prefix == "" {
		c.Prefix = "tickbus"
	}
	if c.Name == "" {
		c.Name = "tickbus"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

func (c Config) exchangeSubject(exchange string) string {
	return c.Prefix + ".x." + exchange
}

func (c Config) queueSubject(queue string) string {
	return c.Prefix + ".q." + queue
}

// validName reports whether name can be embedded in a subject without
// adding wildcards or breaking the subject apart.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\r\n*>") &&
		!strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".") && !strings.Contains(name, "..")
}

// Transport connects to NATS. Endpoints are NATS URLs such as
// nats://localhost:4222, optionally comma separated.
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

// Connect implements transport.Transport. The client's own reconnect logic
// is disabled; the lifecycle manager reconnects and replays instead.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := t.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if timeout = time.Until(dl); timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	c := newConn(&t.handler, t.cfg)
	nc, err := natsgo.Connect(endpoint,
		natsgo.Name(t.cfg.Name),
		natsgo.Timeout(timeout),
		natsgo.NoReconnect(),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			c.shutdown(err)
		}),
		natsgo.ClosedHandler(func(_ *natsgo.Conn) {
			c.shutdown(nil)
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.cfg.Logger.Warn("nats: async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	c.nc = nc
	t.cfg.Logger.Debug("nats: connected", "url", nc.ConnectedUrlRedacted())
	return c, nil
}

var _ transport.Transport = (*Transport)(nil)
