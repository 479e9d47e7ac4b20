// Package transport defines the broker contract the client consumes.
//
// Implementations live in subpackages: memory for tests and local use,
// rabbitmq for RabbitMQ, redis and nats for brokers that map the exchange and
// queue model onto their own subjects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/fxsml/tickbus/route"
	"github.com/fxsml/tickbus/topology"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrUnknownBinding is returned when cancelling a binding the
	// connection does not know.
	ErrUnknownBinding = errors.New("transport: unknown binding")

	// ErrUnsupported is returned for topology a transport cannot express.
	ErrUnsupported = errors.New("transport: unsupported")
)

// DeliveryFunc receives inbound messages. Transports call it from their own
// goroutines; it must not block.
type DeliveryFunc func(topology.Delivery)

// BindingID identifies a declared binding on one connection.
type BindingID string

// ExchangeBinding asks the broker to route messages from an exchange to
// this client.
type ExchangeBinding struct {
	Exchange   string
	Type       topology.ExchangeType
	RoutingKey string
	Arguments  map[string]any
}

func (b ExchangeBinding) String() string {
	return fmt.Sprintf("%s:%s/%s", b.Type, b.Exchange, b.RoutingKey)
}

// Key identifies identical bindings. Arguments are rendered in name order.
func (b ExchangeBinding) Key() string {
	if len(b.Arguments) == 0 {
		return b.String()
	}
	var sb strings.Builder
	sb.WriteString(b.String())
	for _, n := range slices.Sorted(maps.Keys(b.Arguments)) {
		fmt.Fprintf(&sb, ";%s=%v", n, b.Arguments[n])
	}
	return sb.String()
}

// QueueBinding asks the broker to deliver messages from a queue to this
// client.
type QueueBinding struct {
	Queue     string
	Transient bool
}

// Accepts reports whether b routes the exchange delivery d. Transports
// whose broker cannot evaluate AMQP bindings filter with it.
func (b ExchangeBinding) Accepts(d topology.Delivery) bool {
	return route.MatchSubscription(topology.Subscription{
		Kind:       topology.KindExchange,
		Exchange:   b.Exchange,
		Type:       b.Type,
		RoutingKey: b.RoutingKey,
		Arguments:  b.Arguments,
	}, d)
}

// DeliveryHandler holds the inbound callback of a transport. The zero value
// discards deliveries.
type DeliveryHandler struct {
	mu sync.RWMutex
	fn DeliveryFunc
}

// Set replaces the callback. A nil fn discards later deliveries.
func (h *DeliveryHandler) Set(fn DeliveryFunc) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Deliver passes d to the current callback, if any.
func (h *DeliveryHandler) Deliver(d topology.Delivery) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

// Transport opens broker connections.
type Transport interface {
	// SetDeliveryHandler installs the inbound callback. It is called once,
	// before the first Connect.
	SetDeliveryHandler(fn DeliveryFunc)

	// Connect opens a connection to endpoint.
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one open broker connection. Bindings do not survive the
// connection; they must be declared again on the next one.
type Conn interface {
	DeclareExchangeBinding(ctx context.Context, b ExchangeBinding) (BindingID, error)
	DeclareQueueBinding(ctx context.Context, b QueueBinding) (BindingID, error)
	CancelBinding(ctx context.Context, id BindingID) error
	Publish(ctx context.Context, p topology.Publishing) error

	// NotifyClose returns a channel that receives at most one error and is
	// then closed when the connection is lost. A clean Close closes the
	// channel without sending.
	NotifyClose() <-chan error

	Close() error
}

// BindingFor converts a subscription into the binding that serves it.
func BindingFor(sub topology.Subscription) (ExchangeBinding, QueueBinding) {
	if sub.Kind == topology.KindQueue {
		return ExchangeBinding{}, QueueBinding{Queue: sub.Queue, Transient: sub.Transient}
	}
	return ExchangeBinding{
		Exchange:   sub.Exchange,
		Type:       sub.Type,
		RoutingKey: sub.RoutingKey,
		Arguments:  sub.Arguments,
	}, QueueBinding{}
}

// Declare declares the binding that serves sub on c.
func Declare(ctx context.Context, c Conn, sub topology.Subscription) (BindingID, error) {
	eb, qb := BindingFor(sub)
	if sub.Kind == topology.KindQueue {
		return c.DeclareQueueBinding(ctx, qb)
	}
	return c.DeclareExchangeBinding(ctx, eb)
}
