package topology

import (
	"fmt"
	"maps"
)

// Kind tells exchange subscriptions from queue subscriptions.
type Kind uint8

const (
	// KindExchange marks a binding to an exchange with a routing key.
	KindExchange Kind = iota + 1
	// KindQueue marks a consumer on a named queue.
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindExchange:
		return "exchange"
	case KindQueue:
		return "queue"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Handler receives a matched delivery on the host thread.
// A returned error or a panic is reported as a handler fault and does not
// affect other deliveries.
type Handler func(d Delivery) error

// Subscription describes what a host wants to receive and who handles it.
// Build values with [ExchangeSubscription] or [QueueSubscription].
type Subscription struct {
	Kind Kind

	// Exchange, Type, RoutingKey and Arguments apply to KindExchange.
	Exchange   string
	Type       ExchangeType
	RoutingKey string
	// Arguments are binding arguments. Headers exchanges match on them,
	// with "x-match" set to "all" (default) or "any".
	Arguments map[string]any

	// Queue and Transient apply to KindQueue. Transient queues are exclusive
	// to the connection and deleted by the broker when it closes.
	Queue     string
	Transient bool

	Handler Handler
}

// ExchangeSubscription subscribes h to exchange name of type typ with the
// given routing key. The routing key is ignored for fanout and headers
// exchanges.
func ExchangeSubscription(name string, typ ExchangeType, routingKey string, h Handler) Subscription {
	return Subscription{
		Kind:       KindExchange,
		Exchange:   name,
		Type:       typ,
		RoutingKey: routingKey,
		Handler:    h,
	}
}

// HeadersSubscription subscribes h to a headers exchange with the given
// binding arguments.
func HeadersSubscription(name string, args map[string]any, h Handler) Subscription {
	return Subscription{
		Kind:      KindExchange,
		Exchange:  name,
		Type:      Headers,
		Arguments: maps.Clone(args),
		Handler:   h,
	}
}

// QueueSubscription subscribes h to the named queue.
func QueueSubscription(name string, h Handler) Subscription {
	return Subscription{
		Kind:    KindQueue,
		Queue:   name,
		Handler: h,
	}
}

// Name returns the exchange name for exchange subscriptions and the queue
// name for queue subscriptions.
func (s Subscription) Name() string {
	if s.Kind == KindQueue {
		return s.Queue
	}
	return s.Exchange
}

// Validate checks the invariants a subscription must hold before it can be
// registered.
func (s Subscription) Validate() error {
	if s.Handler == nil {
		return ErrNilHandler
	}
	switch s.Kind {
	case KindExchange:
		if s.Exchange == "" {
			return ErrEmptyName
		}
		if !s.Type.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownExchangeType, uint8(s.Type))
		}
	case KindQueue:
		if s.Queue == "" {
			return ErrEmptyName
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(s.Kind))
	}
	return nil
}

// String renders the topology part of the subscription for logs.
func (s Subscription) String() string {
	if s.Kind == KindQueue {
		return "queue:" + s.Queue
	}
	return fmt.Sprintf("%s:%s/%s", s.Type, s.Exchange, s.RoutingKey)
}
