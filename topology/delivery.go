package topology

import (
	"bytes"
	"maps"
	"time"
)

// Delivery is a message received from the broker. It is immutable once
// built: the router hands every matched subscription its own copy.
type Delivery struct {
	// Kind says whether the message arrived through an exchange binding
	// or from a named queue.
	Kind Kind

	Exchange string
	// Queue is set for queue deliveries only.
	Queue string
	// RoutingKey is empty for queue deliveries.
	RoutingKey string

	Headers       map[string]any
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Redelivered   bool

	Body       []byte
	ReceivedAt time.Time
}

// Source returns the exchange name for exchange deliveries and the queue
// name for queue deliveries.
func (d Delivery) Source() string {
	if d.Kind == KindQueue {
		return d.Queue
	}
	return d.Exchange
}

// Clone returns a copy that shares no mutable state with d.
func (d Delivery) Clone() Delivery {
	c := d
	c.Headers = maps.Clone(d.Headers)
	c.Body = bytes.Clone(d.Body)
	return c
}

// Publishing is an outbound message. Exchange "" addresses the broker's
// default exchange, where the routing key names the destination queue.
type Publishing struct {
	Exchange   string
	RoutingKey string

	Headers       map[string]any
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string

	Body []byte
}
