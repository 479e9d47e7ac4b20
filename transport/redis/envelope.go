package redis

import (
	"encoding/json"
	"time"

	"github.com/fxsml/tickbus/topology"
)

// envelope is the JSON payload of every message. Header values round-trip
// through JSON, so numbers arrive as float64.
type envelope struct {
	Exchange      string         `json:"exchange,omitempty"`
	RoutingKey    string         `json:"routing_key,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	ContentType   string         `json:"content_type,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Body          []byte         `json:"body,omitempty"`
}

func encode(p topology.Publishing, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Exchange:      p.Exchange,
		RoutingKey:    p.RoutingKey,
		Headers:       p.Headers,
		ContentType:   p.ContentType,
		MessageID:     p.MessageID,
		CorrelationID: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Timestamp:     now,
		Body:          p.Body,
	})
}

func decode(payload string, kind topology.Kind, queue string, now time.Time) (topology.Delivery, error) {
	var e envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return topology.Delivery{}, err
	}
	d := topology.Delivery{
		Kind:          kind,
		Exchange:      e.Exchange,
		Headers:       e.Headers,
		ContentType:   e.ContentType,
		MessageID:     e.MessageID,
		CorrelationID: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		Body:          e.Body,
		ReceivedAt:    now,
	}
	if kind == topology.KindQueue {
		d.Queue = queue
	} else {
		d.RoutingKey = e.RoutingKey
	}
	return d, nil
}
