package nats

import (
	"encoding/json"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/fxsml/tickbus/topology"
)

// Header names carrying message properties.
const (
	HeaderExchange      = "Tickbus-Exchange"
	HeaderRoutingKey    = "Tickbus-Routing-Key"
	HeaderContentType   = "Content-Type"
	HeaderMessageID     = natsgo.MsgIdHdr
	HeaderCorrelationID = "Tickbus-Correlation-Id"
	HeaderReplyTo       = "Tickbus-Reply-To"
	// HeaderHeaders holds the application headers as a JSON object.
	HeaderHeaders = "Tickbus-Headers"
)

func toMsg(subject string, p topology.Publishing) (*natsgo.Msg, error) {
	m := natsgo.NewMsg(subject)
	m.Data = p.Body
	set := func(k, v string) {
		if v != "" {
			m.Header.Set(k, v)
		}
	}
	set(HeaderExchange, p.Exchange)
	set(HeaderRoutingKey, p.RoutingKey)
	set(HeaderContentType, p.ContentType)
	set(HeaderMessageID, p.MessageID)
	set(HeaderCorrelationID, p.CorrelationID)
	set(HeaderReplyTo, p.ReplyTo)
	if len(p.Headers) > 0 {
		b, err := json.Marshal(p.Headers)
		if err != nil {
			return nil, fmt.Errorf("nats: encode headers: %w", err)
		}
		m.Header.Set(HeaderHeaders, string(b))
	}
	return m, nil
}

func fromMsg(m *natsgo.Msg, kind topology.Kind, queue string, now time.Time) (topology.Delivery, error) {
	d := topology.Delivery{
		Kind:          kind,
		Exchange:      m.Header.Get(HeaderExchange),
		ContentType:   m.Header.Get(HeaderContentType),
		MessageID:     m.Header.Get(HeaderMessageID),
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		ReplyTo:       m.Header.Get(HeaderReplyTo),
		Body:          m.Data,
		ReceivedAt:    now,
	}
	if raw := m.Header.Get(HeaderHeaders); raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Headers); err != nil {
			return topology.Delivery{}, fmt.Errorf("nats: decode headers: %w", err)
		}
	}
	if kind == topology.KindQueue {
		d.Queue = queue
	} else {
		d.RoutingKey = m.Header.Get(HeaderRoutingKey)
	}
	return d, nil
}
