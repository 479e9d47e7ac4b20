package rabbitmq

import (
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/tickbus/topology"
)

// toTable converts headers or binding arguments into field values the AMQP
// codec accepts. Values it cannot encode are sent as their string form.
func toTable(m map[string]any) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = toField(v)
	}
	return t
}

func toField(v any) any {
	switch v := v.(type) {
	case nil, bool, byte, int8, int16, int32, int64, float32, float64,
		string, []byte, time.Time, amqp.Decimal, amqp.Table:
		return v
	case int:
		return int64(v)
	case uint16:
		return int32(v)
	case uint32:
		return int64(v)
	case uint:
		return uintField(uint64(v))
	case uint64:
		return uintField(v)
	case map[string]any:
		return toTable(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toField(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func uintField(v uint64) any {
	if v > math.MaxInt64 {
		return fmt.Sprint(v)
	}
	return int64(v)
}

// fromTable converts a received table into plain maps and slices.
func fromTable(t amqp.Table) map[string]any {
	if len(t) == 0 {
		return nil
	}
	m := make(map[string]any, len(t))
	for k, v := range t {
		m[k] = fromField(v)
	}
	return m
}

func fromField(v any) any {
	switch v := v.(type) {
	case amqp.Table:
		return fromTable(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = fromField(item)
		}
		return out
	}
	return v
}

func toPublishing(p topology.Publishing) amqp.Publishing {
	return amqp.Publishing{
		Headers:       toTable(p.Headers),
		ContentType:   p.ContentType,
		MessageId:     p.MessageID,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Timestamp:     time.Now(),
		Body:          p.Body,
	}
}

func fromAMQP(d amqp.Delivery, kind topology.Kind, queue string, now time.Time) topology.Delivery {
	out := topology.Delivery{
		Kind:          kind,
		Exchange:      d.Exchange,
		Headers:       fromTable(d.Headers),
		ContentType:   d.ContentType,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Redelivered:   d.Redelivered,
		Body:          d.Body,
		ReceivedAt:    now,
	}
	if kind == topology.KindQueue {
		out.Queue = queue
	} else {
		out.RoutingKey = d.RoutingKey
	}
	return out
}
