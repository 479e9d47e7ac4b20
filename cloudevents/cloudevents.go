// Package cloudevents maps deliveries and publishings to CloudEvents.
//
// Binary mode carries context attributes as "ce_" prefixed headers and the
// event data as the body. Structured mode carries the whole event as JSON
// with content type application/cloudevents+json.
package cloudevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/fxsml/tickbus/topology"
)

// HeaderPrefix prefixes context attributes in binary mode.
const HeaderPrefix = "ce_"

// ContentTypeStructured marks a body holding a JSON encoded event.
const ContentTypeStructured = "application/cloudevents+json"

// ErrNotCloudEvent is returned for deliveries that carry neither binary
// attributes nor a structured event.
var ErrNotCloudEvent = errors.New("cloudevents: delivery is not a cloud event")

// FromDelivery decodes d in either mode.
func FromDelivery(d topology.Delivery) (*cloudevents.Event, error) {
	if strings.HasPrefix(d.ContentType, ContentTypeStructured) {
		e := cloudevents.NewEvent()
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return nil, fmt.Errorf("cloudevents: decode structured event: %w", err)
		}
		return &e, nil
	}

	if _, ok := d.Headers[HeaderPrefix+"specversion"]; !ok {
		return nil, ErrNotCloudEvent
	}

	e := cloudevents.NewEvent()
	for k, v := range d.Headers {
		name, ok := strings.CutPrefix(k, HeaderPrefix)
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		switch name {
		case "id":
			e.SetID(s)
		case "type":
			e.SetType(s)
		case "source":
			e.SetSource(s)
		case "specversion":
			e.SetSpecVersion(s)
		case "subject":
			e.SetSubject(s)
		case "dataschema":
			e.SetDataSchema(s)
		case "time":
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				e.SetTime(t)
			}
		default:
			e.SetExtension(name, v)
		}
	}
	if d.ContentType != "" {
		e.SetDataContentType(d.ContentType)
	}
	if len(d.Body) > 0 {
		if err := e.SetData(d.ContentType, append([]byte(nil), d.Body...)); err != nil {
			return nil, fmt.Errorf("cloudevents: set data: %w", err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevents: %w", err)
	}
	return &e, nil
}

// ToPublishing encodes e in binary mode.
func ToPublishing(exchange, routingKey string, e cloudevents.Event) (topology.Publishing, error) {
	if err := e.Validate(); err != nil {
		return topology.Publishing{}, fmt.Errorf("cloudevents: %w", err)
	}

	headers := map[string]any{
		HeaderPrefix + "id":          e.ID(),
		HeaderPrefix + "type":        e.Type(),
		HeaderPrefix + "source":      e.Source(),
		HeaderPrefix + "specversion": e.SpecVersion(),
	}
	if subj := e.Subject(); subj != "" {
		headers[HeaderPrefix+"subject"] = subj
	}
	if ds := e.DataSchema(); ds != "" {
		headers[HeaderPrefix+"dataschema"] = ds
	}
	if t := e.Time(); !t.IsZero() {
		headers[HeaderPrefix+"time"] = t.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range e.Extensions() {
		headers[HeaderPrefix+k] = v
	}

	var body []byte
	if b := e.Data(); len(b) > 0 {
		body = append([]byte(nil), b...)
	}
	return topology.Publishing{
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Headers:     headers,
		ContentType: e.DataContentType(),
		MessageID:   e.ID(),
		Body:        body,
	}, nil
}

// ToStructuredPublishing encodes e as a JSON document.
func ToStructuredPublishing(exchange, routingKey string, e cloudevents.Event) (topology.Publishing, error) {
	if err := e.Validate(); err != nil {
		return topology.Publishing{}, fmt.Errorf("cloudevents: %w", err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return topology.Publishing{}, fmt.Errorf("cloudevents: encode: %w", err)
	}
	return topology.Publishing{
		Exchange:    exchange,
		RoutingKey:  routingKey,
		ContentType: ContentTypeStructured,
		MessageID:   e.ID(),
		Body:        body,
	}, nil
}
