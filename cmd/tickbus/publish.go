package main

import (
	"context"
	"fmt"
	"io"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fxsml/tickbus/cloudevents"
	"github.com/fxsml/tickbus/topology"
)

type messageOptions struct {
	headers       map[string]string
	contentType   string
	correlationID string
	replyTo       string

	ceType     string
	ceSource   string
	structured bool
}

func (o *messageOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringToStringVarP(&o.headers, "header", "H", nil, "message header, key=value")
	f.StringVar(&o.contentType, "content-type", "", "content type of the body")
	f.StringVar(&o.ceType, "ce-type", "", "send the body as a CloudEvent of this type")
	f.StringVar(&o.ceSource, "ce-source", "tickbus-cli", "CloudEvent source")
	f.BoolVar(&o.structured, "structured", false, "use structured mode for CloudEvents")
}

// publishing builds the outbound message. With --ce-type the body becomes
// the data of a CloudEvent.
func (o messageOptions) publishing(exchange, routingKey string, body []byte) (topology.Publishing, error) {
	if o.ceType != "" {
		e := ce.NewEvent()
		e.SetID(uuid.NewString())
		e.SetType(o.ceType)
		e.SetSource(o.ceSource)
		e.SetTime(time.Now())
		contentType := o.contentType
		if contentType == "" {
			contentType = ce.ApplicationJSON
		}
		if err := e.SetData(contentType, body); err != nil {
			return topology.Publishing{}, err
		}
		for k, v := range o.headers {
			e.SetExtension(k, v)
		}
		if o.structured {
			return cloudevents.ToStructuredPublishing(exchange, routingKey, e)
		}
		return cloudevents.ToPublishing(exchange, routingKey, e)
	}

	p := topology.Publishing{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		ContentType:   o.contentType,
		MessageID:     uuid.NewString(),
		CorrelationID: o.correlationID,
		ReplyTo:       o.replyTo,
		Body:          body,
	}
	if len(o.headers) > 0 {
		p.Headers = make(map[string]any, len(o.headers))
		for k, v := range o.headers {
			p.Headers[k] = v
		}
	}
	return p, nil
}

func newPublishCmd(a *app) *cobra.Command {
	var o messageOptions
	cmd := &cobra.Command{
		Use:   "publish EXCHANGE ROUTING_KEY [BODY]",
		Short: "Publish one message",
		Long: `publish sends one message and waits for the broker to accept it. The
body is read from stdin when omitted or "-". An empty EXCHANGE addresses the
default exchange, where ROUTING_KEY names a queue.`,
		Example: `  tickbus publish events sensor.temp '{"value":21}' --content-type application/json
  echo job | tickbus publish "" jobs
  tickbus publish events sensor.temp '{"value":21}' --ce-type com.example.reading`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), args[2:])
			if err != nil {
				return err
			}
			p, err := o.publishing(args[0], args[1], body)
			if err != nil {
				return err
			}
			return a.publish(cmd.Context(), p)
		},
	}
	o.register(cmd)
	f := cmd.Flags()
	f.StringVar(&o.correlationID, "correlation-id", "", "correlation id")
	f.StringVar(&o.replyTo, "reply-to", "", "reply queue")
	return cmd
}

// publish talks to the transport directly so that it returns once the
// broker has accepted the message.
func (a *app) publish(ctx context.Context, p topology.Publishing) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	t, err := a.transportFor(cfg.Endpoint, a.log)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.wait)
	conn, err := t.Connect(connectCtx, cfg.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Endpoint, err)
	}
	defer conn.Close()

	publishCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := conn.Publish(publishCtx, p); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	a.log.Debug("published", "exchange", p.Exchange, "routing_key", p.RoutingKey, "message_id", p.MessageID)
	return nil
}

func readBody(in io.Reader, args []string) ([]byte, error) {
	if len(args) > 0 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}
