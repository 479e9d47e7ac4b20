package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/cloudevents"
	"github.com/fxsml/tickbus/topology"
)

type listenOptions struct {
	exchange    string
	kind        string
	keys        []string
	headers     map[string]string
	match       string
	queues      []string
	count       int
	cloudevents bool
}

func newListenCmd(a *app) *cobra.Command {
	var o listenOptions
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print deliveries from exchanges and queues",
		Long: `listen subscribes to an exchange with one binding per --key, or with
--header arguments for headers exchanges, and to every --queue. Each
delivery is printed as one JSON line.`,
		Example: `  tickbus listen --exchange events --key 'sensor.#'
  tickbus listen --exchange alerts --type headers --header level=high --match any
  tickbus listen --queue jobs --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listen(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.exchange, "exchange", "x", "", "exchange to bind")
	f.StringVarP(&o.kind, "type", "t", "topic", "exchange type: direct, fanout, topic or headers")
	f.StringSliceVarP(&o.keys, "key", "k", nil, "routing key to bind, repeatable")
	f.StringToStringVar(&o.headers, "header", nil, "binding argument for headers exchanges, key=value")
	f.StringVar(&o.match, "match", "all", "x-match for headers exchanges: all or any")
	f.StringSliceVarP(&o.queues, "queue", "q", nil, "queue to consume, repeatable")
	f.IntVarP(&o.count, "count", "n", 0, "exit after this many deliveries")
	f.BoolVar(&o.cloudevents, "cloudevents", false, "decode deliveries as CloudEvents")
	return cmd
}

func (o listenOptions) subscriptions(h tickbus.Handler) ([]tickbus.Subscription, error) {
	var subs []tickbus.Subscription
	if o.exchange != "" {
		typ, err := topology.ParseExchangeType(o.kind)
		if err != nil {
			return nil, err
		}
		switch {
		case typ == topology.Headers:
			args := make(map[string]any, len(o.headers)+1)
			for k, v := range o.headers {
				args[k] = v
			}
			args["x-match"] = o.match
			subs = append(subs, topology.HeadersSubscription(o.exchange, args, h))
		case typ == topology.Fanout || len(o.keys) == 0:
			subs = append(subs, topology.ExchangeSubscription(o.exchange, typ, "", h))
		default:
			for _, key := range o.keys {
				subs = append(subs, topology.ExchangeSubscription(o.exchange, typ, key, h))
			}
		}
	}
	for _, q := range o.queues {
		subs = append(subs, topology.QueueSubscription(q, h))
	}
	if len(subs) == 0 {
		return nil, errors.New("nothing to listen to: set --exchange or --queue")
	}
	return subs, nil
}

func (a *app) listen(ctx context.Context, out io.Writer, o listenOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := json.NewEncoder(out)
	received := 0
	handler := func(d tickbus.Delivery) error {
		received++
		if o.count > 0 {
			if received > o.count {
				return nil
			}
			if received == o.count {
				cancel()
			}
		}
		if o.cloudevents {
			e, err := cloudevents.FromDelivery(d)
			if err != nil {
				return err
			}
			return enc.Encode(e)
		}
		return enc.Encode(newDeliveryRecord(d))
	}

	subs, err := o.subscriptions(handler)
	if err != nil {
		return err
	}

	c, err := a.newClient()
	if err != nil {
		return err
	}
	defer c.Close()
	for _, sub := range subs {
		if _, err := c.Subscribe(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub, err)
		}
	}

	stopMetrics, err := a.serveMetrics(c)
	if err != nil {
		return err
	}
	defer stopMetrics()

	if err := c.Connect(); err != nil {
		return err
	}
	if err := a.awaitConnected(ctx, c); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	a.log.Info("listening", "subscriptions", len(subs))

	c.Run(a.tick, ctx.Done())
	return nil
}

// deliveryRecord is the JSON form of a delivery.
type deliveryRecord struct {
	Kind          string         `json:"kind"`
	Exchange      string         `json:"exchange,omitempty"`
	RoutingKey    string         `json:"routing_key,omitempty"`
	Queue         string         `json:"queue,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	ContentType   string         `json:"content_type,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
	Body          string         `json:"body"`
}

func newDeliveryRecord(d tickbus.Delivery) deliveryRecord {
	return deliveryRecord{
		Kind:          d.Kind.String(),
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Queue:         d.Queue,
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		MessageID:     d.MessageID,
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		ReceivedAt:    d.ReceivedAt,
		Body:          string(d.Body),
	}
}
