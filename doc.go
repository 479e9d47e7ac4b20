// Package tickbus is a client-side publish/subscribe overlay for a message
// broker connection, built for hosts that run a single-threaded update loop.
//
// A Client keeps a registry of subscriptions independent of the connection,
// declares their bindings in the background, and re-declares all of them
// after every reconnect. Messages arrive on transport goroutines, are
// matched against the registry and queued; the host drains the queue by
// calling Tick, which runs handlers on the host thread.
//
//	t := rabbitmq.New(rabbitmq.Config{})
//	c := tickbus.New(t, tickbus.Config{Endpoint: "amqp://localhost"})
//	c.SubscribeExchange("events", topology.Topic, "sensor.*", func(d tickbus.Delivery) error {
//		fmt.Printf("%s: %s\n", d.RoutingKey, d.Body)
//		return nil
//	})
//	c.Connect()
//	for running {
//		c.Tick()
//		// render frame
//	}
//
// Transports are in the transport subpackages. Request/reply lives in rpc,
// Prometheus collectors in metrics.
package tickbus
