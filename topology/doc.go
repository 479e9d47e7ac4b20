// Package topology defines the vocabulary shared by every tickbus component:
// subscriptions, exchange types, deliveries, publishings and handles.
//
// A [Subscription] is a tagged variant. Exchange subscriptions bind an
// exchange (with a type and a routing key) to a handler; queue subscriptions
// consume a named queue. Both carry the handler that receives matching
// deliveries on the host thread.
//
//	sub := topology.ExchangeSubscription("events", topology.Topic, "sensor.*",
//		func(d topology.Delivery) error {
//			fmt.Println(d.RoutingKey, string(d.Body))
//			return nil
//		})
//
// Types in this package are plain values. They never reference connection
// state, so the registry can hold them while the broker is unreachable.
package topology
