// Package route matches inbound deliveries to registered subscriptions.
//
// The broker already filters by binding, so matching here re-applies the
// broker's rules client-side. That is what lets one physical binding per
// exchange serve many local subscriptions with different keys.
package route

import (
	"sync"
	"sync/atomic"

	"github.com/fxsml/tickbus/registry"
	"github.com/fxsml/tickbus/topology"
)

// Match pairs a registry entry with the delivery it should receive.
type Match struct {
	Entry    registry.Entry
	Delivery topology.Delivery
}

// Router is safe for concurrent use.
type Router struct {
	reg       *registry.Registry
	topics    sync.Map // pattern -> *TopicMatcher
	routed    atomic.Uint64
	unmatched atomic.Uint64
}

// NewRouter returns a router reading from reg.
func NewRouter(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// Route returns every subscription matching d, in registration order.
// Each match carries its own copy of d. A delivery nothing matches
// increments the unmatched counter and returns nil.
func (r *Router) Route(d topology.Delivery) []Match {
	var out []Match
	for _, e := range r.reg.Snapshot() {
		if !r.matches(e.Subscription, d) {
			continue
		}
		md := d
		if len(out) > 0 {
			md = d.Clone()
		}
		out = append(out, Match{Entry: e, Delivery: md})
	}
	if len(out) == 0 {
		r.unmatched.Add(1)
		return nil
	}
	r.routed.Add(1)
	return out
}

// Matches reports whether sub would receive d.
func (r *Router) Matches(sub topology.Subscription, d topology.Delivery) bool {
	return r.matches(sub, d)
}

// Unmatched returns how many deliveries matched no subscription.
func (r *Router) Unmatched() uint64 {
	return r.unmatched.Load()
}

// Routed returns how many deliveries matched at least one subscription.
func (r *Router) Routed() uint64 {
	return r.routed.Load()
}

func (r *Router) matches(sub topology.Subscription, d topology.Delivery) bool {
	return match(sub, d, func(pattern, key string) bool {
		return r.topic(pattern).Matches(key)
	})
}

// MatchSubscription reports whether sub would receive d. Unlike Router it
// compiles topic patterns on every call.
func MatchSubscription(sub topology.Subscription, d topology.Delivery) bool {
	return match(sub, d, MatchTopic)
}

func match(sub topology.Subscription, d topology.Delivery, topic func(pattern, key string) bool) bool {
	if sub.Kind != d.Kind {
		return false
	}
	if sub.Kind == topology.KindQueue {
		return sub.Queue == d.Queue
	}
	if sub.Exchange != d.Exchange {
		return false
	}
	switch sub.Type {
	case topology.Direct:
		return sub.RoutingKey == d.RoutingKey
	case topology.Fanout:
		return true
	case topology.Topic:
		return topic(sub.RoutingKey, d.RoutingKey)
	case topology.Headers:
		return MatchHeaders(sub.Arguments, d.Headers)
	}
	return false
}

func (r *Router) topic(pattern string) *TopicMatcher {
	if m, ok := r.topics.Load(pattern); ok {
		return m.(*TopicMatcher)
	}
	m, _ := r.topics.LoadOrStore(pattern, NewTopicMatcher(pattern))
	return m.(*TopicMatcher)
}
