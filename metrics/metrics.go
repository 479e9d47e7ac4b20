// Package metrics exports client statistics and event counts to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/event"
)

// StatsSource provides a snapshot of client counters.
type StatsSource interface {
	Stats() tickbus.Stats
}

// Register registers collectors reading from src on reg. Values are read
// at scrape time.
func Register(reg prometheus.Registerer, namespace string, src StatsSource) error {
	counter := func(name, help string, get func(tickbus.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(src.Stats())) })
	}
	gauge := func(name, help string, get func(tickbus.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(src.Stats())) })
	}

	collectors := []prometheus.Collector{
		counter("deliveries_enqueued_total", "Deliveries handed to the dispatch queue.",
			func(s tickbus.Stats) uint64 { return s.Enqueued }),
		counter("deliveries_dispatched_total", "Deliveries passed to handlers.",
			func(s tickbus.Stats) uint64 { return s.Dispatched }),
		counter("deliveries_dropped_total", "Deliveries evicted by queue overflow.",
			func(s tickbus.Stats) uint64 { return s.Dropped }),
		counter("deliveries_unmatched_total", "Deliveries no subscription matched.",
			func(s tickbus.Stats) uint64 { return s.Unmatched }),
		counter("handler_faults_total", "Handler errors and panics.",
			func(s tickbus.Stats) uint64 { return s.Faults }),
		gauge("deliveries_queued", "Deliveries waiting for the next tick.",
			func(s tickbus.Stats) int { return s.Queued }),
		gauge("subscriptions", "Registered subscriptions.",
			func(s tickbus.Stats) int { return s.Subscriptions }),
		gauge("publishes_pending", "Publishes waiting for a connection.",
			func(s tickbus.Stats) int { return s.PendingPublishes }),
		gauge("connection_state", "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
			func(s tickbus.Stats) int { return int(s.State) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observer counts events by kind.
type Observer struct {
	events *prometheus.CounterVec
}

// NewObserver registers the events counter on reg.
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Lifecycle and dispatch events by kind.",
	}, []string{"kind"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	// Pre-create series so every kind is exported from the start.
	for _, k := range event.Kinds() {
		events.WithLabelValues(k.String())
	}
	return &Observer{events: events}, nil
}

// Observe counts e. It is safe for concurrent use and fits Client.Observe.
func (o *Observer) Observe(e tickbus.Event) {
	o.events.WithLabelValues(e.Kind.String()).Inc()
}
