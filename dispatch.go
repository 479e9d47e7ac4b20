package tickbus

import (
	"time"

	"github.com/fxsml/tickbus/event"
	"github.com/fxsml/tickbus/topology"
)

// Tick is the dispatch pump. The host calls it once per update, on its own
// thread. Tick delivers queued events to Config.OnEvent, runs posted
// functions and then invokes the handlers of every queued delivery in
// arrival order. It never blocks on the network.
//
// A handler that returns an error or panics is reported as a HandlerFault
// event; the remaining deliveries are still dispatched. Tick returns the
// number of deliveries dispatched.
func (c *Client) Tick() int {
	if c.closed.Load() {
		return 0
	}

	for _, e := range c.events.DrainAll() {
		if err := protect(func() error { c.cfg.OnEvent(e); return nil }); err != nil {
			c.cfg.Logger.Error("event callback failed", "kind", e.Kind.String(), "error", err)
		}
	}

	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()
	for _, fn := range tasks {
		if err := protect(func() error { fn(); return nil }); err != nil {
			c.fault(&HandlerError{Err: err}, Handle{}, topology.Delivery{})
		}
	}

	n := 0
	for _, d := range c.deliveries.DrainAll() {
		if c.closed.Load() {
			break
		}
		if !c.reg.Contains(d.handle) {
			continue
		}
		n++
		c.dispatched.Add(1)
		if err := protect(func() error { return d.handler(d.delivery) }); err != nil {
			c.fault(&HandlerError{Handle: d.handle, Err: err}, d.handle, d.delivery)
		}
	}
	return n
}

// Run calls Tick every interval until stop is closed. It is a convenience
// for hosts without an update loop of their own.
func (c *Client) Run(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Tick()
		}
	}
}

func (c *Client) fault(err error, h Handle, d topology.Delivery) {
	c.faults.Add(1)
	c.emit(Event{
		Kind:       event.KindHandlerFault,
		State:      c.mgr.State(),
		Handle:     h,
		Exchange:   d.Exchange,
		Queue:      d.Queue,
		RoutingKey: d.RoutingKey,
		Reason:     err.Error(),
		Err:        err,
	})
}
