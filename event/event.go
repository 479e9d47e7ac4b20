// Package event defines the diagnostic events a client reports to its host.
//
// Events are produced on broker and worker goroutines and delivered to the
// host through the dispatch pump, so handlers never race with the host loop.
package event

import (
	"fmt"
	"time"

	"github.com/fxsml/tickbus/topology"
)

// State is the connection state of a client.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Kind identifies what happened.
type Kind uint8

const (
	// KindConnected fires after the connection opened and subscriptions were
	// replayed.
	KindConnected Kind = iota + 1
	// KindDisconnected fires when an open connection is lost or closed, and
	// when the client gives up connecting because retries ran out. Err
	// carries the cause when there is one.
	KindDisconnected
	// KindReconnecting fires before every retry with Attempt and Delay set.
	KindReconnecting
	// KindConnectFailed fires for every failed connection attempt.
	KindConnectFailed
	// KindSubscriptionFailed fires when declaring a binding failed.
	KindSubscriptionFailed
	// KindCancelFailed fires when cancelling a binding failed.
	KindCancelFailed
	// KindPublishFailed fires when the transport rejected a publish.
	KindPublishFailed
	// KindPublishDropped fires when the offline publish buffer overflowed.
	KindPublishDropped
	// KindDeliveryDropped fires when the delivery queue overflowed.
	KindDeliveryDropped
	// KindHandlerFault fires when a handler returned an error or panicked.
	KindHandlerFault
	// KindStateChanged fires on every connection state transition.
	KindStateChanged
)

var kindNames = [...]string{
	KindConnected:          "connected",
	KindDisconnected:       "disconnected",
	KindReconnecting:       "reconnecting",
	KindConnectFailed:      "connect_failed",
	KindSubscriptionFailed: "subscription_failed",
	KindCancelFailed:       "cancel_failed",
	KindPublishFailed:      "publish_failed",
	KindPublishDropped:     "publish_dropped",
	KindDeliveryDropped:    "delivery_dropped",
	KindHandlerFault:       "handler_fault",
	KindStateChanged:       "state_changed",
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	ks := make([]Kind, 0, len(kindNames)-1)
	for k := KindConnected; k <= KindStateChanged; k++ {
		ks = append(ks, k)
	}
	return ks
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Event is a diagnostic record. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	// State is the state entered for KindStateChanged and the current state
	// otherwise.
	State State
	// Previous is the state left for KindStateChanged.
	Previous State

	// Attempt and Delay describe reconnect attempts. Attempt is one-based.
	Attempt int
	Delay   time.Duration

	Handle     topology.Handle
	Exchange   string
	Queue      string
	RoutingKey string

	Reason string
	Err    error
}

func (e Event) String() string {
	s := e.Kind.String()
	switch e.Kind {
	case KindStateChanged:
		s += fmt.Sprintf(" %s->%s", e.Previous, e.State)
	case KindReconnecting:
		s += fmt.Sprintf(" attempt=%d delay=%s", e.Attempt, e.Delay)
	}
	if e.Reason != "" {
		s += " reason=" + e.Reason
	}
	if e.Err != nil {
		s += " error=" + e.Err.Error()
	}
	return s
}

// Func receives events.
type Func func(Event)

// Emitter forwards events to a Func, stamping Time when unset.
// The zero value and a nil *Emitter drop everything.
type Emitter struct {
	fn  Func
	now func() time.Time
}

// NewEmitter returns an emitter forwarding to fn.
func NewEmitter(fn Func) *Emitter {
	return &Emitter{fn: fn, now: time.Now}
}

// Emit stamps and forwards e.
func (em *Emitter) Emit(e Event) {
	if em == nil || em.fn == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = em.now()
	}
	em.fn(e)
}
