// Package registry holds the set of subscriptions a client wants, independent
// of connection state.
//
// Readers get immutable snapshots, so the router and the reconnect replay
// never hold a lock while the host subscribes or unsubscribes.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fxsml/tickbus/topology"
)

// ErrConfiguration is matched by every ConfigurationError.
var ErrConfiguration = errors.New("registry: configuration error")

// ConfigurationError reports a subscription that conflicts with the
// exchange type already recorded for the same exchange name.
type ConfigurationError struct {
	Exchange  string
	Existing  topology.ExchangeType
	Requested topology.ExchangeType
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("registry: exchange %q is declared as %s, cannot subscribe as %s",
		e.Exchange, e.Existing, e.Requested)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Entry is one registered subscription.
type Entry struct {
	Handle       topology.Handle
	Subscription topology.Subscription
	// Seq orders entries by registration.
	Seq uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	seq   uint64
	types map[string]topology.ExchangeType

	snap atomic.Pointer[[]Entry]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{types: make(map[string]topology.ExchangeType)}
	r.snap.Store(&[]Entry{})
	return r
}

// Add validates sub and appends it. The first subscription to an exchange
// name fixes its type for the lifetime of the registry, and later
// subscriptions with a different type fail with a ConfigurationError.
func (r *Registry) Add(sub topology.Subscription) (Entry, error) {
	if err := sub.Validate(); err != nil {
		return Entry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.Kind == topology.KindExchange {
		if existing, ok := r.types[sub.Exchange]; ok && existing != sub.Type {
			return Entry{}, &ConfigurationError{
				Exchange:  sub.Exchange,
				Existing:  existing,
				Requested: sub.Type,
			}
		}
		r.types[sub.Exchange] = sub.Type
	}

	r.seq++
	e := Entry{
		Handle:       topology.NewHandle(),
		Subscription: sub,
		Seq:          r.seq,
	}

	cur := *r.snap.Load()
	next := make([]Entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	r.snap.Store(&next)

	return e, nil
}

// Remove deletes the entry for h and returns it. Unknown handles are
// ignored.
func (r *Registry) Remove(h topology.Handle) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	i := slices.IndexFunc(cur, func(e Entry) bool { return e.Handle == h })
	if i < 0 {
		return Entry{}, false
	}
	removed := cur[i]
	next := make([]Entry, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	r.snap.Store(&next)

	return removed, true
}

// Clear removes every entry. Recorded exchange types are kept.
func (r *Registry) Clear() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	r.snap.Store(&[]Entry{})
	return cur
}

// Lookup returns the entry for h.
func (r *Registry) Lookup(h topology.Handle) (Entry, bool) {
	for _, e := range *r.snap.Load() {
		if e.Handle == h {
			return e, true
		}
	}
	return Entry{}, false
}

// Contains reports whether h is registered.
func (r *Registry) Contains(h topology.Handle) bool {
	_, ok := r.Lookup(h)
	return ok
}

// Snapshot returns all entries in registration order. The returned slice is
// shared and must not be modified.
func (r *Registry) Snapshot() []Entry {
	return *r.snap.Load()
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}

// ExchangeType returns the type recorded for an exchange name.
func (r *Registry) ExchangeType(name string) (topology.ExchangeType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[name]
	return t, ok
}
