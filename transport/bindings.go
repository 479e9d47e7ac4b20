package transport

import (
	"strconv"
	"sync"
)

// Bindings reference-counts identical binding declarations on one
// connection. Transports use it so that two subscriptions with the same
// topology share one broker binding, and cancelling one of them leaves the
// other intact.
type Bindings[K comparable] struct {
	mu   sync.Mutex
	next uint64
	ids  map[BindingID]K
	refs map[K]int
}

// NewBindings returns an empty table.
func NewBindings[K comparable]() *Bindings[K] {
	return &Bindings[K]{
		ids:  make(map[BindingID]K),
		refs: make(map[K]int),
	}
}

// Add records a declaration of k and returns its id. first is set when k
// had no references before, meaning the broker binding must be created.
func (b *Bindings[K]) Add(k K) (id BindingID, first bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id = BindingID("b" + strconv.FormatUint(b.next, 10))
	b.ids[id] = k
	b.refs[k]++
	return id, b.refs[k] == 1
}

// Undo reverts an Add whose broker declaration failed.
func (b *Bindings[K]) Undo(id BindingID) {
	b.Remove(id)
}

// Remove drops one reference. last is set when k has no references left,
// meaning the broker binding must be removed.
func (b *Bindings[K]) Remove(id BindingID) (k K, last bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k, ok := b.ids[id]
	if !ok {
		return k, false, ErrUnknownBinding
	}
	delete(b.ids, id)
	b.refs[k]--
	if b.refs[k] > 0 {
		return k, false, nil
	}
	delete(b.refs, k)
	return k, true, nil
}

// Active reports whether k has at least one reference.
func (b *Bindings[K]) Active(k K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[k] > 0
}

// Keys returns every key with at least one reference.
func (b *Bindings[K]) Keys() []K {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]K, 0, len(b.refs))
	for k := range b.refs {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of live ids.
func (b *Bindings[K]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}
