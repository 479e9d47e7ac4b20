package transport

import (
	"sync"

	"github.com/fxsml/tickbus/topology"
)

// ExchangeFilter tracks the exchange bindings of one connection for
// transports that subscribe to whole exchanges and route locally.
type ExchangeFilter struct {
	bindings *Bindings[string]

	mu        sync.RWMutex
	specs     map[string]ExchangeBinding
	exchanges map[string]int
}

// NewExchangeFilter returns an empty filter.
func NewExchangeFilter() *ExchangeFilter {
	return &ExchangeFilter{
		bindings:  NewBindings[string](),
		specs:     make(map[string]ExchangeBinding),
		exchanges: make(map[string]int),
	}
}

// Add records b. firstExchange is set when b is the first binding on its
// exchange, meaning the broker subscription must be created.
func (f *ExchangeFilter) Add(b ExchangeBinding) (id BindingID, firstExchange bool) {
	key := b.Key()
	id, first := f.bindings.Add(key)
	if !first {
		return id, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[key] = b
	f.exchanges[b.Exchange]++
	return id, f.exchanges[b.Exchange] == 1
}

// Remove drops the binding id. lastExchange is set when its exchange has no
// bindings left, meaning the broker subscription must be removed.
func (f *ExchangeFilter) Remove(id BindingID) (exchange string, lastExchange bool, err error) {
	key, last, err := f.bindings.Remove(id)
	if err != nil {
		return "", false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.specs[key]
	if !last {
		return b.Exchange, false, nil
	}
	delete(f.specs, key)
	f.exchanges[b.Exchange]--
	if f.exchanges[b.Exchange] > 0 {
		return b.Exchange, false, nil
	}
	delete(f.exchanges, b.Exchange)
	return b.Exchange, true, nil
}

// Undo reverts an Add whose broker subscription failed.
func (f *ExchangeFilter) Undo(id BindingID) {
	_, _, _ = f.Remove(id)
}

// Accepts reports whether any binding routes d. A delivery is accepted
// once no matter how many bindings match it.
func (f *ExchangeFilter) Accepts(d topology.Delivery) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.exchanges[d.Exchange] == 0 {
		return false
	}
	for _, b := range f.specs {
		if b.Exchange == d.Exchange && b.Accepts(d) {
			return true
		}
	}
	return false
}

// Exchanges returns the exchanges with at least one binding.
func (f *ExchangeFilter) Exchanges() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.exchanges))
	for e := range f.exchanges {
		out = append(out, e)
	}
	return out
}
