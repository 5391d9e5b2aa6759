// Package registry is the in-memory, per-process source of truth for
// "who is subscribed to what": a nested symbol → type → set(principal)
// map. It is authoritative within a process lifetime; internal/persist
// is authoritative across restarts.
package registry

import (
	"sync"

	"github.com/yitech/marketfeed/internal/market"
)

// symbolEntry holds the per-type principal sets for one symbol, guarded by
// its own lock so mutations on different symbols never contend.
type symbolEntry struct {
	mu    sync.Mutex
	types map[market.SubscriptionType]map[market.Principal]struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex // guards creation/deletion of entries in symbols
	symbols map[market.Symbol]*symbolEntry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{symbols: make(map[market.Symbol]*symbolEntry)}
}

// Add registers principal for (symbol, t). wasNewType is true iff this call
// was the first subscriber for (symbol, t) — precisely when the caller
// must send an upstream subscribe frame.
func (r *Registry) Add(symbol market.Symbol, t market.SubscriptionType, principal market.Principal) (wasNewType bool) {
	e := r.getOrCreateEntry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	principals, ok := e.types[t]
	if !ok {
		principals = make(map[market.Principal]struct{})
		e.types[t] = principals
	}
	_, already := principals[principal]
	principals[principal] = struct{}{}
	return !ok && !already
}

// Remove unregisters principal from (symbol, t). wasLastType is true iff
// this call removed the last principal for (symbol, t) — precisely when
// the caller must send an upstream unsubscribe frame. Empty inner/outer
// maps are pruned so "symbol present" always implies "at least one active
// subscriber exists".
func (r *Registry) Remove(symbol market.Symbol, t market.SubscriptionType, principal market.Principal) (wasLastType bool) {
	r.mu.RLock()
	e, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	principals, ok := e.types[t]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(principals, principal)
	wasLastType = len(principals) == 0
	if wasLastType {
		delete(e.types, t)
	}
	empty := len(e.types) == 0
	e.mu.Unlock()

	if empty {
		r.pruneIfEmpty(symbol)
	}
	return wasLastType
}

// Has reports whether principal is subscribed to (symbol, t).
func (r *Registry) Has(symbol market.Symbol, t market.SubscriptionType, principal market.Principal) bool {
	r.mu.RLock()
	e, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok = e.types[t][principal]
	return ok
}

// Principals returns the current subscriber set for (symbol, t).
func (r *Registry) Principals(symbol market.Symbol, t market.SubscriptionType) []market.Principal {
	r.mu.RLock()
	e, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]market.Principal, 0, len(e.types[t]))
	for p := range e.types[t] {
		out = append(out, p)
	}
	return out
}

// Subscribed reports whether symbol currently has at least one active
// subscriber of any type. The pruneIfEmpty invariant means "entry
// present" always implies "non-empty", so presence alone is sufficient.
func (r *Registry) Subscribed(symbol market.Symbol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[symbol]
	return ok
}

// SymbolsFor returns every symbol principal currently has at least one
// subscription type for.
func (r *Registry) SymbolsFor(principal market.Principal) []market.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []market.Symbol
	for symbol, e := range r.symbols {
		e.mu.Lock()
		found := false
		for _, principals := range e.types {
			if _, ok := principals[principal]; ok {
				found = true
				break
			}
		}
		e.mu.Unlock()
		if found {
			out = append(out, symbol)
		}
	}
	return out
}

// CountFor returns how many distinct symbols currently have at least one
// subscriber of type t — used to enforce market.SymbolCap.
func (r *Registry) CountFor(t market.SubscriptionType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.symbols {
		e.mu.Lock()
		if len(e.types[t]) > 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Subscription pairs a symbol with one of its active subscription types,
// used by Snapshot to drive upstream resubscription on reconnect.
type Subscription struct {
	Symbol market.Symbol
	Type   market.SubscriptionType
}

// Snapshot returns every (symbol, type) pair that currently has at least
// one subscriber, for the upstream connection manager to re-issue
// subscribe frames on reconnect.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for symbol, e := range r.symbols {
		e.mu.Lock()
		for t, principals := range e.types {
			if len(principals) > 0 {
				out = append(out, Subscription{Symbol: symbol, Type: t})
			}
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) getOrCreateEntry(symbol market.Symbol) *symbolEntry {
	r.mu.RLock()
	e, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.symbols[symbol]; ok {
		return e
	}
	e = &symbolEntry{types: make(map[market.SubscriptionType]map[market.Principal]struct{})}
	r.symbols[symbol] = e
	return e
}

// pruneIfEmpty removes symbol's entry from the outer map if it has no
// remaining subscription types. Re-checks under the outer write lock since
// another Add may have raced in between the emptiness check and this call.
func (r *Registry) pruneIfEmpty(symbol market.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.symbols[symbol]
	if !ok {
		return
	}
	e.mu.Lock()
	empty := len(e.types) == 0
	e.mu.Unlock()
	if empty {
		delete(r.symbols, symbol)
	}
}
