// Package sse fans aggregator updates out to per-(symbol, principal)
// Server-Sent Events slots: bounded queues with replace-on-duplicate,
// drop-on-slow-consumer, and cascade unsubscribe when the last viewer
// and the last persistent subscriber both leave.
package sse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/aggregator"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/persist"
)

const slotQueueCapacity = 10

// ErrNotSubscribed is returned by Open when no aggregator exists yet for
// the requested symbol.
var ErrNotSubscribed = errors.New("sse: symbol not subscribed")

// AggregatorLookup is the subset of orchestrator.Orchestrator the hub
// needs to seed a new slot's initial snapshot.
type AggregatorLookup interface {
	Aggregator(symbol market.Symbol) (*aggregator.Aggregator, bool)
}

// UpstreamSender is the subset of upstream.Client needed to cascade an
// unsubscribe when the last viewer disappears.
type UpstreamSender interface {
	SendUnsubscribe(symbol market.Symbol, t market.SubscriptionType) error
}

// Slot is one open SSE connection's event queue.
type Slot struct {
	Symbol    market.Symbol
	Principal market.Principal

	queue chan aggregator.Update
	done  chan struct{}
	once  sync.Once

	initMu      sync.Mutex
	initialized bool
}

func newSlot(symbol market.Symbol, principal market.Principal) *Slot {
	return &Slot{
		Symbol:    symbol,
		Principal: principal,
		queue:     make(chan aggregator.Update, slotQueueCapacity),
		done:      make(chan struct{}),
	}
}

// Events is the channel the consuming HTTP handler reads updates from.
func (s *Slot) Events() <-chan aggregator.Update { return s.queue }

// Done is closed when the slot has been terminated — by replacement,
// by a drop due to backpressure, or by explicit Hub.Close.
func (s *Slot) Done() <-chan struct{} { return s.done }

func (s *Slot) terminate() { s.once.Do(func() { close(s.done) }) }

func (s *Slot) markInitialized() {
	s.initMu.Lock()
	s.initialized = true
	s.initMu.Unlock()
}

func (s *Slot) isInitialized() bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initialized
}

func (s *Slot) tryEnqueue(u aggregator.Update) bool {
	select {
	case s.queue <- u:
		return true
	default:
		return false
	}
}

// Hub owns every open slot, keyed by symbol then principal.
type Hub struct {
	mu    sync.Mutex
	slots map[market.Symbol]map[market.Principal]*Slot

	lookup     AggregatorLookup
	up         UpstreamSender
	persistent persist.SubscriptionStore
	log        zerolog.Logger
}

// NewHub constructs an empty Hub. persistent may be nil, in which case
// the cascade-unsubscribe check is skipped.
func NewHub(lookup AggregatorLookup, up UpstreamSender, persistent persist.SubscriptionStore, log zerolog.Logger) *Hub {
	return &Hub{
		slots:      make(map[market.Symbol]map[market.Principal]*Slot),
		lookup:     lookup,
		up:         up,
		persistent: persistent,
		log:        log.With().Str("component", "sse").Logger(),
	}
}

// Open creates a new slot for (symbol, principal). If a slot already
// exists for that pair, it is terminated (its event loop's Done channel
// closes) before the new one replaces it. The returned slot already has
// the aggregator's current snapshot enqueued and is marked initialized.
func (h *Hub) Open(symbol market.Symbol, principal market.Principal) (*Slot, error) {
	agg, ok := h.lookup.Aggregator(symbol)
	if !ok {
		return nil, ErrNotSubscribed
	}

	slot := newSlot(symbol, principal)

	h.mu.Lock()
	principals, ok := h.slots[symbol]
	if !ok {
		principals = make(map[market.Principal]*Slot)
		h.slots[symbol] = principals
	}
	if old, exists := principals[principal]; exists {
		old.terminate()
	}
	principals[principal] = slot
	h.mu.Unlock()

	slot.tryEnqueue(aggregator.Update{
		Symbol:          symbol,
		Candles:         agg.Snapshot(),
		UpdateTimestamp: time.Now().UTC(),
		IsInitial:       true,
	})
	slot.markInitialized()

	return slot, nil
}

// Close removes slot from the hub and, if it was the symbol's last
// remaining slot and the persistent store reports zero active
// subscribers, cascades an upstream unsubscribe.
func (h *Hub) Close(slot *Slot) {
	h.mu.Lock()
	remaining := -1
	if principals, ok := h.slots[slot.Symbol]; ok {
		if cur, exists := principals[slot.Principal]; exists && cur == slot {
			delete(principals, slot.Principal)
		}
		remaining = len(principals)
		if remaining == 0 {
			delete(h.slots, slot.Symbol)
		}
	}
	h.mu.Unlock()

	slot.terminate()
	if remaining == 0 {
		h.maybeCascadeUnsubscribe(slot.Symbol)
	}
}

func (h *Hub) maybeCascadeUnsubscribe(symbol market.Symbol) {
	if h.persistent == nil || h.up == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := h.persistent.SubscriberCount(ctx, symbol)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("cascade unsubscribe: subscriber count lookup failed")
		return
	}
	if count > 0 {
		return
	}
	if err := h.up.SendUnsubscribe(symbol, market.Trades); err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("cascade unsubscribe failed")
	}
}

// Broadcast dispatches one aggregator update to every slot registered
// for its symbol: initial updates reach every slot; delta updates reach
// only already-initialized slots (an uninitialized slot's snapshot
// hasn't been sent yet, so a delta would be out of order). Slots whose
// queue is full are dropped.
func (h *Hub) Broadcast(update aggregator.Update) {
	h.mu.Lock()
	principals := h.slots[update.Symbol]
	targets := make([]*Slot, 0, len(principals))
	for _, slot := range principals {
		targets = append(targets, slot)
	}
	h.mu.Unlock()

	var dead []*Slot
	for _, slot := range targets {
		if !update.IsInitial && !slot.isInitialized() {
			continue
		}
		if !slot.tryEnqueue(update) {
			dead = append(dead, slot)
		}
	}
	for _, slot := range dead {
		h.Close(slot)
	}
}

// Run consumes updates until the channel closes or ctx is cancelled,
// dispatching each to Broadcast. This is the single consumer that
// decouples aggregator publication from fan-out dispatch (no callback
// is ever invoked while an aggregator holds its lock).
func (h *Hub) Run(ctx context.Context, updates <-chan aggregator.Update) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(u)
		case <-ctx.Done():
			return
		}
	}
}

// SlotCount returns the number of open slots for symbol, for tests and
// diagnostics.
func (h *Hub) SlotCount(symbol market.Symbol) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots[symbol])
}
