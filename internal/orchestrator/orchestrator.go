// Package orchestrator is the single entry point for subscribe and
// unsubscribe requests: it sequences aggregator creation, registry
// mutation, and the upstream control frame, following spec.md §4.8.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/aggregator"
	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/history"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/persist"
	"github.com/yitech/marketfeed/internal/registry"
	"github.com/yitech/marketfeed/internal/store"
	"github.com/yitech/marketfeed/internal/upstream"
)

// ErrSymbolCapExceeded is returned when a trades/quotes subscribe would
// push a subscription type past its per-process distinct-symbol cap.
var ErrSymbolCapExceeded = errors.New("orchestrator: symbol cap exceeded for subscription type")

// UpstreamSender is the subset of upstream.Client the orchestrator needs;
// narrowed to an interface so tests can substitute a fake.
type UpstreamSender interface {
	SendSubscribe(symbol market.Symbol, t market.SubscriptionType) error
	SendUnsubscribe(symbol market.Symbol, t market.SubscriptionType) error
}

// SystemPrincipal is used for rehydration subscribes on startup — these
// re-establish upstream streams with no human subscriber attached yet.
const SystemPrincipal market.Principal = "system"

// Orchestrator wires the registry, per-symbol aggregators, the upstream
// connection, and the persistent subscription store behind one
// subscribe/unsubscribe API.
type Orchestrator struct {
	reg        *registry.Registry
	up         UpstreamSender
	persistent persist.SubscriptionStore
	candles    store.CandleStore
	history    *history.Client
	updates    chan<- aggregator.Update
	log        zerolog.Logger

	creationMu sync.Mutex // serializes aggregator creation across symbols
	aggMu      sync.RWMutex
	aggregators map[market.Symbol]*aggregator.Aggregator
}

// New constructs an Orchestrator. updates is the shared channel the SSE
// fan-out consumes aggregator events from; candles and history may be
// nil (no persistence / no backfill, respectively).
func New(
	reg *registry.Registry,
	up UpstreamSender,
	persistent persist.SubscriptionStore,
	candles store.CandleStore,
	historyClient *history.Client,
	updates chan<- aggregator.Update,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		reg:         reg,
		up:          up,
		persistent:  persistent,
		candles:     candles,
		history:     historyClient,
		updates:     updates,
		log:         log.With().Str("component", "orchestrator").Logger(),
		aggregators: make(map[market.Symbol]*aggregator.Aggregator),
	}
}

// Subscribe is the single entry point for adding a subscription: it
// canonicalizes the symbol, ensures an aggregator exists (spawning
// history backfill on first creation), updates the registry, issues an
// upstream subscribe frame on first-subscriber transitions, and mirrors
// the request into the persistent store.
func (o *Orchestrator) Subscribe(ctx context.Context, principal market.Principal, rawSymbol string, t market.SubscriptionType) error {
	symbol := market.NewSymbol(rawSymbol)

	if limit := market.SymbolCap(t); limit > 0 {
		existing := len(o.reg.Principals(symbol, t)) > 0
		if !existing && o.reg.CountFor(t) >= limit {
			return fmt.Errorf("%w: %s", ErrSymbolCapExceeded, t)
		}
	}

	o.ensureAggregator(ctx, symbol)

	wasNewType := o.reg.Add(symbol, t, principal)
	if wasNewType {
		if err := o.up.SendSubscribe(symbol, t); err != nil {
			o.reg.Remove(symbol, t, principal)
			return fmt.Errorf("orchestrator: upstream subscribe %s/%s: %w", symbol, t, err)
		}
	}

	if o.persistent != nil {
		if err := o.persistent.Subscribe(ctx, principal, symbol); err != nil {
			o.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("persistent subscribe failed")
		}
	}
	return nil
}

// Unsubscribe removes principal's subscription to (symbol, t), issuing
// an upstream unsubscribe frame on last-subscriber transitions.
// Upstream failures are logged, not surfaced: the registry already
// reflects the desired state.
func (o *Orchestrator) Unsubscribe(ctx context.Context, principal market.Principal, rawSymbol string, t market.SubscriptionType) error {
	symbol := market.NewSymbol(rawSymbol)

	wasLastType := o.reg.Remove(symbol, t, principal)
	if wasLastType {
		if err := o.up.SendUnsubscribe(symbol, t); err != nil {
			o.log.Warn().Err(err).Str("symbol", symbol.String()).Str("type", string(t)).
				Msg("upstream unsubscribe failed")
		}
	}

	if o.persistent != nil {
		if err := o.persistent.Unsubscribe(ctx, principal, symbol); err != nil {
			o.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("persistent unsubscribe failed")
		}
	}
	return nil
}

// Aggregator returns the aggregator for symbol, if one has been created.
func (o *Orchestrator) Aggregator(symbol market.Symbol) (*aggregator.Aggregator, bool) {
	o.aggMu.RLock()
	defer o.aggMu.RUnlock()
	a, ok := o.aggregators[symbol]
	return a, ok
}

// ensureAggregator returns the aggregator for symbol, creating it
// (idempotently, under a per-process creation lock) if absent. On first
// creation it spawns the history-backfill task as a detached goroutine.
func (o *Orchestrator) ensureAggregator(ctx context.Context, symbol market.Symbol) *aggregator.Aggregator {
	o.aggMu.RLock()
	a, ok := o.aggregators[symbol]
	o.aggMu.RUnlock()
	if ok {
		return a
	}

	o.creationMu.Lock()
	defer o.creationMu.Unlock()

	o.aggMu.RLock()
	a, ok = o.aggregators[symbol]
	o.aggMu.RUnlock()
	if ok {
		return a
	}

	a = aggregator.New(symbol, o.updates, o.candles, o.log)
	o.aggMu.Lock()
	o.aggregators[symbol] = a
	o.aggMu.Unlock()

	if o.history != nil {
		go o.history.Backfill(context.Background(), symbol, a)
	}
	return a
}

// Rehydrate fetches every symbol with an active persistent subscriber
// and re-establishes the upstream trades stream for it under the system
// principal, even though no human subscriber may currently be
// connected. Intended to run once at startup.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	if o.persistent == nil {
		return nil
	}
	symbols, err := o.persistent.ActiveSymbols(ctx, false)
	if err != nil {
		return fmt.Errorf("orchestrator: rehydrate: fetch active symbols: %w", err)
	}
	for _, symbol := range symbols {
		if err := o.Subscribe(ctx, SystemPrincipal, symbol.String(), market.Trades); err != nil {
			o.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("rehydrate subscribe failed")
		}
	}
	return nil
}

// Snapshot returns the current candle buffer for symbol, or false if no
// aggregator exists for it.
func (o *Orchestrator) Snapshot(symbol market.Symbol) ([]candle.Entry, bool) {
	a, ok := o.Aggregator(symbol)
	if !ok {
		return nil, false
	}
	return a.Snapshot(), true
}

// SweepIdle removes aggregators that have had zero registry subscribers
// and no trade/bar/backfill activity for at least ttl. It is a no-op
// when ttl is zero (the default, matching the original service's
// "never evicts" behavior — see SPEC_FULL.md §8/§10). Buffered candles
// are not flushed before removal: everything through the last completed
// minute is already persisted.
func (o *Orchestrator) SweepIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	o.aggMu.Lock()
	defer o.aggMu.Unlock()

	removed := 0
	for symbol, a := range o.aggregators {
		if o.reg.Subscribed(symbol) {
			continue
		}
		if a.IdleSince() < ttl {
			continue
		}
		delete(o.aggregators, symbol)
		removed++
		o.log.Info().Str("symbol", symbol.String()).Msg("swept idle aggregator")
	}
	return removed
}

// CleanupStore trims the candle store down to daysToKeep of history
// relative to now, per spec.md §4.4's cleanup operation. A no-op when no
// store is configured.
func (o *Orchestrator) CleanupStore(ctx context.Context, daysToKeep int) (int64, error) {
	if o.candles == nil {
		return 0, nil
	}
	now := candle.Minute(time.Now().UTC().Unix())
	n, err := o.candles.Cleanup(ctx, daysToKeep, now)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: cleanup store: %w", err)
	}
	return n, nil
}

var _ UpstreamSender = (*upstream.Client)(nil)
