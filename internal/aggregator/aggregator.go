// Package aggregator folds individual trades and server-provided bars into
// minute-aligned OHLCV candles, one Aggregator per symbol.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/store"
)

// Update is the event an Aggregator emits after every trade, bar, or
// history load. Delta updates carry the two most recent candles;
// initial updates (one per new SSE slot, and once per symbol after
// backfill) carry the whole buffer.
type Update struct {
	Symbol          market.Symbol
	Candles         []candle.Entry
	UpdateTimestamp time.Time
	IsInitial       bool
}

// BarEvent is a complete server-provided bar, already minute-keyed at the
// wire boundary by upstream/history.
type BarEvent struct {
	Minute candle.Minute
	Candle candle.Candle
}

// Aggregator owns the candle buffer for exactly one symbol. Created lazily
// on first subscription; never destroyed for the lifetime of the process
// (see internal/orchestrator for the opt-in TTL sweep that is the one
// exception, per SPEC_FULL.md §8).
type Aggregator struct {
	symbol  market.Symbol
	updates chan<- Update
	store   store.CandleStore // nil-able: absence just skips persistence
	log     zerolog.Logger

	mu         sync.Mutex
	buf        *candle.Buffer
	lastActive time.Time
}

// New constructs an Aggregator for symbol. updates is the shared channel
// the SSE fan-out consumes from (see internal/sse); st may be nil.
func New(symbol market.Symbol, updates chan<- Update, st store.CandleStore, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		symbol:     symbol,
		updates:    updates,
		store:      st,
		log:        log.With().Str("component", "aggregator").Str("symbol", symbol.String()).Logger(),
		buf:        candle.NewBuffer(candle.MaxCandles),
		lastActive: time.Now().UTC(),
	}
}

// IdleSince returns how long it has been since this aggregator last
// processed a trade, bar, or history load — used by the opt-in
// cold-aggregator sweep (see internal/orchestrator.SweepIdle).
func (a *Aggregator) IdleSince() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActive)
}

// ProcessTrade folds one trade into the current minute. Invalid trades
// (non-positive price/size, unparseable timestamp) are discarded silently,
// matching spec.md §3/§7 — the caller never receives an error it needs to
// surface to an end user for this path.
func (a *Aggregator) ProcessTrade(price, size float64, ts string, conditions []string) {
	if price <= 0 || size <= 0 {
		return
	}
	minute, err := candle.ParseMinute(ts)
	if err != nil {
		a.log.Debug().Err(err).Str("ts", ts).Msg("discarding trade with unparseable timestamp")
		return
	}

	a.mu.Lock()
	isNewMinute := a.buf.UpdateTrade(minute, price, size)
	var toPersist *candle.Entry
	if isNewMinute && a.buf.Len() > 1 {
		entries := a.buf.Latest(2)
		prev := entries[0]
		toPersist = &prev
	}
	a.lastActive = time.Now().UTC()
	delta := a.deltaLocked()
	a.mu.Unlock()

	if toPersist != nil && a.store != nil {
		a.persistAsync(*toPersist)
	}
	if rec, ok := a.store.(store.TradeRecorder); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rec.RecordTrade(ctx, a.symbol, price, size, minute, conditions); err != nil {
				a.log.Debug().Err(err).Msg("trade audit record failed")
			}
		}()
	}
	a.publish(delta)
}

// ProcessBar absorbs a complete server-side bar: it overwrites whatever is
// at that minute (bars are authoritative over trade-built candles) and is
// persisted immediately, since a closed bar has no "previous incomplete
// minute" ambiguity.
func (a *Aggregator) ProcessBar(bar BarEvent) {
	a.mu.Lock()
	a.buf.Set(bar.Minute, bar.Candle)
	a.lastActive = time.Now().UTC()
	delta := a.deltaLocked()
	a.mu.Unlock()

	if a.store != nil {
		a.persistAsync(candle.Entry{Minute: bar.Minute, Candle: bar.Candle})
	}
	a.publish(delta)
}

// LoadHistory bulk-inserts backfilled entries (live data always wins on
// conflict) and emits a single initial snapshot of the whole buffer. If
// anything was actually inserted and a store is configured, the inserted
// subset is persisted off the critical path.
func (a *Aggregator) LoadHistory(entries []candle.Entry) {
	a.mu.Lock()
	inserted := a.buf.BulkInsert(entries)
	a.lastActive = time.Now().UTC()
	initial := a.snapshotLocked()
	a.mu.Unlock()

	if len(inserted) > 0 && a.store != nil {
		go func() {
			if err := a.store.BulkUpsert(context.Background(), a.symbol, inserted); err != nil {
				a.log.Warn().Err(err).Msg("history backfill: bulk upsert failed")
			}
		}()
	}
	a.publish(initial)
}

// Snapshot returns every candle currently buffered, in chronological
// order — used to seed a new SSE connection.
func (a *Aggregator) Snapshot() []candle.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.All()
}

func (a *Aggregator) deltaLocked() Update {
	return Update{
		Symbol:          a.symbol,
		Candles:         a.buf.Latest(2),
		UpdateTimestamp: time.Now().UTC(),
		IsInitial:       false,
	}
}

func (a *Aggregator) snapshotLocked() Update {
	return Update{
		Symbol:          a.symbol,
		Candles:         a.buf.All(),
		UpdateTimestamp: time.Now().UTC(),
		IsInitial:       true,
	}
}

func (a *Aggregator) publish(u Update) {
	if a.updates == nil {
		return
	}
	a.updates <- u
}

func (a *Aggregator) persistAsync(e candle.Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.store.UpsertCandle(ctx, a.symbol, e.Minute, e.Candle); err != nil {
			a.log.Warn().Err(err).Str("minute", e.Minute.String()).Msg("candle persist failed")
		}
	}()
}

// Symbol returns the symbol this aggregator owns.
func (a *Aggregator) Symbol() market.Symbol { return a.symbol }
