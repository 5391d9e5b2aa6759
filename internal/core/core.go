// Package core wires the data plane together at startup: the shared
// inbound event queue, the aggregator worker loop, the SSE broadcast
// loop, the upstream connection, and rehydration. It is the "Core"
// handle the rest of the process depends on, replacing the teacher's
// (and the original source's) scattered process-wide singletons with a
// single constructed-once value.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/aggregator"
	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/history"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/orchestrator"
	"github.com/yitech/marketfeed/internal/persist"
	"github.com/yitech/marketfeed/internal/registry"
	"github.com/yitech/marketfeed/internal/scheduler"
	"github.com/yitech/marketfeed/internal/sse"
	"github.com/yitech/marketfeed/internal/store"
	"github.com/yitech/marketfeed/internal/upstream"
)

const (
	inboundQueueCapacity = 500
	updatesQueueCapacity = 256
	shutdownGrace        = 10 * time.Second
	connectWait          = 15 * time.Second
	idleSweepInterval    = 5 * time.Minute
)

// Core bundles every long-lived component of the data plane.
type Core struct {
	Registry     *registry.Registry
	Upstream     *upstream.Client
	Orchestrator *orchestrator.Orchestrator
	Hub          *sse.Hub
	CandleStore  store.CandleStore
	Persistent   persist.SubscriptionStore
	Scheduler    *scheduler.Scheduler

	inbound chan upstream.Frame
	updates chan aggregator.Update
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MaintenanceConfig configures Core's periodic maintenance jobs, passed
// through to internal/scheduler. Zero values disable the corresponding
// job (no active-symbols refresh, no nightly cleanup, no idle sweep).
type MaintenanceConfig struct {
	ActiveSymbolsRefresh time.Duration
	CleanupRetentionDays int
	AggregatorIdleTTL    time.Duration
}

// New wires a Core from its leaf dependencies. candleStore, persistent,
// and historyClient may all be nil (no persistence, no rehydration
// source, no backfill, respectively) — every downstream component
// tolerates their absence.
func New(upCfg upstream.Config, candleStore store.CandleStore, persistent persist.SubscriptionStore, historyClient *history.Client, maint MaintenanceConfig, log zerolog.Logger) *Core {
	inbound := make(chan upstream.Frame, inboundQueueCapacity)
	updates := make(chan aggregator.Update, updatesQueueCapacity)

	reg := registry.New()
	up := upstream.New(upCfg, inbound, reg, log)
	orch := orchestrator.New(reg, up, persistent, candleStore, historyClient, updates, log)
	hub := sse.NewHub(orch, up, persistent, log)

	sched := scheduler.New(scheduler.Config{
		ActiveSymbolsRefresh: maint.ActiveSymbolsRefresh,
		CleanupRetentionDays: maint.CleanupRetentionDays,
		IdleSweepInterval:    idleSweepInterval,
		IdleTTL:              maint.AggregatorIdleTTL,
	}, orch, persistent, log)

	return &Core{
		Registry:     reg,
		Upstream:     up,
		Orchestrator: orch,
		Hub:          hub,
		CandleStore:  candleStore,
		Persistent:   persistent,
		Scheduler:    sched,
		inbound:      inbound,
		updates:      updates,
		log:          log.With().Str("component", "core").Logger(),
	}
}

// Run starts the upstream connection, the aggregator worker, and the
// SSE broadcast loop, waits for the first successful connect, rehydrates
// previously active symbols, then blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.Scheduler.Start()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.Hub.Run(ctx, c.updates)
	}()
	go func() {
		defer c.wg.Done()
		c.worker(ctx)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.Upstream.Run(ctx); err != nil {
			c.log.Error().Err(err).Msg("upstream connection terminated")
		}
	}()

	select {
	case <-c.Upstream.Ready():
		if err := c.Orchestrator.Rehydrate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("rehydration failed")
		}
	case <-time.After(connectWait):
		c.log.Warn().Msg("upstream did not connect in time; skipping rehydration for now")
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	return nil
}

// worker is the single consumer of the inbound frame queue: it
// preserves per-symbol ordering because exactly one goroutine ever
// touches it.
func (c *Core) worker(ctx context.Context) {
	for {
		select {
		case f, ok := <-c.inbound:
			if !ok {
				return
			}
			if f.IsShutdownSentinel() {
				return // see Shutdown
			}
			c.dispatch(f)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) dispatch(f upstream.Frame) {
	switch f.Kind {
	case upstream.KindTrade:
		symbol := market.NewSymbol(f.Trade.Symbol)
		agg, ok := c.Orchestrator.Aggregator(symbol)
		if !ok {
			return
		}
		agg.ProcessTrade(f.Trade.Price, f.Trade.Size, f.Trade.Timestamp, f.Trade.Conditions)
	case upstream.KindBar:
		symbol := market.NewSymbol(f.Bar.Symbol)
		agg, ok := c.Orchestrator.Aggregator(symbol)
		if !ok {
			return
		}
		minute, err := candle.ParseMinute(f.Bar.Timestamp)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("dropping bar with unparseable timestamp")
			return
		}
		agg.ProcessBar(aggregator.BarEvent{
			Minute: minute,
			Candle: candle.Candle{Open: f.Bar.Open, High: f.Bar.High, Low: f.Bar.Low, Close: f.Bar.Close, Volume: f.Bar.Volume},
		})
	case upstream.KindQuote, upstream.KindSuccess, upstream.KindError:
		// Quotes aren't folded into OHLCV candles; success/error frames are
		// handled inside the upstream connection manager itself.
	}
}

// Shutdown stops accepting new work, cancels the listener and worker,
// pushes a sentinel through the inbound queue so the worker loop exits
// even if it somehow isn't watching ctx, and closes the store/persistent
// connections.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	select {
	case c.inbound <- upstream.ShutdownSentinel():
	default:
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.log.Warn().Msg("shutdown timed out waiting for workers")
	case <-ctx.Done():
	}

	if c.CandleStore != nil {
		if err := c.CandleStore.Close(); err != nil {
			c.log.Warn().Err(err).Msg("candle store close failed")
		}
	}
	if c.Persistent != nil {
		if err := c.Persistent.Close(); err != nil {
			c.log.Warn().Err(err).Msg("persistent store close failed")
		}
	}
	return nil
}
