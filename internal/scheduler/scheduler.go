// Package scheduler runs the process's periodic maintenance jobs:
// keeping the persistent active-symbols cache warm, nightly candle-store
// retention cleanup, and an opt-in cold-aggregator sweep. None of these
// sit on the hot trade/bar path; all of them are safe to skip a beat on.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/orchestrator"
	"github.com/yitech/marketfeed/internal/persist"
)

// Config controls which jobs Scheduler registers and on what cadence.
type Config struct {
	// ActiveSymbolsRefresh is how often the persistent active-symbols
	// cache is force-refreshed. Zero disables the job (no persistent
	// store configured).
	ActiveSymbolsRefresh time.Duration

	// CleanupRetentionDays is passed to CleanupStore by a job that runs
	// nightly at 02:00. Zero disables the job.
	CleanupRetentionDays int

	// IdleSweepInterval is how often SweepIdle runs. Zero disables the
	// sweep outright (the default — matching the original service's
	// "never evicts" behavior).
	IdleSweepInterval time.Duration
	IdleTTL           time.Duration
}

// Scheduler owns a cron instance wired to the orchestrator and the
// persistent store's cache-refresh path.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New builds a Scheduler and registers every job Config enables. It does
// not start anything — call Start.
func New(cfg Config, orch *orchestrator.Orchestrator, persistent persist.SubscriptionStore, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}

	if persistent != nil && cfg.ActiveSymbolsRefresh > 0 {
		s.everyFunc(cfg.ActiveSymbolsRefresh, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := persistent.ActiveSymbols(ctx, false); err != nil {
				s.log.Warn().Err(err).Msg("active symbols cache refresh failed")
			}
		})
	}

	if cfg.CleanupRetentionDays > 0 {
		_, err := s.cron.AddFunc("0 2 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := orch.CleanupStore(ctx, cfg.CleanupRetentionDays)
			if err != nil {
				s.log.Warn().Err(err).Msg("nightly cleanup failed")
				return
			}
			s.log.Info().Int64("rows_deleted", n).Msg("nightly cleanup complete")
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to register cleanup job")
		}
	}

	if cfg.IdleSweepInterval > 0 && cfg.IdleTTL > 0 {
		s.everyFunc(cfg.IdleSweepInterval, func() {
			n := orch.SweepIdle(cfg.IdleTTL)
			if n > 0 {
				s.log.Info().Int("removed", n).Msg("idle aggregator sweep")
			}
		})
	}

	return s
}

// everyFunc registers job on an "@every <interval>" cron schedule.
func (s *Scheduler) everyFunc(interval time.Duration, job func()) {
	_, err := s.cron.AddFunc("@every "+interval.String(), job)
	if err != nil {
		s.log.Warn().Err(err).Dur("interval", interval).Msg("failed to register scheduled job")
	}
}

// Start begins running registered jobs in cron's own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight job finishes, then halts the
// scheduler. Safe to call even if Start was never called.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
