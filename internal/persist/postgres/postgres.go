// Package postgres adapts internal/persist.SubscriptionStore onto
// PostgreSQL, porting the original service's
// database/subscription_manager.py (upsert/soft-delete/60s-TTL-cached
// "active symbols" view) onto a plain `user_subscriptions` table in
// place of its original Supabase REST client.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/persist"
)

const activeSymbolsTTL = 60 * time.Second

// Store is a PostgreSQL-backed persist.SubscriptionStore.
type Store struct {
	db *sql.DB

	cacheMu       sync.Mutex
	cachedSymbols []market.Symbol
	cachedAt      time.Time
}

// Open connects to dsn and ensures the user_subscriptions schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_subscriptions (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, symbol)
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// Subscribe inserts or reactivates principal's subscription to symbol.
func (s *Store) Subscribe(ctx context.Context, principal market.Principal, symbol market.Symbol) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_subscriptions (user_id, symbol, is_active, last_active_at)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (user_id, symbol) DO UPDATE
		SET is_active = TRUE, last_active_at = now()`,
		string(principal), symbol.String())
	if err != nil {
		return fmt.Errorf("postgres: subscribe %s/%s: %w", principal, symbol, err)
	}
	s.invalidateCache()
	return nil
}

// Unsubscribe soft-deletes principal's subscription to symbol.
func (s *Store) Unsubscribe(ctx context.Context, principal market.Principal, symbol market.Symbol) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_subscriptions SET is_active = FALSE, last_active_at = now()
		WHERE user_id = $1 AND symbol = $2`,
		string(principal), symbol.String())
	if err != nil {
		return fmt.Errorf("postgres: unsubscribe %s/%s: %w", principal, symbol, err)
	}
	s.invalidateCache()
	return nil
}

// UserSubscriptions returns principal's active symbols, most recently
// active first.
func (s *Store) UserSubscriptions(ctx context.Context, principal market.Principal) ([]market.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol FROM user_subscriptions
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY last_active_at DESC`,
		string(principal))
	if err != nil {
		return nil, fmt.Errorf("postgres: user subscriptions %s: %w", principal, err)
	}
	defer rows.Close()

	var out []market.Symbol
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan user subscription row: %w", err)
		}
		out = append(out, market.NewSymbol(raw))
	}
	return out, rows.Err()
}

// ActiveSymbols returns every symbol with at least one active
// subscriber, served from a 60s cache unless useCache is false.
func (s *Store) ActiveSymbols(ctx context.Context, useCache bool) ([]market.Symbol, error) {
	if useCache {
		s.cacheMu.Lock()
		if !s.cachedAt.IsZero() && time.Since(s.cachedAt) < activeSymbolsTTL {
			cached := s.cachedSymbols
			s.cacheMu.Unlock()
			return cached, nil
		}
		s.cacheMu.Unlock()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM user_subscriptions WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active symbols: %w", err)
	}
	defer rows.Close()

	var out []market.Symbol
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan active symbol row: %w", err)
		}
		out = append(out, market.NewSymbol(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cachedSymbols = out
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()
	return out, nil
}

// SubscriberCount returns the number of active subscribers for symbol.
func (s *Store) SubscriberCount(ctx context.Context, symbol market.Symbol) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_subscriptions WHERE symbol = $1 AND is_active = TRUE`,
		symbol.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: subscriber count %s: %w", symbol, err)
	}
	return n, nil
}

// CanUnsubscribeFromUpstream reports whether symbol has no active
// subscribers left.
func (s *Store) CanUnsubscribeFromUpstream(ctx context.Context, symbol market.Symbol) (bool, error) {
	n, err := s.SubscriberCount(ctx, symbol)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cachedSymbols = nil
	s.cachedAt = time.Time{}
	s.cacheMu.Unlock()
}

func (s *Store) Close() error { return s.db.Close() }

var _ persist.SubscriptionStore = (*Store)(nil)
