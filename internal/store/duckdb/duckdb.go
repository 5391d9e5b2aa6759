// Package duckdb adapts internal/store.CandleStore onto an embedded
// DuckDB file, the same storage engine and schema as the original
// service's database/duckdb_manager.py.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/store"
)

// Store is a DuckDB-backed store.CandleStore.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens (or creates) the
// DuckDB file at path, and ensures the ohlcv_1m/trades schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ohlcv_1m (
			symbol VARCHAR NOT NULL,
			minute_timestamp BIGINT NOT NULL,
			o DOUBLE NOT NULL,
			h DOUBLE NOT NULL,
			l DOUBLE NOT NULL,
			c DOUBLE NOT NULL,
			v DOUBLE NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, minute_timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ohlcv_1m_symbol_time
			ON ohlcv_1m (symbol, minute_timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			symbol VARCHAR NOT NULL,
			price DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			timestamp BIGINT NOT NULL,
			conditions VARCHAR[],
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("duckdb: create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertCandle(ctx context.Context, symbol market.Symbol, minute candle.Minute, c candle.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ohlcv_1m (symbol, minute_timestamp, o, h, l, c, v)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(symbol), int64(minute), c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("duckdb: upsert candle %s/%s: %w", symbol, minute, err)
	}
	return nil
}

func (s *Store) BulkUpsert(ctx context.Context, symbol market.Symbol, entries []candle.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: bulk upsert begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ohlcv_1m (symbol, minute_timestamp, o, h, l, c, v)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("duckdb: bulk upsert prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, string(symbol), int64(e.Minute),
			e.Candle.Open, e.Candle.High, e.Candle.Low, e.Candle.Close, e.Candle.Volume); err != nil {
			return fmt.Errorf("duckdb: bulk upsert %s/%s: %w", symbol, e.Minute, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetRecent(ctx context.Context, symbol market.Symbol, limit int) ([]candle.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT minute_timestamp, o, h, l, c, v FROM ohlcv_1m
		WHERE symbol = ? ORDER BY minute_timestamp DESC LIMIT ?`,
		string(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: get recent %s: %w", symbol, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// Caller-facing contract is ascending order; the query above fetched
	// DESC to apply LIMIT to the newest rows, so reverse in place.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) GetRange(ctx context.Context, symbol market.Symbol, from, to candle.Minute) ([]candle.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT minute_timestamp, o, h, l, c, v FROM ohlcv_1m
		WHERE symbol = ? AND minute_timestamp BETWEEN ? AND ?
		ORDER BY minute_timestamp ASC`,
		string(symbol), int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("duckdb: get range %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]candle.Entry, error) {
	var out []candle.Entry
	for rows.Next() {
		var m int64
		var c candle.Candle
		if err := rows.Scan(&m, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("duckdb: scan candle row: %w", err)
		}
		out = append(out, candle.Entry{Minute: candle.Minute(m), Candle: c})
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT symbol), COUNT(*), MIN(minute_timestamp), MAX(minute_timestamp)
		FROM ohlcv_1m`)
	var oldest, newest sql.NullInt64
	if err := row.Scan(&st.Symbols, &st.TotalRows, &oldest, &newest); err != nil {
		return store.Stats{}, fmt.Errorf("duckdb: stats: %w", err)
	}
	st.OldestMinute = candle.Minute(oldest.Int64)
	st.NewestMinute = candle.Minute(newest.Int64)
	return st, nil
}

func (s *Store) Count(ctx context.Context, symbol market.Symbol) (int64, error) {
	var n int64
	var err error
	if symbol == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ohlcv_1m`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ohlcv_1m WHERE symbol = ?`, string(symbol)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("duckdb: count: %w", err)
	}
	return n, nil
}

func (s *Store) Cleanup(ctx context.Context, daysToKeep int, from candle.Minute) (int64, error) {
	cutoff := int64(from) - int64(daysToKeep)*86400
	res, err := s.db.ExecContext(ctx, `DELETE FROM ohlcv_1m WHERE minute_timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("duckdb: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// safeSymbolFile matches the ticker characters we're willing to drop into
// a file name (and, defensively, a query string) unescaped: letters,
// digits, dot, and dash cover real tickers like BRK.A without opening the
// door to path traversal or SQL-fragment injection.
var safeSymbolFile = regexp.MustCompile(`^[A-Z0-9.-]+$`)

// Export copies symbol's full candle history to a parquet file under dir
// and returns the file's path, mirroring the original service's
// export_to_parquet tooling. The destination file name is derived from
// symbol, so symbol is validated against a closed charset first — DuckDB's
// COPY ... TO target isn't a bindable parameter, unlike the WHERE clause.
func (s *Store) Export(ctx context.Context, symbol market.Symbol, dir string) (string, error) {
	sym := symbol.String()
	if !safeSymbolFile.MatchString(sym) {
		return "", fmt.Errorf("duckdb: export %s: symbol contains unsupported characters", sym)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("duckdb: export %s: create dir: %w", sym, err)
	}

	out := filepath.Join(dir, fmt.Sprintf("%s_ohlcv.parquet", sym))
	query := fmt.Sprintf(`
		COPY (
			SELECT * FROM ohlcv_1m
			WHERE symbol = %s
			ORDER BY minute_timestamp
		) TO '%s' (FORMAT 'parquet')`, quoteLiteral(sym), out)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return "", fmt.Errorf("duckdb: export %s: %w", sym, err)
	}
	return out, nil
}

// quoteLiteral single-quotes a value already restricted to
// safeSymbolFile's charset, so no escaping of special characters is
// needed — COPY's subquery doesn't accept a bound parameter here, unlike
// the prepared-statement paths elsewhere in this file.
func quoteLiteral(s string) string {
	return "'" + s + "'"
}

func (s *Store) RecordTrade(ctx context.Context, symbol market.Symbol, price, size float64, ts candle.Minute, conditions []string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, price, volume, timestamp, conditions)
		VALUES (?, ?, ?, ?, ?)`,
		string(symbol), price, size, int64(ts), conditions)
	if err != nil {
		return fmt.Errorf("duckdb: record trade %s: %w", symbol, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

var (
	_ store.CandleStore   = (*Store)(nil)
	_ store.TradeRecorder = (*Store)(nil)
)
