// Package config loads the process configuration from a .env file,
// environment variables, and defaults, layered through viper the way
// the rest of the pack wires cobra+viper together. CLI flag overrides
// are applied by the caller after Load returns.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully resolved, typed process configuration.
type Config struct {
	// HTTP server
	ListenAddr string

	// Upstream market-data provider
	UpstreamWSURL     string
	UpstreamAPIKeyID  string
	UpstreamSecretKey string
	UpstreamRESTURL   string

	// Candle store (DuckDB file)
	CandleStorePath string

	// Persistent subscription store (Postgres)
	PostgresDSN string

	// Auth
	JWTSigningKey string

	// Scheduling
	ActiveSymbolsCacheTTL time.Duration
	CleanupRetentionDays  int
	// AggregatorIdleTTL is the opt-in cold-aggregator eviction window.
	// Zero (the default) disables the sweep entirely.
	AggregatorIdleTTL time.Duration
}

// Load reads envPath (if it exists; a missing .env file is not an error)
// into the process environment, then layers environment variables and
// viper defaults into a Config. Keys are upper-snake-case with an
// MFEED_ prefix, e.g. MFEED_UPSTREAM_WS_URL.
func Load(envPath string) (Config, error) {
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
	}

	v := viper.New()
	v.SetEnvPrefix("MFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("upstream_ws_url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("upstream_rest_url", "https://data.alpaca.markets")
	v.SetDefault("candle_store_path", "data/candles.duckdb")
	v.SetDefault("active_symbols_cache_ttl", 60*time.Second)
	v.SetDefault("cleanup_retention_days", 30)
	v.SetDefault("aggregator_idle_ttl", time.Duration(0))

	cfg := Config{
		ListenAddr:            v.GetString("listen_addr"),
		UpstreamWSURL:         v.GetString("upstream_ws_url"),
		UpstreamAPIKeyID:      v.GetString("upstream_api_key_id"),
		UpstreamSecretKey:     v.GetString("upstream_secret_key"),
		UpstreamRESTURL:       v.GetString("upstream_rest_url"),
		CandleStorePath:       v.GetString("candle_store_path"),
		PostgresDSN:           v.GetString("postgres_dsn"),
		JWTSigningKey:         v.GetString("jwt_signing_key"),
		ActiveSymbolsCacheTTL: v.GetDuration("active_symbols_cache_ttl"),
		CleanupRetentionDays:  v.GetInt("cleanup_retention_days"),
		AggregatorIdleTTL:     v.GetDuration("aggregator_idle_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.UpstreamWSURL == "" {
		return fmt.Errorf("config: upstream_ws_url is required")
	}
	if c.UpstreamAPIKeyID == "" || c.UpstreamSecretKey == "" {
		return fmt.Errorf("config: upstream_api_key_id and upstream_secret_key are required")
	}
	return nil
}
