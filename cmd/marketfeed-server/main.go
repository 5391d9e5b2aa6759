// Command marketfeed-server is the process entrypoint: it loads
// configuration, wires internal/core's data plane, serves internal/httpapi,
// and shuts both down gracefully on SIGINT/SIGTERM. Adapted from the
// teacher's cmd/srv (gRPC listener) to an HTTP/SSE listener, per
// DESIGN.md's cmd/ adaptation notes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yitech/marketfeed/internal/auth"
	"github.com/yitech/marketfeed/internal/config"
	"github.com/yitech/marketfeed/internal/core"
	"github.com/yitech/marketfeed/internal/history"
	"github.com/yitech/marketfeed/internal/httpapi"
	"github.com/yitech/marketfeed/internal/persist"
	"github.com/yitech/marketfeed/internal/persist/postgres"
	"github.com/yitech/marketfeed/internal/store/duckdb"
	"github.com/yitech/marketfeed/internal/upstream"
)

const shutdownTimeout = 15 * time.Second

var envFile string

func main() {
	root := &cobra.Command{
		Use:   "marketfeed-server",
		Short: "Serves real-time equities market data over HTTP/SSE",
		RunE:  run,
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file (optional)")
	root.Flags().String("listen-addr", "", "override MFEED_LISTEN_ADDR")
	_ = viper.BindPFlag("listen_addr_flag", root.Flags().Lookup("listen-addr"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("marketfeed-server: load config: %w", err)
	}
	if override := viper.GetString("listen_addr_flag"); override != "" {
		cfg.ListenAddr = override
	}

	candleStore, err := duckdb.Open(cfg.CandleStorePath)
	if err != nil {
		return fmt.Errorf("marketfeed-server: open candle store: %w", err)
	}

	var persistentStore *postgres.Store
	if cfg.PostgresDSN != "" {
		persistentStore, err = postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("marketfeed-server: open persistent store: %w", err)
		}
	}

	historyClient := history.NewClient(cfg.UpstreamRESTURL, cfg.UpstreamAPIKeyID, cfg.UpstreamSecretKey, log)

	upCfg := upstream.Config{
		WSURL:     cfg.UpstreamWSURL,
		KeyID:     cfg.UpstreamAPIKeyID,
		SecretKey: cfg.UpstreamSecretKey,
	}

	maint := core.MaintenanceConfig{
		ActiveSymbolsRefresh: cfg.ActiveSymbolsCacheTTL,
		CleanupRetentionDays: cfg.CleanupRetentionDays,
		AggregatorIdleTTL:    cfg.AggregatorIdleTTL,
	}
	c := core.New(upCfg, candleStore, persistentStoreOrNil(persistentStore), historyClient, maint, log)

	authn := auth.New(jwtKeyfunc(cfg.JWTSigningKey))
	httpSrv := httpapi.New(c.Orchestrator, c.Hub, persistentStoreOrNil(persistentStore), candleStore, authn, "production", log)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpSrv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := c.Run(ctx); err != nil {
			log.Error().Err(err).Msg("core terminated")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("marketfeed-server: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server terminated")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("marketfeed-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("core shutdown error")
	}
	return nil
}

// persistentStoreOrNil returns a nil persist.SubscriptionStore interface
// when store is a nil *postgres.Store — returning store directly would
// produce a non-nil interface wrapping a nil pointer, breaking every
// `if s.persistent != nil` check downstream.
func persistentStoreOrNil(store *postgres.Store) persist.SubscriptionStore {
	if store == nil {
		return nil
	}
	return store
}

// jwtKeyfunc returns a jwt.Keyfunc backed by a static HMAC signing key, the
// simplest verification policy this service supports out of the box.
func jwtKeyfunc(key string) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}
}
