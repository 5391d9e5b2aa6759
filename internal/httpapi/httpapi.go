// Package httpapi exposes the data plane over HTTP: subscription
// management, candle snapshots, an SSE stream, and a TradingView
// UDF-compatible charting surface, all routed with gorilla/mux the way
// the rest of the pack wires its HTTP trees.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/auth"
	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/orchestrator"
	"github.com/yitech/marketfeed/internal/persist"
	"github.com/yitech/marketfeed/internal/sse"
	"github.com/yitech/marketfeed/internal/store"
)

// Service is the name reported by GET /health.
const Service = "marketfeed"

// Server bundles the HTTP surface's dependencies and builds the router.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	hub          *sse.Hub
	persistent   persist.SubscriptionStore
	candles      store.CandleStore
	authn        *auth.Authenticator
	environment  string
	log          zerolog.Logger
}

// New constructs a Server. persistent and candles may be nil; endpoints
// that need them degrade to a documented best-effort response.
func New(orch *orchestrator.Orchestrator, hub *sse.Hub, persistent persist.SubscriptionStore, candles store.CandleStore, authn *auth.Authenticator, environment string, log zerolog.Logger) *Server {
	return &Server{
		orchestrator: orch,
		hub:          hub,
		persistent:   persistent,
		candles:      candles,
		authn:        authn,
		environment:  environment,
		log:          log.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the full gorilla/mux route tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/subscribe/{symbol}", s.authenticated(s.handleSubscribe)).Methods(http.MethodPost)
	r.HandleFunc("/api/subscribe/{symbol}", s.authenticated(s.handleUnsubscribe)).Methods(http.MethodDelete)
	r.HandleFunc("/api/subscriptions", s.authenticated(s.handleSubscriptions)).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot/{symbol}", s.authenticated(s.handleSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/stream/{symbol}", s.authenticated(s.handleStream)).Methods(http.MethodGet)

	r.HandleFunc("/api/tradingview/config", s.handleTradingViewConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/tradingview/symbol_info", s.handleTradingViewSymbolInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/tradingview/history", s.handleTradingViewHistory).Methods(http.MethodGet)

	return r
}

// authenticated wraps h so it only runs once a bearer token has resolved
// to a principal, which is passed to h as its third argument.
func (s *Server) authenticated(h func(http.ResponseWriter, *http.Request, market.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authn.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, principal)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"service":     Service,
		"environment": s.environment,
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, principal market.Principal) {
	symbol := market.NewSymbol(mux.Vars(r)["symbol"])

	if err := s.orchestrator.Subscribe(r.Context(), principal, symbol.String(), market.Trades); err != nil {
		if errors.Is(err, orchestrator.ErrSymbolCapExceeded) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	count := s.subscriberCount(r.Context(), symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "subscribed",
		"symbol":            symbol.String(),
		"subscriber_count":  count,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, principal market.Principal) {
	symbol := market.NewSymbol(mux.Vars(r)["symbol"])

	if err := s.orchestrator.Unsubscribe(r.Context(), principal, symbol.String(), market.Trades); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	count := s.subscriberCount(r.Context(), symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "unsubscribed",
		"symbol":               symbol.String(),
		"remaining_subscribers": count,
	})
}

func (s *Server) subscriberCount(ctx context.Context, symbol market.Symbol) int {
	if s.persistent == nil {
		return 0
	}
	count, err := s.persistent.SubscriberCount(ctx, symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("subscriber count lookup failed")
		return 0
	}
	return count
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, principal market.Principal) {
	if s.persistent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"symbols": []string{}, "count": 0})
		return
	}
	symbols, err := s.persistent.UserSubscriptions(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]string, len(symbols))
	for i, sym := range symbols {
		out[i] = sym.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": out, "count": len(out)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, principal market.Principal) {
	symbol := market.NewSymbol(mux.Vars(r)["symbol"])

	agg, ok := s.orchestrator.Aggregator(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not subscribed")
		return
	}

	candles := candleMap(agg.Snapshot())

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":           symbol.String(),
		"candles":          candles,
		"update_timestamp": time.Now().UTC(),
		"is_initial":       true,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, principal market.Principal) {
	symbol := market.NewSymbol(mux.Vars(r)["symbol"])

	slot, err := s.hub.Open(symbol, principal)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer s.hub.Close(slot)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case update, ok := <-slot.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(streamEvent{
				Symbol:          update.Symbol.String(),
				Candles:         candleMap(update.Candles),
				UpdateTimestamp: update.UpdateTimestamp,
				IsInitial:       update.IsInitial,
			})
			if err != nil {
				s.log.Warn().Err(err).Msg("stream: marshal update failed")
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-slot.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

type streamEvent struct {
	Symbol          string                        `json:"symbol"`
	Candles         map[string]map[string]float64 `json:"candles"`
	UpdateTimestamp time.Time                      `json:"update_timestamp"`
	IsInitial       bool                           `json:"is_initial"`
}

func candleMap(entries []candle.Entry) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(entries))
	for _, e := range entries {
		out[e.Minute.String()] = map[string]float64{
			"o": e.Candle.Open,
			"h": e.Candle.High,
			"l": e.Candle.Low,
			"c": e.Candle.Close,
			"v": e.Candle.Volume,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
