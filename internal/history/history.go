// Package history backfills a symbol's recent minute bars from the
// streaming provider's REST endpoint, using a fetch-then-parse shape
// retargeted at the Alpaca-shaped bars endpoint. Each backfill issues a
// single request; the response's next_page_token is not followed.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
)

const (
	lookback  = 7 * 24 * time.Hour
	rowLimit  = 10_000
	feedTag   = "iex"
	timeout   = 30 * time.Second
	timeframe = "1Min"
)

// Loader receives the backfilled entries; satisfied by *aggregator.Aggregator.
type Loader interface {
	LoadHistory(entries []candle.Entry)
}

// Client fetches recent minute bars over HTTP and feeds them to a Loader.
// Backfill is best-effort: every failure mode is logged and swallowed so
// the caller's aggregator stays usable on live data alone.
type Client struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	secretKey  string
	log        zerolog.Logger
}

// NewClient builds a history Client against baseURL (e.g.
// "https://data.alpaca.markets") using the same key/secret pair as the
// streaming connection.
func NewClient(baseURL, keyID, secretKey string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		keyID:      keyID,
		secretKey:  secretKey,
		log:        log.With().Str("component", "history").Logger(),
	}
}

// barsResponse mirrors the provider's bars REST payload.
type barsResponse struct {
	Bars []struct {
		T  string  `json:"t"`
		O  float64 `json:"o"`
		H  float64 `json:"h"`
		L  float64 `json:"l"`
		C  float64 `json:"c"`
		V  float64 `json:"v"`
		N  int64   `json:"n"`
		VW float64 `json:"vw"`
	} `json:"bars"`
	Symbol        string `json:"symbol"`
	NextPageToken string `json:"next_page_token"`
}

// Backfill fetches the last 7 days of minute bars for symbol (capped at
// 10,000 rows) and feeds the parsed entries to loader.LoadHistory. Any
// HTTP 4xx/5xx, network error, timeout, or empty/null payload is logged
// and swallowed — it never returns an error the caller must act on.
// Intended to run as a detached goroutine, triggered once per symbol on
// aggregator creation.
func (c *Client) Backfill(ctx context.Context, symbol market.Symbol, loader Loader) {
	entries, err := c.fetch(ctx, symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("history backfill failed")
		return
	}
	if len(entries) == 0 {
		c.log.Debug().Str("symbol", symbol.String()).Msg("history backfill returned no data")
		return
	}
	loader.LoadHistory(entries)
}

func (c *Client) fetch(ctx context.Context, symbol market.Symbol) ([]candle.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	start := now.Add(-lookback)

	u, err := url.Parse(fmt.Sprintf("%s/v2/stocks/%s/bars", c.baseURL, symbol.String()))
	if err != nil {
		return nil, fmt.Errorf("history: parse url: %w", err)
	}
	q := u.Query()
	q.Set("timeframe", timeframe)
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", now.Format(time.RFC3339))
	q.Set("limit", fmt.Sprintf("%d", rowLimit))
	q.Set("adjustment", "raw")
	q.Set("feed", feedTag)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: unexpected status %s", resp.Status)
	}

	var body barsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("history: decode response: %w", err)
	}
	if body.Bars == nil {
		return nil, nil
	}

	entries := make([]candle.Entry, 0, len(body.Bars))
	for i, b := range body.Bars {
		minute, err := candle.ParseMinute(b.T)
		if err != nil {
			return nil, fmt.Errorf("history: bar[%d] timestamp: %w", i, err)
		}
		entries = append(entries, candle.Entry{
			Minute: minute,
			Candle: candle.Candle{Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V},
		})
	}
	return entries, nil
}
