package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketfeed/internal/aggregator"
	"github.com/yitech/marketfeed/internal/auth"
	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/orchestrator"
	"github.com/yitech/marketfeed/internal/registry"
	"github.com/yitech/marketfeed/internal/sse"
	"github.com/yitech/marketfeed/internal/store"
)

var testKey = []byte("httpapi-test-key")

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return signed
}

func testAuthenticator() *auth.Authenticator {
	return auth.New(func(*jwt.Token) (interface{}, error) { return testKey, nil })
}

type fakeUpstream struct{}

func (fakeUpstream) SendSubscribe(market.Symbol, market.SubscriptionType) error   { return nil }
func (fakeUpstream) SendUnsubscribe(market.Symbol, market.SubscriptionType) error { return nil }

type fakePersist struct {
	mu    sync.Mutex
	count int
}

func (f *fakePersist) Subscribe(context.Context, market.Principal, market.Symbol) error   { return nil }
func (f *fakePersist) Unsubscribe(context.Context, market.Principal, market.Symbol) error { return nil }
func (f *fakePersist) UserSubscriptions(context.Context, market.Principal) ([]market.Symbol, error) {
	return []market.Symbol{market.NewSymbol("AAPL")}, nil
}
func (f *fakePersist) ActiveSymbols(context.Context, bool) ([]market.Symbol, error) { return nil, nil }
func (f *fakePersist) SubscriberCount(context.Context, market.Symbol) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}
func (f *fakePersist) CanUnsubscribeFromUpstream(context.Context, market.Symbol) (bool, error) {
	return true, nil
}
func (f *fakePersist) Close() error { return nil }

type fakeCandleStore struct {
	entries []candle.Entry
}

func (f *fakeCandleStore) UpsertCandle(context.Context, market.Symbol, candle.Minute, candle.Candle) error {
	return nil
}
func (f *fakeCandleStore) BulkUpsert(context.Context, market.Symbol, []candle.Entry) error { return nil }
func (f *fakeCandleStore) GetRecent(context.Context, market.Symbol, int) ([]candle.Entry, error) {
	return f.entries, nil
}
func (f *fakeCandleStore) GetRange(ctx context.Context, symbol market.Symbol, from, to candle.Minute) ([]candle.Entry, error) {
	var out []candle.Entry
	for _, e := range f.entries {
		if e.Minute >= from && e.Minute <= to {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeCandleStore) Stats(context.Context) (store.Stats, error) { return store.Stats{}, nil }
func (f *fakeCandleStore) Count(context.Context, market.Symbol) (int64, error) {
	return int64(len(f.entries)), nil
}
func (f *fakeCandleStore) Export(context.Context, market.Symbol, string) (string, error) {
	return "", nil
}
func (f *fakeCandleStore) Cleanup(context.Context, int, candle.Minute) (int64, error) { return 0, nil }
func (f *fakeCandleStore) Close() error                                              { return nil }

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator, *fakePersist) {
	t.Helper()
	reg := registry.New()
	persistent := &fakePersist{}
	updates := make(chan aggregator.Update, 16)
	orch := orchestrator.New(reg, fakeUpstream{}, persistent, nil, nil, updates, zerolog.Nop())
	hub := sse.NewHub(orch, fakeUpstream{}, persistent, zerolog.Nop())
	go hub.Run(context.Background(), updates)

	srv := New(orch, hub, persistent, nil, testAuthenticator(), "test", zerolog.Nop())
	return srv, orch, persistent
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Service, body["service"])
}

func TestHandleSubscribe_RequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe/AAPL", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSubscribe_CreatesSubscription(t *testing.T) {
	srv, orch, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe/aapl", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := orch.Aggregator(market.NewSymbol("AAPL"))
	assert.True(t, ok)
}

func TestHandleUnsubscribe(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := "Bearer " + signToken(t, "alice")

	subReq := httptest.NewRequest(http.MethodPost, "/api/subscribe/AAPL", nil)
	subReq.Header.Set("Authorization", token)
	srv.Router().ServeHTTP(httptest.NewRecorder(), subReq)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/subscribe/AAPL", nil)
	delReq.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, delReq)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSnapshot_NotFoundWhenUnsubscribed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot/AAPL", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSnapshot_ReturnsCandles(t *testing.T) {
	srv, orch, _ := newTestServer(t)
	require.NoError(t, orch.Subscribe(context.Background(), "alice", "AAPL", market.Trades))

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot/AAPL", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body["symbol"])
}

func TestHandleStream_DeliversInitialSnapshot(t *testing.T) {
	srv, orch, _ := newTestServer(t)
	require.NoError(t, orch.Subscribe(context.Background(), "alice", "AAPL", market.Trades))

	req := httptest.NewRequest(http.MethodGet, "/stream/AAPL?token="+signToken(t, "alice"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	rec := newFlushRecorder()
	done := make(chan struct{})
	go func() {
		srv.Router().ServeHTTP(rec, req)
		rec.pw.Close()
		close(done)
	}()

	scanner := bufio.NewScanner(rec.reader())
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var evt streamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
			assert.Equal(t, "AAPL", evt.Symbol)
			assert.True(t, evt.IsInitial)
			found = true
			cancel()
			break
		}
	}
	<-done
	assert.True(t, found)
}

func TestHandleTradingViewConfig(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tradingview/config", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["supports_time"])
}

func TestHandleTradingViewSymbolInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tradingview/symbol_info?symbol=AAPL", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body["name"])
}

func TestHandleTradingViewHistory_NoData(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tradingview/history?symbol=NONE&from_ts=0&to_ts=1", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body tradingViewHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no_data", body.Status)
}

func TestHandleTradingViewHistory_WithData(t *testing.T) {
	reg := registry.New()
	persistent := &fakePersist{}
	updates := make(chan aggregator.Update, 16)
	orch := orchestrator.New(reg, fakeUpstream{}, persistent, nil, nil, updates, zerolog.Nop())
	hub := sse.NewHub(orch, fakeUpstream{}, persistent, zerolog.Nop())
	candleStore := &fakeCandleStore{entries: []candle.Entry{
		{Minute: candle.Minute(100), Candle: candle.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}},
		{Minute: candle.Minute(160), Candle: candle.Candle{Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 20}},
	}}
	srv := New(orch, hub, persistent, candleStore, testAuthenticator(), "test", zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/tradingview/history?symbol=AAPL&from_ts="+
		strconv.Itoa(0)+"&to_ts="+strconv.Itoa(200), nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body tradingViewHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Len(t, body.T, 2)
}

// flushRecorder is a minimal http.ResponseWriter + http.Flusher backed by
// an io.Pipe, letting the SSE handler test read streamed chunks as they
// are flushed instead of waiting for the handler to return. Closing the
// pipe (once the handler goroutine exits) unblocks any pending Read with
// io.EOF rather than hanging the test.
type flushRecorder struct {
	header http.Header
	code   int
	pw     *io.PipeWriter
	pr     *io.PipeReader
}

func newFlushRecorder() *flushRecorder {
	pr, pw := io.Pipe()
	return &flushRecorder{header: http.Header{}, pw: pw, pr: pr}
}

func (f *flushRecorder) Header() http.Header          { return f.header }
func (f *flushRecorder) Write(b []byte) (int, error)  { return f.pw.Write(b) }
func (f *flushRecorder) WriteHeader(code int)         { f.code = code }
func (f *flushRecorder) Flush()                       {}
func (f *flushRecorder) reader() *bufio.Reader        { return bufio.NewReader(f.pr) }
