package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	upserts []candle.Entry
}

func (f *fakeStore) UpsertCandle(_ context.Context, _ market.Symbol, minute candle.Minute, c candle.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, candle.Entry{Minute: minute, Candle: c})
	return nil
}
func (f *fakeStore) BulkUpsert(_ context.Context, _ market.Symbol, entries []candle.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entries...)
	return nil
}
func (f *fakeStore) GetRecent(context.Context, market.Symbol, int) ([]candle.Entry, error) {
	return nil, nil
}
func (f *fakeStore) GetRange(context.Context, market.Symbol, candle.Minute, candle.Minute) ([]candle.Entry, error) {
	return nil, nil
}
func (f *fakeStore) Stats(context.Context) (store.Stats, error) { return store.Stats{}, nil }
func (f *fakeStore) Count(context.Context, market.Symbol) (int64, error) { return 0, nil }
func (f *fakeStore) Export(context.Context, market.Symbol, string) (string, error) {
	return "", nil
}
func (f *fakeStore) Cleanup(context.Context, int, candle.Minute) (int64, error) { return 0, nil }
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) snapshot() []candle.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]candle.Entry, len(f.upserts))
	copy(out, f.upserts)
	return out
}

var _ store.CandleStore = (*fakeStore)(nil)

func TestProcessTrade_CandleInvariant(t *testing.T) {
	updates := make(chan Update, 10)
	a := New(market.NewSymbol("aapl"), updates, nil, zerolog.Nop())

	a.ProcessTrade(150.0, 100, "2022-01-01T00:00:10Z", nil)
	a.ProcessTrade(155.0, 50, "2022-01-01T00:00:20Z", nil)
	a.ProcessTrade(148.0, 75, "2022-01-01T00:00:30Z", nil)
	a.ProcessTrade(152.0, 25, "2022-01-01T00:00:40Z", nil)

	snap := a.Snapshot()
	require.Len(t, snap, 1)
	c := snap[0].Candle
	assert.Equal(t, 150.0, c.Open)
	assert.Equal(t, 155.0, c.High)
	assert.Equal(t, 148.0, c.Low)
	assert.Equal(t, 152.0, c.Close)
	assert.Equal(t, 250.0, c.Volume)
}

func TestProcessTrade_DiscardsInvalid(t *testing.T) {
	updates := make(chan Update, 10)
	a := New(market.NewSymbol("AAPL"), updates, nil, zerolog.Nop())

	a.ProcessTrade(0, 100, "2022-01-01T00:00:10Z", nil)
	a.ProcessTrade(100, 0, "2022-01-01T00:00:10Z", nil)
	a.ProcessTrade(100, 1, "not-a-timestamp", nil)

	assert.Empty(t, a.Snapshot())
}

func TestProcessTrade_RolloverPersistsPreviousMinuteOnce(t *testing.T) {
	updates := make(chan Update, 10)
	st := &fakeStore{}
	a := New(market.NewSymbol("AAPL"), updates, st, zerolog.Nop())

	a.ProcessTrade(100, 1, "2022-01-01T00:00:59Z", nil)
	a.ProcessTrade(101, 1, "2022-01-01T00:01:05Z", nil)

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, st.snapshot(), 1)
}

func TestProcessBar_OverwritesAndPersistsImmediately(t *testing.T) {
	updates := make(chan Update, 10)
	st := &fakeStore{}
	a := New(market.NewSymbol("AAPL"), updates, st, zerolog.Nop())

	minute, err := candle.ParseMinute("2022-01-01T00:00:00Z")
	require.NoError(t, err)
	a.ProcessBar(BarEvent{Minute: minute, Candle: candle.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}})

	u := <-updates
	assert.False(t, u.IsInitial)
	require.Len(t, u.Candles, 1)
	assert.Equal(t, 2.0, u.Candles[0].Candle.High)

	require.Eventually(t, func() bool { return len(st.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoadHistory_LiveDataWinsAndEmitsInitial(t *testing.T) {
	updates := make(chan Update, 10)
	a := New(market.NewSymbol("AAPL"), updates, nil, zerolog.Nop())

	m, err := candle.ParseMinute("2022-01-01T00:00:00Z")
	require.NoError(t, err)
	a.ProcessTrade(100, 1, "2022-01-01T00:00:00Z", nil)

	a.LoadHistory([]candle.Entry{
		{Minute: m, Candle: candle.Candle{Open: 999, High: 999, Low: 999, Close: 999}},
		{Minute: m + 60, Candle: candle.Candle{Open: 5, High: 5, Low: 5, Close: 5}},
	})

	// First update (from the trade) is a delta.
	first := <-updates
	assert.False(t, first.IsInitial)

	second := <-updates
	assert.True(t, second.IsInitial)
	require.Len(t, second.Candles, 2)
	assert.Equal(t, 100.0, second.Candles[0].Candle.Close) // live trade not clobbered
}
