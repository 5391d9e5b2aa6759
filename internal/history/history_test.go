package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
)

type fakeLoader struct {
	entries []candle.Entry
	calls   int
}

func (f *fakeLoader) LoadHistory(entries []candle.Entry) {
	f.entries = entries
	f.calls++
}

func TestBackfill_ParsesBarsAndLoads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "iex", r.URL.Query().Get("feed"))
		w.Write([]byte(`{"bars":[{"t":"2022-01-01T00:00:00Z","o":1,"h":2,"l":0.5,"c":1.5,"v":10,"n":3,"vw":1.2}],"symbol":"AAPL"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	loader := &fakeLoader{}
	c.Backfill(context.Background(), market.NewSymbol("AAPL"), loader)

	require.Equal(t, 1, loader.calls)
	require.Len(t, loader.entries, 1)
	assert.Equal(t, 1.5, loader.entries[0].Candle.Close)
}

func TestBackfill_NullBarsIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars":null,"symbol":"AAPL"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	loader := &fakeLoader{}
	c.Backfill(context.Background(), market.NewSymbol("AAPL"), loader)

	assert.Equal(t, 0, loader.calls)
}

func TestBackfill_ServerErrorIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	loader := &fakeLoader{}
	c.Backfill(context.Background(), market.NewSymbol("AAPL"), loader)

	assert.Equal(t, 0, loader.calls)
}
