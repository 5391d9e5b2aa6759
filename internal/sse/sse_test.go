package sse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketfeed/internal/aggregator"
	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
)

type fakeLookup struct {
	exists  map[market.Symbol]bool
	entries []candle.Entry
}

func (f *fakeLookup) Aggregator(symbol market.Symbol) (*aggregator.Aggregator, bool) {
	if !f.exists[symbol] {
		return nil, false
	}
	a := aggregator.New(symbol, nil, nil, zerolog.Nop())
	if len(f.entries) > 0 {
		a.LoadHistory(f.entries)
	}
	return a, true
}

type fakeUp struct {
	unsubscribed []market.Symbol
}

func (f *fakeUp) SendUnsubscribe(symbol market.Symbol, t market.SubscriptionType) error {
	f.unsubscribed = append(f.unsubscribed, symbol)
	return nil
}

type fakePersist struct{ count int }

func (f *fakePersist) Subscribe(context.Context, market.Principal, market.Symbol) error   { return nil }
func (f *fakePersist) Unsubscribe(context.Context, market.Principal, market.Symbol) error { return nil }
func (f *fakePersist) UserSubscriptions(context.Context, market.Principal) ([]market.Symbol, error) {
	return nil, nil
}
func (f *fakePersist) ActiveSymbols(context.Context, bool) ([]market.Symbol, error) { return nil, nil }
func (f *fakePersist) SubscriberCount(context.Context, market.Symbol) (int, error)  { return f.count, nil }
func (f *fakePersist) CanUnsubscribeFromUpstream(context.Context, market.Symbol) (bool, error) {
	return f.count == 0, nil
}
func (f *fakePersist) Close() error { return nil }

func TestOpen_RejectsUnknownSymbol(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{}}
	h := NewHub(lookup, &fakeUp{}, &fakePersist{}, zerolog.Nop())

	_, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestOpen_SeedsInitialSnapshot(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{market.NewSymbol("AAPL"): true}}
	h := NewHub(lookup, &fakeUp{}, &fakePersist{}, zerolog.Nop())

	slot, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)

	select {
	case u := <-slot.Events():
		assert.True(t, u.IsInitial)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}
}

func TestOpen_ReplacesExistingSlot(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{market.NewSymbol("AAPL"): true}}
	h := NewHub(lookup, &fakeUp{}, &fakePersist{}, zerolog.Nop())

	first, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)
	<-first.Events() // drain initial snapshot

	second, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("old slot was not terminated")
	}
	assert.Equal(t, 1, h.SlotCount(market.NewSymbol("AAPL")))
	<-second.Events()
}

func TestBroadcast_DeliversDeltaToInitializedSlot(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{market.NewSymbol("AAPL"): true}}
	h := NewHub(lookup, &fakeUp{}, &fakePersist{}, zerolog.Nop())

	slot, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)
	<-slot.Events() // drain initial; slot is now initialized

	h.Broadcast(aggregator.Update{Symbol: market.NewSymbol("AAPL"), IsInitial: false})
	select {
	case <-slot.Events():
	case <-time.After(time.Second):
		t.Fatal("initialized slot should receive delta")
	}
}

func TestBroadcast_DropsSlowConsumer(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{market.NewSymbol("AAPL"): true}}
	up := &fakeUp{}
	h := NewHub(lookup, up, &fakePersist{count: 0}, zerolog.Nop())

	slot, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)
	<-slot.Events() // drain initial

	for i := 0; i < slotQueueCapacity+1; i++ {
		h.Broadcast(aggregator.Update{Symbol: market.NewSymbol("AAPL"), IsInitial: false})
	}

	select {
	case <-slot.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer slot was not marked dead")
	}
	assert.Equal(t, 0, h.SlotCount(market.NewSymbol("AAPL")))
	assert.Contains(t, up.unsubscribed, market.NewSymbol("AAPL"))
}

func TestClose_CascadesUnsubscribeOnlyWhenLastSlotAndZeroSubscribers(t *testing.T) {
	lookup := &fakeLookup{exists: map[market.Symbol]bool{market.NewSymbol("AAPL"): true}}
	up := &fakeUp{}
	h := NewHub(lookup, up, &fakePersist{count: 1}, zerolog.Nop())

	slot, err := h.Open(market.NewSymbol("AAPL"), market.Principal("alice"))
	require.NoError(t, err)

	h.Close(slot)
	assert.Empty(t, up.unsubscribed) // persistent store still has a subscriber
}
