package candle

import "sort"

// Buffer is a bounded, time-ordered container of one symbol's minute
// candles. It is not safe for concurrent use; callers (the aggregator)
// serialize access with their own lock.
type Buffer struct {
	capacity int
	data     map[Minute]Candle
	keys     []Minute // always sorted ascending
}

// NewBuffer returns an empty Buffer capped at capacity entries. A capacity
// of 0 falls back to MaxCandles.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = MaxCandles
	}
	return &Buffer{
		capacity: capacity,
		data:     make(map[Minute]Candle),
	}
}

// Len returns the number of candles currently stored.
func (b *Buffer) Len() int { return len(b.keys) }

// Contains reports whether a candle exists for minute.
func (b *Buffer) Contains(minute Minute) bool {
	_, ok := b.data[minute]
	return ok
}

// Get returns the candle at minute, if any.
func (b *Buffer) Get(minute Minute) (Candle, bool) {
	c, ok := b.data[minute]
	return c, ok
}

// UpdateTrade folds one trade into the candle for minute: creates it on
// first touch, otherwise grows high/low/volume and moves close. Open is
// never touched after creation. Returns true iff this created a new
// minute entry.
func (b *Buffer) UpdateTrade(minute Minute, price, size float64) bool {
	c, exists := b.data[minute]
	if !exists {
		c = Candle{Open: price, High: price, Low: price, Close: price, Volume: size}
		b.insertKey(minute)
	} else {
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Volume += size
		c.Close = price
	}
	b.data[minute] = c
	b.evict()
	return !exists
}

// Set unconditionally replaces the candle at minute (server-provided bars,
// historical backfill of an already-seen minute).
func (b *Buffer) Set(minute Minute, c Candle) {
	if _, exists := b.data[minute]; !exists {
		b.insertKey(minute)
	}
	b.data[minute] = c
	b.evict()
}

// BulkInsert inserts entries whose minute is not already present, without
// overwriting live-populated minutes. Returns the subset that was actually
// inserted (for async store persistence by the caller).
func (b *Buffer) BulkInsert(entries []Entry) []Entry {
	inserted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, exists := b.data[e.Minute]; exists {
			continue
		}
		b.data[e.Minute] = e.Candle
		b.insertKey(e.Minute)
		inserted = append(inserted, e)
	}
	b.evict()
	return inserted
}

// Latest returns the n most recent entries in chronological order.
func (b *Buffer) Latest(n int) []Entry {
	if n <= 0 || len(b.keys) == 0 {
		return nil
	}
	if n > len(b.keys) {
		n = len(b.keys)
	}
	start := len(b.keys) - n
	return b.entriesFor(b.keys[start:])
}

// Range returns entries with minute in [start, end], inclusive, ascending.
func (b *Buffer) Range(start, end Minute) []Entry {
	lo := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= start })
	hi := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] > end })
	if lo >= hi {
		return nil
	}
	return b.entriesFor(b.keys[lo:hi])
}

// All returns every entry in chronological order.
func (b *Buffer) All() []Entry {
	return b.entriesFor(b.keys)
}

func (b *Buffer) entriesFor(keys []Minute) []Entry {
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = Entry{Minute: k, Candle: b.data[k]}
	}
	return out
}

// insertKey inserts minute into the sorted key slice. Trades normally
// arrive in time order, so this is the fast append path in practice;
// historical backfill and out-of-order bars fall back to a sorted insert.
func (b *Buffer) insertKey(minute Minute) {
	n := len(b.keys)
	if n == 0 || b.keys[n-1] < minute {
		b.keys = append(b.keys, minute)
		return
	}
	i := sort.Search(n, func(i int) bool { return b.keys[i] >= minute })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = minute
}

// evict drops the oldest entries until the buffer is back within capacity.
func (b *Buffer) evict() {
	for len(b.keys) > b.capacity {
		oldest := b.keys[0]
		b.keys = b.keys[1:]
		delete(b.data, oldest)
	}
}
