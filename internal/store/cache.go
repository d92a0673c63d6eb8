package store

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"kirby/internal/model"
)

const (
	headMarkets = 512  // markets tracked before LRU eviction
	headDepth   = 1024 // newest candles kept per market
)

// headCache keeps the newest candles per market in memory so the common
// "subscribe with history" read is served without touching the database.
// Every committed candle passes through put, so for any market present in
// the cache the newest rows are exact.
type headCache struct {
	markets *lru.Cache // market_id -> *marketHead
}

type marketHead struct {
	mu      sync.Mutex
	candles []model.Candle // time-descending, unique by time
}

func newHeadCache() *headCache {
	c, _ := lru.New(headMarkets)
	return &headCache{markets: c}
}

// put inserts or replaces the candle in its market's head, keeping
// time-descending order. Same-time rows overwrite (upsert semantics).
func (h *headCache) put(c model.Candle) {
	v, ok := h.markets.Get(c.MarketID)
	if !ok {
		v = &marketHead{}
		h.markets.Add(c.MarketID, v)
	}
	head := v.(*marketHead)

	head.mu.Lock()
	defer head.mu.Unlock()

	i := sort.Search(len(head.candles), func(i int) bool {
		return !head.candles[i].Time.After(c.Time)
	})
	switch {
	case i < len(head.candles) && head.candles[i].Time.Equal(c.Time):
		head.candles[i] = c
	default:
		head.candles = append(head.candles, model.Candle{})
		copy(head.candles[i+1:], head.candles[i:])
		head.candles[i] = c
	}
	if len(head.candles) > headDepth {
		head.candles = head.candles[:headDepth]
	}
}

// latest returns the newest limit candles (time-descending) when the cache
// holds at least that many; ok=false means the caller must hit the database.
func (h *headCache) latest(marketID int64, limit int) ([]model.Candle, bool) {
	v, ok := h.markets.Get(marketID)
	if !ok {
		return nil, false
	}
	head := v.(*marketHead)

	head.mu.Lock()
	defer head.mu.Unlock()
	if len(head.candles) < limit {
		return nil, false
	}
	out := make([]model.Candle, limit)
	copy(out, head.candles[:limit])
	return out, true
}
