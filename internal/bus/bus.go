// Package bus is the in-process fan-out from post-commit storage events to
// live subscriber sessions. Delivery is at-most-once: a full session queue
// drops the event for that session only and schedules a coalesced lag
// warning. The publisher is never blocked by a slow session.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/store"
)

// lagCoalesce is the minimum gap between lag warnings per session.
const lagCoalesce = time.Second

// Subscriber is a session handle held by the bus. Enqueue must be wait-free:
// it returns false when the event cannot be queued (full or closed queue).
type Subscriber interface {
	ID() string
	Enqueue(ev store.Event) bool
	NotifyLag(dropped int64)
}

// subscription pairs a subscriber with its session-wide lag state. The lag
// state is shared across all markets the session subscribes to, so the
// one-warning-per-second coalescing is per session, not per market.
type subscription struct {
	sub Subscriber
	lag *lagState
}

type lagState struct {
	mu       sync.Mutex
	pending  int64
	lastWarn time.Time
}

// note records one dropped event and emits a coalesced warning.
func (l *lagState) note(sub Subscriber) {
	l.mu.Lock()
	l.pending++
	n := l.pending
	warn := time.Since(l.lastWarn) >= lagCoalesce
	if warn {
		l.lastWarn = time.Now()
		l.pending = 0
	}
	l.mu.Unlock()

	if warn {
		sub.NotifyLag(n)
	}
}

// Bus maintains the market_id -> subscribers index. Mutations happen under a
// single writer lock and rebuild an immutable snapshot; Publish reads the
// snapshot without locking, so publishes never contend with each other.
type Bus struct {
	log zerolog.Logger

	mu    sync.Mutex
	index map[int64]map[string]*subscription
	lags  map[string]*lagState
	snap  atomic.Value // map[int64][]*subscription

	dropped atomic.Int64
}

func New(log zerolog.Logger) *Bus {
	b := &Bus{
		log:   log.With().Str("component", "bus").Logger(),
		index: make(map[int64]map[string]*subscription),
		lags:  make(map[string]*lagState),
	}
	b.snap.Store(map[int64][]*subscription{})
	return b
}

// Subscribe adds the session to each market's subscriber set. Idempotent.
func (b *Bus) Subscribe(marketIDs []int64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lag, ok := b.lags[sub.ID()]
	if !ok {
		lag = &lagState{}
		b.lags[sub.ID()] = lag
	}
	for _, id := range marketIDs {
		set, ok := b.index[id]
		if !ok {
			set = make(map[string]*subscription)
			b.index[id] = set
		}
		set[sub.ID()] = &subscription{sub: sub, lag: lag}
	}
	b.rebuild()
}

// Unsubscribe removes the session from each market's set. Unknown market ids
// and absent subscriptions are ignored.
func (b *Bus) Unsubscribe(marketIDs []int64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range marketIDs {
		if set, ok := b.index[id]; ok {
			delete(set, sub.ID())
			if len(set) == 0 {
				delete(b.index, id)
			}
		}
	}
	b.rebuild()
}

// Drop removes the session from every market. Called on session close so a
// disconnected client cannot leak through the index.
func (b *Bus) Drop(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, set := range b.index {
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(b.index, id)
		}
	}
	delete(b.lags, sub.ID())
	b.rebuild()
}

// rebuild recomputes the publish snapshot. Caller holds b.mu.
func (b *Bus) rebuild() {
	snap := make(map[int64][]*subscription, len(b.index))
	for id, set := range b.index {
		subs := make([]*subscription, 0, len(set))
		for _, s := range set {
			subs = append(subs, s)
		}
		snap[id] = subs
	}
	b.snap.Store(snap)
}

// Publish fans the event out to the market's subscribers. Implements
// store.Notifier; called synchronously after commit, so per-market delivery
// order equals commit order.
func (b *Bus) Publish(ev store.Event) {
	snap := b.snap.Load().(map[int64][]*subscription)
	for _, s := range snap[ev.MarketID] {
		if s.sub.Enqueue(ev) {
			continue
		}
		b.dropped.Add(1)
		s.lag.note(s.sub)
	}
}

// Dropped returns the total number of events dropped across all sessions.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns how many sessions are subscribed to the market.
func (b *Bus) Subscribers(marketID int64) int {
	snap := b.snap.Load().(map[int64][]*subscription)
	return len(snap[marketID])
}
