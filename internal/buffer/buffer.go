// Package buffer collapses bursty funding and open-interest updates to one
// row per minute per market. The latest observation within a minute wins;
// rows reach the persistence layer only when the minute closes.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/timegrid"
)

const minuteSeconds = 60

// Sink receives the winning row for a closed minute. It may block; the
// back-pressure propagates to the observing collector.
type Sink[T any] func(ctx context.Context, v T) error

// Config configures a Buffer.
type Config struct {
	// FlushInterval is the period of the idle-slot sweep. Default 1s.
	FlushInterval time.Duration
}

func (c *Config) fillDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Buffer holds one slot per market. Each slot keeps the latest tuple seen in
// the current minute and a dirty flag; the slot is flushed when a newer
// minute arrives or when the periodic sweep finds the minute has closed.
type Buffer[T any] struct {
	name   string
	timeOf func(T) time.Time
	sink   Sink[T]
	cfg    Config
	log    zerolog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	slots map[int64]*slot[T]

	dropped atomic.Int64
}

type slot[T any] struct {
	mu     sync.Mutex
	minute time.Time
	latest T
	dirty  bool
}

// New builds a buffer for one stream. timeOf extracts the observation time
// from a row; rows are expected minute-floored already, the buffer floors
// again defensively when keying slots.
func New[T any](name string, cfg Config, timeOf func(T) time.Time, sink Sink[T], log zerolog.Logger) *Buffer[T] {
	cfg.fillDefaults()
	return &Buffer[T]{
		name:   name,
		timeOf: timeOf,
		sink:   sink,
		cfg:    cfg,
		log:    log.With().Str("component", "buffer").Str("stream", name).Logger(),
		clock:  time.Now,
		slots:  make(map[int64]*slot[T]),
	}
}

func (b *Buffer[T]) slotFor(marketID int64) *slot[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[marketID]
	if !ok {
		s = &slot[T]{}
		b.slots[marketID] = s
	}
	return s
}

// Observe routes one tuple into its market's slot. A tuple for a minute
// older than the slot's current minute is dropped with a warning; a tuple
// for a newer minute first flushes the closed slot to the sink.
func (b *Buffer[T]) Observe(ctx context.Context, marketID int64, v T) error {
	m := timegrid.Floor(b.timeOf(v), minuteSeconds)
	s := b.slotFor(marketID)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.minute.IsZero():
		s.minute, s.latest, s.dirty = m, v, true
	case m.Equal(s.minute):
		s.latest = v
		s.dirty = true
	case m.After(s.minute):
		if s.dirty {
			if err := b.sink(ctx, s.latest); err != nil {
				return err
			}
		}
		s.minute, s.latest, s.dirty = m, v, true
	default:
		b.dropped.Add(1)
		b.log.Warn().Int64("market_id", marketID).
			Time("slot_minute", s.minute).Time("tuple_minute", m).
			Msg("out-of-order tuple dropped")
	}
	return nil
}

// Dropped returns how many out-of-order tuples were discarded.
func (b *Buffer[T]) Dropped() int64 { return b.dropped.Load() }

// Run sweeps closed slots every FlushInterval until ctx is cancelled, then
// flushes everything still pending so the last observation of each market
// survives shutdown.
func (b *Buffer[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			graceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.flushAll(graceCtx)
			cancel()
			return
		case <-ticker.C:
			b.sweep(ctx, b.clock())
		}
	}
}

// sweep flushes every dirty slot whose minute has closed relative to now.
func (b *Buffer[T]) sweep(ctx context.Context, now time.Time) {
	current := timegrid.Floor(now, minuteSeconds)
	for _, s := range b.snapshotSlots() {
		s.mu.Lock()
		if s.dirty && s.minute.Before(current) {
			if err := b.sink(ctx, s.latest); err != nil {
				b.log.Error().Err(err).Time("minute", s.minute).Msg("sweep flush failed")
			} else {
				s.dirty = false
			}
		}
		s.mu.Unlock()
	}
}

// flushAll flushes every dirty slot regardless of minute. Used on shutdown.
func (b *Buffer[T]) flushAll(ctx context.Context) {
	for _, s := range b.snapshotSlots() {
		s.mu.Lock()
		if s.dirty {
			if err := b.sink(ctx, s.latest); err != nil {
				b.log.Error().Err(err).Time("minute", s.minute).Msg("shutdown flush failed")
			} else {
				s.dirty = false
			}
		}
		s.mu.Unlock()
	}
}

func (b *Buffer[T]) snapshotSlots() []*slot[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*slot[T], 0, len(b.slots))
	for _, s := range b.slots {
		out = append(out, s)
	}
	return out
}
