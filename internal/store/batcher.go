package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/model"
)

// batcher accumulates rows of one entity type and flushes them in a single
// transaction every BatchSize rows or FlushInterval, whichever comes first.
// The input queue is bounded; a full queue blocks the producer rather than
// dropping rows.
type batcher[T any] struct {
	entity model.Entity
	in     chan T
	size   int
	delay  time.Duration
	flush  func(ctx context.Context, batch []T) error

	// onFailure is invoked when a flush exhausts its retries. The default
	// only logs; the supervisor installs a handler that tears down the
	// affected collectors.
	onFailure func(error)
}

func newBatcher[T any](entity model.Entity, cfg Config, flush func(context.Context, []T) error) *batcher[T] {
	return &batcher[T]{
		entity: entity,
		in:     make(chan T, cfg.QueueSize),
		size:   cfg.BatchSize,
		delay:  cfg.FlushInterval,
		flush:  flush,
	}
}

// enqueue blocks until the row is queued or ctx is cancelled.
func (b *batcher[T]) enqueue(ctx context.Context, v T) error {
	select {
	case b.in <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the queue until ctx is cancelled, then performs a final flush of
// the partial batch under a bounded grace context.
func (b *batcher[T]) run(ctx context.Context, log zerolog.Logger) {
	log = log.With().Str("entity", string(b.entity)).Logger()
	batch := make([]T, 0, b.size)
	timer := time.NewTimer(b.delay)
	defer timer.Stop()

	commit := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := withRetry(flushCtx, log, func(attemptCtx context.Context) error {
			return b.flush(attemptCtx, batch)
		})
		if err != nil {
			log.Error().Err(err).Int("rows", len(batch)).Msg("batch flush failed")
			if b.onFailure != nil {
				b.onFailure(err)
			}
		} else {
			log.Debug().Int("rows", len(batch)).Dur("took", time.Since(start)).Msg("batch committed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued, then flush once with grace.
			for drained := true; drained; {
				select {
				case v := <-b.in:
					batch = append(batch, v)
					if len(batch) >= b.size {
						graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
						commit(graceCtx)
						cancel()
					}
				default:
					drained = false
				}
			}
			graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			commit(graceCtx)
			cancel()
			return

		case v := <-b.in:
			batch = append(batch, v)
			if len(batch) >= b.size {
				commit(ctx)
				timer.Reset(b.delay)
			}

		case <-timer.C:
			commit(ctx)
			timer.Reset(b.delay)
		}
	}
}
