// Package redismirror mirrors committed rows into Redis: the latest row per
// (entity, market) as a TTL'd key, plus a PUBLISH per commit. It sits in the
// notifier chain between the store and the in-process bus, so an external
// fan-out can later consume the same events without touching the engine.
//
// Mirroring is strictly best-effort. The committer is never blocked: events
// are queued and written by a background worker behind a circuit breaker,
// and a full queue or open breaker just drops the mirror write.
package redismirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"kirby/internal/store"
)

// Config configures the mirror connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration // latest-key expiry
	QueueSize int
}

func (c *Config) fillDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
}

// Mirror implements store.Notifier. Events pass through to next untouched.
type Mirror struct {
	client *goredis.Client
	next   store.Notifier
	cb     *gobreaker.CircuitBreaker
	cfg    Config
	log    zerolog.Logger

	queue   chan store.Event
	dropped atomic.Int64
}

// New connects and pings Redis. next receives every event regardless of the
// mirror's health.
func New(cfg Config, next store.Notifier, log zerolog.Logger) (*Mirror, error) {
	cfg.fillDefaults()
	if next == nil {
		next = store.NopNotifier{}
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redismirror: ping %s: %w", cfg.Addr, err)
	}

	logger := log.With().Str("component", "redismirror").Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-mirror",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})

	logger.Info().Str("addr", cfg.Addr).Msg("mirror connected")
	return &Mirror{
		client: client,
		next:   next,
		cb:     cb,
		cfg:    cfg,
		log:    logger,
		queue:  make(chan store.Event, cfg.QueueSize),
	}, nil
}

// Publish implements store.Notifier.
func (m *Mirror) Publish(ev store.Event) {
	m.next.Publish(ev)
	select {
	case m.queue <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns how many mirror writes were skipped on a full queue.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// Run drains the queue until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			if _, err := m.cb.Execute(func() (interface{}, error) {
				return nil, m.write(ctx, ev)
			}); err != nil && err != gobreaker.ErrOpenState {
				m.log.Warn().Err(err).Int64("market_id", ev.MarketID).Msg("mirror write failed")
			}
		}
	}
}

// write stores the latest row and publishes the commit in one pipeline.
func (m *Mirror) write(ctx context.Context, ev store.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("kirby:latest:%s:%d", ev.Entity, ev.MarketID)
	channel := fmt.Sprintf("kirby:%s:%d", ev.Entity, ev.MarketID)

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := m.client.Pipeline()
	pipe.Set(opCtx, key, payload, m.cfg.TTL)
	pipe.Publish(opCtx, channel, payload)
	_, err = pipe.Exec(opCtx)
	return err
}

// Close closes the Redis connection. Call after Run has returned.
func (m *Mirror) Close() error { return m.client.Close() }
