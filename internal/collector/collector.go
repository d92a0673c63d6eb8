// Package collector runs the per-market stream consumers. A collector owns
// exactly one market's stream; it connects, subscribes, and pumps payloads
// into a handler, reconnecting with jittered backoff on stream errors.
// Candle and funding/OI collectors differ only in their handler.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/normalize"
)

// State is the collector lifecycle state, visible to the supervisor.
type State int32

const (
	Idle State = iota
	Connecting
	Subscribing
	Live
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is one market's subscription point on an exchange wire. For a
// multiplexed transport, Connect waits for the shared connection and
// Subscribe registers this market on it.
type Source interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) (Stream, error)
}

// Stream yields raw vendor payloads for one subscription.
type Stream interface {
	Recv(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Handler normalizes and sinks one payload. A MalformedPayload error is
// logged and skipped; any other error tears the collector down (the
// supervisor decides whether to respawn).
type Handler func(ctx context.Context, raw json.RawMessage) error

// Config carries the collector timeouts and backoff bounds.
type Config struct {
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c *Config) fillDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// fatalError wraps a handler failure that must stop the collector instead of
// triggering a reconnect (storage unavailable, cancelled sink).
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Collector drives one market stream through the connect/subscribe/live
// cycle until its context is cancelled or a fatal error occurs.
type Collector struct {
	name   string
	src    Source
	handle Handler
	cfg    Config
	log    zerolog.Logger

	state     atomic.Int32
	lastEvent atomic.Int64 // unix nanos of the last payload received
	restarts  atomic.Int64
}

func New(name string, src Source, handle Handler, cfg Config, log zerolog.Logger) *Collector {
	cfg.fillDefaults()
	return &Collector{
		name:   name,
		src:    src,
		handle: handle,
		cfg:    cfg,
		log:    log.With().Str("component", "collector").Str("market", name).Logger(),
	}
}

// State returns the current lifecycle state.
func (c *Collector) State() State { return State(c.state.Load()) }

// LastEvent returns when the last payload arrived; zero before the first.
func (c *Collector) LastEvent() time.Time {
	n := c.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Restarts returns how many times the stream has been re-established.
func (c *Collector) Restarts() int64 { return c.restarts.Load() }

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
}

// Run blocks until ctx is cancelled (returns nil) or a fatal error stops the
// collector (returns the error). Stream errors never escape: they re-enter
// the cycle through Backoff.
func (c *Collector) Run(ctx context.Context) error {
	defer c.setState(Stopped)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := c.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("stream establish failed")
			if !c.backoff(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		c.setState(Live)
		if attempt > 0 {
			c.restarts.Add(1)
		}
		attempt = 0
		c.log.Info().Msg("stream live")

		err = c.pump(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			return nil
		}
		var fatal fatalError
		if errors.As(err, &fatal) {
			c.log.Error().Err(fatal.err).Msg("collector stopping")
			return fatal.err
		}
		c.log.Warn().Err(err).Msg("stream lost")
		if !c.backoff(ctx, attempt) {
			return nil
		}
		attempt++
	}
}

// establish walks Connecting then Subscribing, each under its own timeout.
func (c *Collector) establish(ctx context.Context) (Stream, error) {
	c.setState(Connecting)
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err := c.src.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.setState(Subscribing)
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	stream, err := c.src.Subscribe(subCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return stream, nil
}

// pump reads payloads until the stream errors, goes idle, or the handler
// fails fatally. Back-pressure from the handler blocks the read, never drops.
func (c *Collector) pump(ctx context.Context, stream Stream) error {
	for {
		recvCtx, cancel := context.WithTimeout(ctx, c.cfg.IdleTimeout)
		raw, err := stream.Recv(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("stream idle for %s", c.cfg.IdleTimeout)
			}
			return err
		}
		c.lastEvent.Store(time.Now().UnixNano())

		if err := c.handle(ctx, raw); err != nil {
			if normalize.IsMalformed(err) {
				c.log.Warn().Err(err).Msg("payload skipped")
				continue
			}
			return fatalError{err}
		}
	}
}

// backoff sleeps a jittered exponential delay. Returns false when ctx was
// cancelled during the wait.
func (c *Collector) backoff(ctx context.Context, attempt int) bool {
	c.setState(Backoff)
	d := c.backoffDelay(attempt)
	c.log.Debug().Dur("delay", d).Int("attempt", attempt).Msg("backing off")
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay is base*2^attempt capped, with full jitter.
func (c *Collector) backoffDelay(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < attempt && d < c.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffCap {
		d = c.cfg.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
