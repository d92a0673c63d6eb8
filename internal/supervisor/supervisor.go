// Package supervisor owns the per-market collectors: it spawns one candle
// collector per active market and one asset-context collector per perps
// coin, polls their liveness, and restarts anything wedged or dead.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/collector"
)

// Spec describes one collector to run.
type Spec struct {
	Name    string
	Source  collector.Source
	Handler collector.Handler
}

// Config carries the supervision timings.
type Config struct {
	Collector        collector.Config
	LivenessInterval time.Duration // poll period
	StuckAfter       time.Duration // same non-live state this long means wedged
	StopGrace        time.Duration // drain bound on shutdown
}

func (c *Config) fillDefaults() {
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 30 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 90 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
}

// handle tracks one running collector and what it needs to be respawned.
type handle struct {
	spec   Spec
	col    *collector.Collector
	cancel context.CancelFunc
	done   chan struct{}

	lastState  collector.State
	lastChange time.Time
}

// Supervisor runs a set of collectors over a shared transport.
type Supervisor struct {
	cfg  Config
	log  zerolog.Logger
	wire func(ctx context.Context) // shared transport loop, may be nil

	mu      sync.Mutex
	specs   []Spec
	handles map[string]*handle
	ctx     context.Context
}

func New(cfg Config, specs []Spec, wire func(ctx context.Context), log zerolog.Logger) *Supervisor {
	cfg.fillDefaults()
	return &Supervisor{
		cfg:     cfg,
		log:     log.With().Str("component", "supervisor").Logger(),
		wire:    wire,
		specs:   specs,
		handles: make(map[string]*handle),
	}
}

// Run starts the shared wire and all collectors, then supervises until ctx
// is cancelled. Blocks until every collector has drained.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	var wireDone chan struct{}
	if s.wire != nil {
		wireDone = make(chan struct{})
		go func() { defer close(wireDone); s.wire(ctx) }()
	}

	s.mu.Lock()
	for _, spec := range s.specs {
		s.spawnLocked(spec)
	}
	n := len(s.handles)
	s.mu.Unlock()
	s.log.Info().Int("collectors", n).Msg("supervisor started")

	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stop()
			if wireDone != nil {
				<-wireDone
			}
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// spawnLocked starts one collector. Caller holds s.mu.
func (s *Supervisor) spawnLocked(spec Spec) {
	colCtx, cancel := context.WithCancel(s.ctx)
	col := collector.New(spec.Name, spec.Source, spec.Handler, s.cfg.Collector, s.log)
	h := &handle{
		spec:       spec,
		col:        col,
		cancel:     cancel,
		done:       make(chan struct{}),
		lastState:  collector.Idle,
		lastChange: time.Now(),
	}
	s.handles[spec.Name] = h

	go func() {
		defer close(h.done)
		if err := col.Run(colCtx); err != nil {
			s.log.Error().Err(err).Str("market", spec.Name).Msg("collector died")
		}
	}()
}

// poll restarts collectors that exited or sat in a non-live state too long.
func (s *Supervisor) poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	now := time.Now()
	for name, h := range s.handles {
		select {
		case <-h.done:
			s.log.Warn().Str("market", name).Msg("collector exited, respawning")
			h.cancel()
			s.spawnLocked(h.spec)
			continue
		default:
		}

		state := h.col.State()
		if state != h.lastState {
			h.lastState = state
			h.lastChange = now
			continue
		}
		if state != collector.Live && now.Sub(h.lastChange) > s.cfg.StuckAfter {
			s.log.Warn().Str("market", name).Stringer("state", state).
				Dur("for", now.Sub(h.lastChange)).Msg("collector wedged, restarting")
			h.cancel()
			select {
			case <-h.done:
			case <-time.After(s.cfg.StopGrace):
				s.log.Error().Str("market", name).Msg("collector did not stop in grace")
			}
			s.spawnLocked(h.spec)
		}
	}
}

// RestartAll cancels and respawns every collector. Wired to the storage
// failure handler: after StorageUnavailable each collector starts over with
// fresh backoff.
func (s *Supervisor) RestartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.log.Warn().Msg("restarting all collectors")
	for _, h := range s.handles {
		h.cancel()
	}
	for name, h := range s.handles {
		select {
		case <-h.done:
		case <-time.After(s.cfg.StopGrace):
			s.log.Error().Str("market", name).Msg("collector did not stop in grace")
		}
		s.spawnLocked(h.spec)
	}
}

// stop cancels everything and waits out the drain grace.
func (s *Supervisor) stop() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		h.cancel()
		handles = append(handles, h)
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.StopGrace)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.log.Error().Str("market", h.spec.Name).Msg("drain grace exceeded")
			return
		}
	}
	s.log.Info().Msg("supervisor stopped")
}

// States reports every collector's current state, keyed by name.
func (s *Supervisor) States() map[string]collector.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]collector.State, len(s.handles))
	for name, h := range s.handles {
		out[name] = h.col.State()
	}
	return out
}
