// Package metrics exposes the engine's Prometheus metrics. Most series are
// pulled from the owning components through read functions so the hot paths
// stay free of metrics plumbing; committed rows are counted by decorating
// the store's notifier.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kirby/internal/collector"
	"kirby/internal/store"
)

// Sources are the component read functions sampled at scrape time.
type Sources struct {
	BusDropped    func() int64
	BufferDropped func() int64
	Sessions      func() int
	States        func() map[string]collector.State
}

// Metrics holds the engine's Prometheus series.
type Metrics struct {
	CommitsTotal   *prometheus.CounterVec
	CollectorState *prometheus.GaugeVec
}

// New registers the engine metrics on reg.
func New(reg prometheus.Registerer, src Sources) *Metrics {
	m := &Metrics{
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kirby_rows_committed_total",
			Help: "Rows durably committed, by entity",
		}, []string{"entity"}),
		CollectorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kirby_collector_state",
			Help: "Collector lifecycle state (0 idle, 1 connecting, 2 subscribing, 3 live, 4 backoff, 5 stopped)",
		}, []string{"market"}),
	}
	reg.MustRegister(m.CommitsTotal, m.CollectorState)

	if src.BusDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kirby_bus_dropped_total",
			Help: "Live events dropped on full session queues",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	if src.BufferDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kirby_buffer_dropped_total",
			Help: "Out-of-order tuples discarded by the minute buffers",
		}, func() float64 { return float64(src.BufferDropped()) }))
	}
	if src.Sessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kirby_sessions",
			Help: "Open subscriber sessions",
		}, func() float64 { return float64(src.Sessions()) }))
	}
	return m
}

// Poll samples collector states into the state gauge until ctx is done.
func (m *Metrics) Poll(ctx context.Context, src Sources, every time.Duration) {
	if src.States == nil {
		return
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for market, state := range src.States() {
				m.CollectorState.WithLabelValues(market).Set(float64(state))
			}
		}
	}
}

// CountingNotifier decorates a store notifier with per-entity commit counts.
type CountingNotifier struct {
	next store.Notifier
	m    *Metrics
}

func (m *Metrics) WrapNotifier(next store.Notifier) *CountingNotifier {
	return &CountingNotifier{next: next, m: m}
}

func (c *CountingNotifier) Publish(ev store.Event) {
	c.m.CommitsTotal.WithLabelValues(string(ev.Entity)).Inc()
	c.next.Publish(ev)
}
