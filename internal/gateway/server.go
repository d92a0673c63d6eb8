// Package gateway serves the live push interface: one WebSocket per client,
// framed JSON, subscriptions fanned in from the notification bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"kirby/internal/bus"
	"kirby/internal/catalog"
	"kirby/internal/model"
)

// Config carries the session limits and timings.
type Config struct {
	ListenAddr       string
	QueueSize        int           // outbound frames per session
	MaxSessions      int           // concurrent sessions per process
	MaxSubscriptions int           // market ids per subscribe frame
	MaxHistory       int           // candles per historical request
	Heartbeat        time.Duration // server ping period; idle cutoff is 2x
	WriteTimeout     time.Duration // per outbound frame
}

func (c *Config) fillDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 100
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// Registry is the bus surface sessions register with.
type Registry interface {
	Subscribe(marketIDs []int64, sub bus.Subscriber)
	Unsubscribe(marketIDs []int64, sub bus.Subscriber)
	Drop(sub bus.Subscriber)
}

// HistoryReader serves the history requested on subscribe.
type HistoryReader interface {
	LatestCandles(ctx context.Context, marketID int64, limit int) ([]model.Candle, error)
}

// Server owns the listener and the live session set.
type Server struct {
	cfg      Config
	cat      *catalog.Catalog
	reader   HistoryReader
	registry Registry
	log      zerolog.Logger
	healthy  func(ctx context.Context) error

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(cfg Config, cat *catalog.Catalog, reader HistoryReader, registry Registry,
	healthy func(ctx context.Context) error, log zerolog.Logger) *Server {
	cfg.fillDefaults()
	return &Server{
		cfg:      cfg,
		cat:      cat,
		reader:   reader,
		registry: registry,
		healthy:  healthy,
		log:      log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Router wires /ws, /healthz and /metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts the listener down and closes
// every open session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.closeAll()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sess := newSession(conn, s)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.log.Info().Str("session", sess.id).Int("sessions", n).Str("remote", r.RemoteAddr).Msg("session opened")

	// The request context dies when this handler returns; the session
	// outlives it.
	go sess.writePump()
	go sess.readPump(context.Background())
}

// removeSession drops the session from the index and the bus. Called from
// Session.closeWith exactly once per session.
func (s *Server) removeSession(sess *Session) {
	s.registry.Drop(sess)
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.closeWith("", "")
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok", "sessions": s.Sessions()}
	code := http.StatusOK
	if s.healthy != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.healthy(ctx); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
