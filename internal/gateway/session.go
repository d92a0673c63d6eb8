package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"kirby/internal/model"
	"kirby/internal/store"
)

const (
	// maxFrameBytes caps inbound frames.
	maxFrameBytes = 1 << 20
	// invalidFrameRate closes sessions that spray malformed frames.
	invalidFrameRate  = 10
	invalidFrameBurst = 10
)

// Session is one client connection: its subscription set, a bounded outbound
// queue drained by writePump, and a heartbeat deadline. It implements
// bus.Subscriber; live frames are enqueued wait-free and dropped when the
// queue is full, control frames (acks, historical) close the session instead.
type Session struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  zerolog.Logger

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu    sync.RWMutex
	subs  map[int64]model.Market
	final []byte // error frame flushed before the close handshake

	invalid *rate.Limiter
}

func newSession(conn *websocket.Conn, srv *Server) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		srv:     srv,
		log:     srv.log.With().Str("session", id).Logger(),
		out:     make(chan []byte, srv.cfg.QueueSize),
		closed:  make(chan struct{}),
		subs:    make(map[int64]model.Market),
		invalid: rate.NewLimiter(rate.Limit(invalidFrameRate), invalidFrameBurst),
	}
}

// ID implements bus.Subscriber.
func (s *Session) ID() string { return s.id }

// Enqueue implements bus.Subscriber. Wait-free: returns false when the queue
// is full or the session is closing, which the bus counts as a drop.
func (s *Session) Enqueue(ev store.Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	s.mu.RLock()
	m, ok := s.subs[ev.MarketID]
	s.mu.RUnlock()
	if !ok {
		// Unsubscribed between snapshot and delivery: not a drop.
		return true
	}

	var b []byte
	switch p := ev.Payload.(type) {
	case *model.Candle:
		b = encodeCandle(m, *p)
	case *model.FundingRate:
		b = encodeFunding(m, *p)
	case *model.OpenInterest:
		b = encodeOpenInterest(m, *p)
	default:
		s.log.Error().Str("entity", string(ev.Entity)).Msg("unknown event payload")
		return true
	}

	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

// NotifyLag implements bus.Subscriber. Best-effort: a queue too full for the
// warning itself just stays silent until the next coalescing window.
func (s *Session) NotifyLag(dropped int64) {
	select {
	case s.out <- encodeLagWarning(dropped, time.Now()):
	default:
	}
}

// sendControl enqueues a frame that must not be dropped. Overflow means the
// client cannot even keep up with acks: the session is closed slow_consumer.
func (s *Session) sendControl(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		s.closeWith(CodeSlowConsumer, "outbound queue overflow")
		return false
	}
}

// closeWith terminates the session once, flushing a final error frame when a
// code is given.
func (s *Session) closeWith(code, msg string) {
	s.once.Do(func() {
		if code != "" {
			s.mu.Lock()
			s.final = encodeError(code, msg)
			s.mu.Unlock()
			s.log.Warn().Str("code", code).Str("reason", msg).Msg("session closed")
		} else {
			s.log.Info().Msg("session closed")
		}
		close(s.closed)
		s.srv.removeSession(s)
	})
}

// readPump consumes client frames until the connection drops or the idle
// deadline (2x heartbeat without any client traffic) passes.
func (s *Session) readPump(ctx context.Context) {
	defer s.closeWith("", "")
	defer s.conn.Close()

	idle := 2 * s.srv.cfg.Heartbeat
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idle))
		s.handleFrame(ctx, msg)

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, msg []byte) {
	var f inboundFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		s.rejectFrame(CodeInvalidJSON, "malformed frame")
		return
	}

	switch f.Action {
	case "subscribe":
		s.handleSubscribe(ctx, f)
	case "unsubscribe":
		s.handleUnsubscribe(f)
	case "ping":
		s.sendControl(encodeTimestamp("pong", time.Now()))
	default:
		s.rejectFrame(CodeUnknownAction, "unknown action "+f.Action)
	}
}

// rejectFrame answers an invalid frame and closes the session when the
// client keeps spraying garbage.
func (s *Session) rejectFrame(code, msg string) {
	if !s.invalid.Allow() {
		s.closeWith(CodeSlowConsumer, "too many invalid frames")
		return
	}
	s.sendControl(encodeError(code, msg))
}

func (s *Session) handleSubscribe(ctx context.Context, f inboundFrame) {
	if len(f.MarketIDs) == 0 {
		s.rejectFrame(CodeValidationError, "market_ids required")
		return
	}
	if len(f.MarketIDs) > s.srv.cfg.MaxSubscriptions {
		s.rejectFrame(CodeValidationError, "too many market ids in one frame")
		return
	}
	if f.History < 0 || f.History > s.srv.cfg.MaxHistory {
		s.rejectFrame(CodeValidationError, "history out of range")
		return
	}

	// All ids must resolve before anything is registered.
	markets := make([]model.Market, 0, len(f.MarketIDs))
	for _, id := range f.MarketIDs {
		m, ok := s.srv.cat.Lookup(id)
		if !ok || !m.Active {
			s.rejectFrame(CodeInvalidStarlisting, "unknown or inactive starlisting")
			return
		}
		markets = append(markets, m)
	}

	s.mu.Lock()
	for _, m := range markets {
		s.subs[m.ID] = m
	}
	s.mu.Unlock()

	// Ack first, then historical frames, then live registration: the client
	// sees success, history, and only afterwards live frames for these markets.
	if !s.sendControl(encodeSuccess("subscribed", f.MarketIDs)) {
		return
	}
	if f.History > 0 {
		for _, m := range markets {
			candles, err := s.srv.reader.LatestCandles(ctx, m.ID, f.History)
			if err != nil {
				s.log.Error().Err(err).Int64("market_id", m.ID).Msg("history read failed")
				s.sendControl(encodeError(CodeInternalError, "history unavailable"))
				return
			}
			if !s.sendControl(encodeHistorical(m, candles)) {
				return
			}
		}
	}

	s.srv.registry.Subscribe(f.MarketIDs, s)
}

func (s *Session) handleUnsubscribe(f inboundFrame) {
	if len(f.MarketIDs) == 0 {
		s.rejectFrame(CodeValidationError, "market_ids required")
		return
	}
	s.srv.registry.Unsubscribe(f.MarketIDs, s)

	s.mu.Lock()
	for _, id := range f.MarketIDs {
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.sendControl(encodeSuccess("unsubscribed", f.MarketIDs))
}

// writePump owns all connection writes: queued frames, the heartbeat ping,
// and the final close handshake.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.srv.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case b := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.closeWith("", "")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, encodeTimestamp("ping", time.Now())); err != nil {
				s.closeWith("", "")
				return
			}

		case <-s.closed:
			s.mu.RLock()
			final := s.final
			s.mu.RUnlock()
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if final != nil {
				s.conn.WriteMessage(websocket.TextMessage, final)
			}
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
