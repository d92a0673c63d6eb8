// Package hyperliquid speaks the Hyperliquid WebSocket API. One Wire is one
// multiplexed connection carrying many subscriptions; incoming messages are
// routed to per-subscription inboxes keyed by (channel, coin, interval).
//
// The wire does not resubscribe on reconnect. When the connection drops it
// fails every open stream, and the per-market collectors re-establish their
// subscriptions through their own backoff cycle.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultURL is the production WS endpoint.
	DefaultURL = "wss://api.hyperliquid.xyz/ws"

	// pingInterval keeps the connection alive; Hyperliquid drops idle
	// connections after 60s.
	pingInterval = 30 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	redialBase = time.Second
	redialCap  = 30 * time.Second

	inboxDepth = 256
)

// subscription is the wire-level subscription descriptor.
type subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type request struct {
	Method       string        `json:"method"`
	Subscription *subscription `json:"subscription,omitempty"`
}

// envelope is the server-side message wrapper.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// candleKeyFields is the slice of a candle payload needed for routing.
type candleKeyFields struct {
	Symbol   string `json:"s"`
	Interval string `json:"i"`
}

// ctxKeyFields routes an activeAssetCtx payload.
type ctxKeyFields struct {
	Coin string `json:"coin"`
}

func candleKey(coin, interval string) string { return "candle:" + coin + ":" + interval }
func ctxKey(coin string) string              { return "activeAssetCtx:" + coin }

// inbox is one subscription's delivery queue. down is closed when the wire
// loses its connection, failing the stream.
type inbox struct {
	ch   chan json.RawMessage
	down chan struct{}
	once sync.Once
	sub  subscription
}

func newInbox(sub subscription) *inbox {
	return &inbox{ch: make(chan json.RawMessage, inboxDepth), down: make(chan struct{}), sub: sub}
}

func (b *inbox) fail() { b.once.Do(func() { close(b.down) }) }

// Wire owns one connection. Run drives the dial/read/redial loop; Source
// adapters hand per-market subscriptions to collectors.
type Wire struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	ready   chan struct{} // closed while connected, replaced on loss
	inboxes map[string]*inbox
}

func NewWire(url string, log zerolog.Logger) *Wire {
	if url == "" {
		url = DefaultURL
	}
	return &Wire{
		url:     url,
		log:     log.With().Str("component", "hl_wire").Logger(),
		ready:   make(chan struct{}),
		inboxes: make(map[string]*inbox),
	}
}

// Run dials and reads until ctx is cancelled, redialing with capped backoff.
func (w *Wire) Run(ctx context.Context) {
	delay := redialBase
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.dial(ctx)
		if err != nil {
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > redialCap {
				delay = redialCap
			}
			continue
		}
		delay = redialBase
		w.setConn(conn)
		w.log.Info().Str("url", w.url).Msg("wire connected")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			w.readLoop(conn)
		}()
		w.heartbeat(ctx, conn, readDone)

		w.clearConn()
		conn.Close()
		<-readDone
		w.log.Warn().Msg("wire disconnected")
	}
}

func (w *Wire) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.url, nil)
	return conn, err
}

func (w *Wire) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	close(w.ready)
	w.mu.Unlock()
}

// clearConn marks the wire down and fails every open inbox.
func (w *Wire) clearConn() {
	w.mu.Lock()
	w.conn = nil
	w.ready = make(chan struct{})
	for key, b := range w.inboxes {
		b.fail()
		delete(w.inboxes, key)
	}
	w.mu.Unlock()
}

// heartbeat writes the application-level ping until the reader dies or ctx
// is cancelled.
func (w *Wire) heartbeat(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := w.write(request{Method: "ping"}); err != nil {
				w.log.Warn().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (w *Wire) write(v interface{}) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wire down")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// readLoop dispatches messages to inboxes until the connection errors.
func (w *Wire) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			w.log.Warn().Err(err).Msg("unparseable message")
			continue
		}

		switch env.Channel {
		case "candle":
			var k candleKeyFields
			if err := json.Unmarshal(env.Data, &k); err != nil {
				w.log.Warn().Err(err).Msg("candle routing fields")
				continue
			}
			w.deliver(candleKey(k.Symbol, k.Interval), env.Data)

		case "activeAssetCtx", "activeSpotAssetCtx":
			var k ctxKeyFields
			if err := json.Unmarshal(env.Data, &k); err != nil {
				w.log.Warn().Err(err).Msg("ctx routing fields")
				continue
			}
			w.deliver(ctxKey(k.Coin), env.Data)

		case "subscriptionResponse":
			w.log.Debug().RawJSON("data", env.Data).Msg("subscription ack")

		case "pong":
			// keepalive reply, nothing to do

		case "error":
			w.log.Warn().RawJSON("data", env.Data).Msg("wire error message")

		default:
			w.log.Debug().Str("channel", env.Channel).Msg("unhandled channel")
		}
	}
}

// deliver blocks on a full inbox: a stalled downstream slows the whole wire
// rather than losing payloads. The inbox's down channel bounds the wait.
func (w *Wire) deliver(key string, data json.RawMessage) {
	w.mu.Lock()
	b, ok := w.inboxes[key]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case b.ch <- data:
	case <-b.down:
	}
}

// register opens an inbox and sends the subscribe request.
func (w *Wire) register(key string, sub subscription) (*inbox, error) {
	b := newInbox(sub)
	w.mu.Lock()
	if _, exists := w.inboxes[key]; exists {
		w.mu.Unlock()
		return nil, fmt.Errorf("duplicate subscription %s", key)
	}
	w.inboxes[key] = b
	w.mu.Unlock()

	if err := w.write(request{Method: "subscribe", Subscription: &sub}); err != nil {
		w.unregister(key, b)
		return nil, err
	}
	return b, nil
}

// errWireDown is returned by stream reads when the connection is lost.
var errWireDown = fmt.Errorf("hyperliquid: wire down")

// unregister drops the inbox and best-effort unsubscribes on the wire.
func (w *Wire) unregister(key string, b *inbox) {
	w.mu.Lock()
	registered := false
	if cur, ok := w.inboxes[key]; ok && cur == b {
		delete(w.inboxes, key)
		registered = true
	}
	w.mu.Unlock()
	b.fail()

	if registered {
		sub := b.sub
		if err := w.write(request{Method: "unsubscribe", Subscription: &sub}); err != nil {
			w.log.Debug().Err(err).Str("key", key).Msg("unsubscribe not sent")
		}
	}
}

// awaitReady blocks until the wire has a live connection.
func (w *Wire) awaitReady(ctx context.Context) error {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
