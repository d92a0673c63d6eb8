package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirby/internal/bus"
	"kirby/internal/catalog"
	"kirby/internal/model"
	"kirby/internal/store"
)

var testMinute = time.Date(2025, 11, 17, 22, 29, 0, 0, time.UTC)

func gatewayCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]model.Market{
		{
			ID:       1,
			Exchange: model.Ref{ID: 1, Name: "hyperliquid"},
			Coin:     model.Ref{ID: 1, Name: "BTC"}, Quote: model.Ref{ID: 1, Name: "USD"},
			MarketType: model.Ref{ID: 1, Name: "perps"},
			Interval:   model.Interval{ID: 1, Name: "1m", Seconds: 60},
			Active:     true,
		},
		{
			ID:       2,
			Exchange: model.Ref{ID: 1, Name: "hyperliquid"},
			Coin:     model.Ref{ID: 2, Name: "ETH"}, Quote: model.Ref{ID: 1, Name: "USD"},
			MarketType: model.Ref{ID: 1, Name: "perps"},
			Interval:   model.Interval{ID: 1, Name: "1m", Seconds: 60},
			Active:     false,
		},
	})
	require.NoError(t, err)
	return cat
}

type stubReader struct {
	candles []model.Candle
}

func (s *stubReader) LatestCandles(_ context.Context, marketID int64, limit int) ([]model.Candle, error) {
	if limit > len(s.candles) {
		limit = len(s.candles)
	}
	out := make([]model.Candle, limit)
	copy(out, s.candles[:limit])
	return out, nil
}

func storedCandle(minuteOffset int, close string) model.Candle {
	return model.Candle{
		MarketID: 1, Time: testMinute.Add(time.Duration(-minuteOffset) * time.Minute),
		Open:  decimal.RequireFromString("100"),
		High:  decimal.RequireFromString("115"),
		Low:   decimal.RequireFromString("95"),
		Close: decimal.RequireFromString(close), Volume: decimal.RequireFromString("10"),
	}
}

type testGateway struct {
	srv *Server
	b   *bus.Bus
	ts  *httptest.Server
}

func newTestGateway(t *testing.T, reader HistoryReader) *testGateway {
	t.Helper()
	b := bus.New(zerolog.Nop())
	srv := NewServer(Config{
		QueueSize:    64,
		MaxSessions:  2,
		Heartbeat:    time.Minute,
		WriteTimeout: time.Second,
	}, gatewayCatalog(t), reader, b, nil, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testGateway{srv: srv, b: b, ts: ts}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestSubscribeWithHistoryThenLive(t *testing.T) {
	reader := &stubReader{candles: []model.Candle{storedCandle(0, "112"), storedCandle(1, "105")}}
	g := newTestGateway(t, reader)
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{1}, "history": 2})

	ack := readFrame(t, conn)
	assert.Equal(t, "success", ack["type"], "the ack precedes the historical frames")

	hist := readFrame(t, conn)
	assert.Equal(t, "historical", hist["type"])
	assert.Equal(t, float64(1), hist["starlisting_id"])
	assert.Equal(t, float64(2), hist["count"])
	data := hist["data"].([]interface{})
	require.Len(t, data, 2)
	newest := data[0].(map[string]interface{})
	assert.Equal(t, "112", newest["close"], "history is newest-first with string prices")

	// A committed row now reaches the session as a live candle frame.
	c := storedCandle(0, "120")
	g.b.Publish(store.Event{Entity: model.EntityCandle, MarketID: 1, Time: c.Time, Payload: &c})

	live := readFrame(t, conn)
	assert.Equal(t, "candle", live["type"])
	assert.Equal(t, "hyperliquid", live["exchange"])
	assert.Equal(t, "BTC", live["coin"])
	assert.Equal(t, "1m", live["interval"])
	payload := live["data"].(map[string]interface{})
	assert.Equal(t, "120", payload["close"])
	assert.Equal(t, testMinute.Format(time.RFC3339), payload["time"])
}

func TestSubscribeRejectsInactiveMarket(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{2}})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, CodeInvalidStarlisting, frame["code"])
	assert.Zero(t, g.b.Subscribers(2), "a rejected subscribe must not register anything")
}

func TestSubscribeRejectsUnknownMarket(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{1, 999}})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, CodeInvalidStarlisting, frame["code"])
	assert.Zero(t, g.b.Subscribers(1), "partial registration is not allowed")
}

func TestSubscribeRejectsHistoryOutOfRange(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{1}, "history": 1001})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, CodeValidationError, frame["code"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{1}})
	require.Equal(t, "success", readFrame(t, conn)["type"])

	send(t, conn, map[string]interface{}{"action": "unsubscribe", "market_ids": []int64{1}})
	require.Equal(t, "success", readFrame(t, conn)["type"])
	require.Eventually(t, func() bool { return g.b.Subscribers(1) == 0 }, time.Second, 5*time.Millisecond)

	c := storedCandle(0, "120")
	g.b.Publish(store.Event{Entity: model.EntityCandle, MarketID: 1, Time: c.Time, Payload: &c})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frames after unsubscribe")
}

func TestPingPong(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "ping"})
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
	_, err := time.Parse(time.RFC3339, frame["timestamp"].(string))
	assert.NoError(t, err)
}

func TestInvalidJSONAndUnknownAction(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, CodeInvalidJSON, frame["code"])

	send(t, conn, map[string]interface{}{"action": "replay"})
	frame = readFrame(t, conn)
	assert.Equal(t, CodeUnknownAction, frame["code"])
}

func TestInvalidFrameRateKillClosesSlowConsumer(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	// Burn through the invalid-frame allowance in one burst.
	for i := 0; i < 15; i++ {
		send(t, conn, map[string]interface{}{"action": "replay"})
	}

	found := false
	for i := 0; i < 20 && !found; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		found = frame["code"] == CodeSlowConsumer
	}
	require.True(t, found, "spraying invalid frames must close the session slow_consumer")
}

func TestControlOverflowClosesSlowConsumer(t *testing.T) {
	b := bus.New(zerolog.Nop())
	srv := NewServer(Config{QueueSize: 1, Heartbeat: time.Minute},
		gatewayCatalog(t), &stubReader{}, b, nil, zerolog.Nop())

	// No pumps running: the first control frame fills the queue, the second
	// cannot be dropped and must close the session.
	s := newSession(nil, srv)
	require.True(t, s.sendControl(encodeTimestamp("pong", time.Now())))
	require.False(t, s.sendControl(encodeTimestamp("pong", time.Now())))

	select {
	case <-s.closed:
	default:
		t.Fatal("session must be closed after a control frame overflow")
	}

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(s.final, &frame))
	assert.Equal(t, CodeSlowConsumer, frame["code"])
}

func TestSessionLimit(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	g.dial(t)
	g.dial(t)
	require.Eventually(t, func() bool { return g.srv.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, &stubReader{})

	resp, err := http.Get(g.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestFundingAndOpenInterestFrames(t *testing.T) {
	g := newTestGateway(t, &stubReader{})
	conn := g.dial(t)

	send(t, conn, map[string]interface{}{"action": "subscribe", "market_ids": []int64{1}})
	require.Equal(t, "success", readFrame(t, conn)["type"])

	f := model.FundingRate{
		MarketID: 1, Time: testMinute,
		FundingRate: decimal.RequireFromString("0.0000125"),
		MarkPrice:   decimal.NewNullDecimal(decimal.RequireFromString("43010.5")),
	}
	g.b.Publish(store.Event{Entity: model.EntityFundingRate, MarketID: 1, Time: f.Time, Payload: &f})

	frame := readFrame(t, conn)
	assert.Equal(t, "funding", frame["type"])
	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "0.0000125", data["funding_rate"])
	assert.Equal(t, "43010.5", data["mark_price"])
	assert.Nil(t, data["index_price"], "null prices stay null on the wire")

	oi := model.OpenInterest{
		MarketID: 1, Time: testMinute,
		OpenInterest:  decimal.RequireFromString("1000"),
		NotionalValue: decimal.RequireFromString("43010500"),
	}
	g.b.Publish(store.Event{Entity: model.EntityOpenInterest, MarketID: 1, Time: oi.Time, Payload: &oi})

	frame = readFrame(t, conn)
	assert.Equal(t, "open_interest", frame["type"])
	data = frame["data"].(map[string]interface{})
	assert.Equal(t, "1000", data["open_interest"])
	assert.Equal(t, "43010500", data["notional_value"])
}
