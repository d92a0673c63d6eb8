package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirby/internal/catalog"
	"kirby/internal/model"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]model.Market{
		{
			ID:       1,
			Exchange: model.Ref{ID: 1, Name: "hyperliquid"},
			Coin:     model.Ref{ID: 1, Name: "BTC"}, Quote: model.Ref{ID: 1, Name: "USD"},
			MarketType: model.Ref{ID: 1, Name: "perps"},
			Interval:   model.Interval{ID: 1, Name: "1m", Seconds: 60},
			Active:     true, DisplayName: "BTC-USD perps 1m",
		},
		{
			ID:       2,
			Exchange: model.Ref{ID: 1, Name: "hyperliquid"},
			Coin:     model.Ref{ID: 2, Name: "ETH"}, Quote: model.Ref{ID: 1, Name: "USD"},
			MarketType: model.Ref{ID: 2, Name: "spot"},
			Interval:   model.Interval{ID: 1, Name: "1m", Seconds: 60},
			Active:     false, DisplayName: "ETH-USD spot 1m",
		},
	})
	require.NoError(t, err)
	return cat
}

// recordingNotifier captures post-commit events in publish order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestStore(t *testing.T, n Notifier) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver:        "sqlite3",
		DSN:           ":memory:",
		BatchSize:     500,
		FlushInterval: 10 * time.Millisecond,
	}, testCatalog(t), n, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCandle(marketID int64, at time.Time, close string) model.Candle {
	n := int64(120)
	return model.Candle{
		MarketID: marketID, Time: at,
		Open: dec("43000"), High: dec("43100.5"), Low: dec("42950.123456789012345678"),
		Close: dec(close), Volume: dec("12.5"), NumTrades: &n,
	}
}

var minuteZero = time.Date(2025, 11, 17, 22, 29, 0, 0, time.UTC)

func TestCandleUpsertOverwrites(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	first := testCandle(1, minuteZero, "43050")
	require.NoError(t, s.flushCandles(ctx, []model.Candle{first}))

	second := testCandle(1, minuteZero, "43099.75")
	require.NoError(t, s.flushCandles(ctx, []model.Candle{second}))

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM candles WHERE market_id = 1`))
	assert.Equal(t, 1, count, "same (market_id, time) must stay one row")

	got, err := s.LatestCandles(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, second.Equal(got[0]), "second write must supersede the first")
}

func TestCandleUpsertIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	c := testCandle(1, minuteZero, "43050")
	require.NoError(t, s.flushCandles(ctx, []model.Candle{c}))
	require.NoError(t, s.flushCandles(ctx, []model.Candle{c}))

	got, err := s.LatestCandles(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, c.Equal(got[0]))
}

func TestCandleDecimalPrecisionSurvivesRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	c := testCandle(1, minuteZero, "43050")
	require.NoError(t, s.flushCandles(ctx, []model.Candle{c}))

	// Defeat the head cache by asking for more rows than it holds.
	got, err := s.CandlesInRange(ctx, 1, minuteZero, minuteZero.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Low.Equal(dec("42950.123456789012345678")))
}

func TestLatestCandlesOrdering(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	var batch []model.Candle
	for i := 0; i < 3; i++ {
		batch = append(batch, testCandle(1, minuteZero.Add(time.Duration(i)*time.Minute), "43050"))
	}
	require.NoError(t, s.flushCandles(ctx, batch))

	// limit within the cache: served from the head, newest first.
	got, err := s.LatestCandles(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, minuteZero.Add(2*time.Minute).Unix(), got[0].Time.Unix())
	assert.Equal(t, minuteZero.Add(time.Minute).Unix(), got[1].Time.Unix())

	// limit past the cache: falls through to the database, same ordering.
	got, err = s.LatestCandles(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Time.Before(got[i-1].Time))
	}
}

func TestCandlesInRangeHalfOpen(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	var batch []model.Candle
	for i := 0; i < 4; i++ {
		batch = append(batch, testCandle(1, minuteZero.Add(time.Duration(i)*time.Minute), "43050"))
	}
	require.NoError(t, s.flushCandles(ctx, batch))

	got, err := s.CandlesInRange(ctx, 1, minuteZero.Add(time.Minute), minuteZero.Add(3*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, got, 2, "range is [from, to)")
	assert.Equal(t, minuteZero.Add(time.Minute).Unix(), got[0].Time.Unix())
	assert.Equal(t, minuteZero.Add(2*time.Minute).Unix(), got[1].Time.Unix())
}

func TestUpsertCandleRejectsUnaligned(t *testing.T) {
	s := newTestStore(t, nil)

	c := testCandle(1, time.Date(2025, 11, 17, 22, 29, 37, 0, time.UTC), "43050")
	err := s.UpsertCandle(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not aligned")
}

func TestUpsertCandleRejectsUnknownMarket(t *testing.T) {
	s := newTestStore(t, nil)

	c := testCandle(99, minuteZero, "43050")
	err := s.UpsertCandle(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown market")
}

func TestUpsertCandleRejectsBrokenShape(t *testing.T) {
	s := newTestStore(t, nil)

	c := testCandle(1, minuteZero, "43050")
	c.High = dec("1") // below both open and close
	err := s.UpsertCandle(context.Background(), c)
	require.Error(t, err)
}

func TestUpsertFundingRejectsUnaligned(t *testing.T) {
	s := newTestStore(t, nil)

	f := model.FundingRate{MarketID: 1, Time: minuteZero.Add(5 * time.Second), FundingRate: dec("0.0000125")}
	err := s.UpsertFundingRate(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not minute-aligned")
}

func TestFundingNullFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	next := minuteZero.Add(31 * time.Minute)
	f := model.FundingRate{
		MarketID: 1, Time: minuteZero,
		FundingRate: dec("0.0000125"),
		MarkPrice:   decimal.NewNullDecimal(dec("43010.5")),
		// index price intentionally absent: the vendor feed carries no index
		NextFundingTime: &next,
	}
	require.NoError(t, s.flushFunding(ctx, []model.FundingRate{f}))

	got, err := s.LatestFundingRates(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].FundingRate.Equal(f.FundingRate))
	assert.True(t, got[0].MarkPrice.Valid)
	assert.False(t, got[0].IndexPrice.Valid, "absent field must stay null, not zero")
	require.NotNil(t, got[0].NextFundingTime)
	assert.Equal(t, next.Unix(), got[0].NextFundingTime.Unix())
}

func TestOpenInterestRange(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	var batch []model.OpenInterest
	for i := 0; i < 3; i++ {
		batch = append(batch, model.OpenInterest{
			MarketID: 1, Time: minuteZero.Add(time.Duration(i) * time.Minute),
			OpenInterest: dec("1000"), NotionalValue: dec("43010500"),
			DayBaseVolume: dec("5000"), DayNotionalVolume: dec("215052500"),
		})
	}
	require.NoError(t, s.flushOpenInterest(ctx, batch))

	got, err := s.OpenInterestInRange(ctx, 1, minuteZero, minuteZero.Add(2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Time.Before(got[1].Time))

	latest, err := s.LatestOpenInterest(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, minuteZero.Add(2*time.Minute).Unix(), latest[0].Time.Unix())
}

func TestBatcherFlushesAndNotifiesInCommitOrder(t *testing.T) {
	rec := &recordingNotifier{}
	s := newTestStore(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	times := []time.Time{minuteZero, minuteZero.Add(time.Minute), minuteZero.Add(2 * time.Minute)}
	for _, at := range times {
		require.NoError(t, s.UpsertCandle(ctx, testCandle(1, at, "43050")))
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(times)
	}, 2*time.Second, 10*time.Millisecond, "all enqueued rows must be committed and notified")

	cancel()
	<-done

	events := rec.snapshot()
	for i, e := range events {
		assert.Equal(t, model.EntityCandle, e.Entity)
		assert.Equal(t, int64(1), e.MarketID)
		assert.Equal(t, times[i].Unix(), e.Time.Unix(), "notifications follow commit order")
		assert.NotEmpty(t, e.Digest)
	}
}

func TestShutdownFlushesPartialBatch(t *testing.T) {
	rec := &recordingNotifier{}
	s, err := Open(Config{
		Driver: "sqlite3", DSN: ":memory:",
		BatchSize:     500,
		FlushInterval: time.Hour, // never fires; only the shutdown path flushes
	}, testCatalog(t), rec, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	require.NoError(t, s.UpsertCandle(ctx, testCandle(1, minuteZero, "43050")))
	time.Sleep(50 * time.Millisecond) // let the batcher pick the row off the queue
	cancel()
	<-done

	got, err := s.LatestCandles(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1, "pending rows must be committed on shutdown")
	assert.Len(t, rec.snapshot(), 1)
}

func TestDigestStableForEqualPayloads(t *testing.T) {
	a := candleEvent(testCandle(1, minuteZero, "43050"))
	b := candleEvent(testCandle(1, minuteZero, "43050"))
	c := candleEvent(testCandle(1, minuteZero, "43051"))

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestMarketsFilter(t *testing.T) {
	s := newTestStore(t, nil)

	all := s.Markets(MarketFilter{})
	assert.Len(t, all, 2)

	active := true
	got := s.Markets(MarketFilter{Active: &active})
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)

	got = s.Markets(MarketFilter{MarketType: "spot"})
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)

	assert.Empty(t, s.Markets(MarketFilter{Exchange: "binance"}))
}
