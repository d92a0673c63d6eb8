package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/buffer"
	"kirby/internal/model"
	"kirby/internal/normalize"
)

// CandleSink is the persistence surface a candle collector writes to.
type CandleSink interface {
	UpsertCandle(ctx context.Context, c model.Candle) error
}

// CandleHandler normalizes vendor candle payloads and upserts them. Candles
// arriving with an earlier time than the previous one for this market are
// still written (late corrections) but logged.
func CandleHandler(src normalize.Source, market model.Market, sink CandleSink, log zerolog.Logger) Handler {
	log = log.With().Str("market", market.TupleKey()).Logger()
	var mu sync.Mutex
	var prev time.Time

	return func(ctx context.Context, raw json.RawMessage) error {
		c, err := normalize.Candle(src, market, raw)
		if err != nil {
			return err
		}

		mu.Lock()
		if !prev.IsZero() && c.Time.Before(prev) {
			log.Info().Time("candle_time", c.Time).Time("prev_time", prev).Msg("late candle correction")
		} else {
			prev = c.Time
		}
		mu.Unlock()

		return sink.UpsertCandle(ctx, c)
	}
}

// ContextHandler normalizes asset-context payloads and splits them into the
// funding and open-interest minute buffers. now is injectable for tests.
func ContextHandler(market model.Market,
	fundingBuf *buffer.Buffer[model.FundingRate],
	oiBuf *buffer.Buffer[model.OpenInterest],
	now func() time.Time) Handler {

	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, raw json.RawMessage) error {
		f, oi, err := normalize.AssetCtx(market, raw, now())
		if err != nil {
			return err
		}
		if err := fundingBuf.Observe(ctx, market.ID, f); err != nil {
			return err
		}
		return oiBuf.Observe(ctx, market.ID, oi)
	}
}
