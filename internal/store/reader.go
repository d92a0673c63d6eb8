package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/model"
)

const maxQueryLimit = 1000

// MarketFilter narrows Markets results. Zero values match everything.
type MarketFilter struct {
	Exchange   string
	MarketType string
	Active     *bool
}

// Markets returns catalog markets matching the filter, ordered by id. The
// catalog is the in-memory source of truth; the markets table is only a
// mirror for foreign keys.
func (s *Store) Markets(filter MarketFilter) []model.Market {
	var out []model.Market
	for _, m := range s.cat.All() {
		if filter.Exchange != "" && m.Exchange.Name != filter.Exchange {
			continue
		}
		if filter.MarketType != "" && m.MarketType.Name != filter.MarketType {
			continue
		}
		if filter.Active != nil && m.Active != *filter.Active {
			continue
		}
		out = append(out, m)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

type candleRow struct {
	MarketID  int64           `db:"market_id"`
	Time      int64           `db:"time"`
	Open      decimal.Decimal `db:"open"`
	High      decimal.Decimal `db:"high"`
	Low       decimal.Decimal `db:"low"`
	Close     decimal.Decimal `db:"close"`
	Volume    decimal.Decimal `db:"volume"`
	NumTrades *int64          `db:"num_trades"`
}

func (r candleRow) toModel() model.Candle {
	return model.Candle{
		MarketID: r.MarketID, Time: time.Unix(r.Time, 0).UTC(),
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume: r.Volume, NumTrades: r.NumTrades,
	}
}

// LatestCandles returns up to limit candles for the market, newest first.
// Served from the head cache when it holds enough rows.
func (s *Store) LatestCandles(ctx context.Context, marketID int64, limit int) ([]model.Candle, error) {
	limit = clampLimit(limit)
	if cached, ok := s.heads.latest(marketID, limit); ok {
		return cached, nil
	}

	q := s.db.Rebind(`SELECT market_id, time, open, high, low, close, volume, num_trades
		FROM candles WHERE market_id = ? ORDER BY time DESC LIMIT ?`)
	var rows []candleRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, limit); err != nil {
		return nil, err
	}
	out := make([]model.Candle, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CandlesInRange returns candles with from <= time < to, oldest first.
func (s *Store) CandlesInRange(ctx context.Context, marketID int64, from, to time.Time, limit int) ([]model.Candle, error) {
	limit = clampLimit(limit)
	q := s.db.Rebind(`SELECT market_id, time, open, high, low, close, volume, num_trades
		FROM candles WHERE market_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC LIMIT ?`)
	var rows []candleRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, from.Unix(), to.Unix(), limit); err != nil {
		return nil, err
	}
	out := make([]model.Candle, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

type fundingRow struct {
	MarketID        int64               `db:"market_id"`
	Time            int64               `db:"time"`
	FundingRate     decimal.Decimal     `db:"funding_rate"`
	Premium         decimal.NullDecimal `db:"premium"`
	MarkPrice       decimal.NullDecimal `db:"mark_price"`
	IndexPrice      decimal.NullDecimal `db:"index_price"`
	OraclePrice     decimal.NullDecimal `db:"oracle_price"`
	MidPrice        decimal.NullDecimal `db:"mid_price"`
	NextFundingTime *int64              `db:"next_funding_time"`
}

func (r fundingRow) toModel() model.FundingRate {
	f := model.FundingRate{
		MarketID: r.MarketID, Time: time.Unix(r.Time, 0).UTC(),
		FundingRate: r.FundingRate, Premium: r.Premium, MarkPrice: r.MarkPrice,
		IndexPrice: r.IndexPrice, OraclePrice: r.OraclePrice, MidPrice: r.MidPrice,
	}
	if r.NextFundingTime != nil {
		t := time.Unix(*r.NextFundingTime, 0).UTC()
		f.NextFundingTime = &t
	}
	return f
}

// LatestFundingRates returns up to limit funding rows, newest first.
func (s *Store) LatestFundingRates(ctx context.Context, marketID int64, limit int) ([]model.FundingRate, error) {
	limit = clampLimit(limit)
	q := s.db.Rebind(`SELECT market_id, time, funding_rate, premium, mark_price, index_price,
		oracle_price, mid_price, next_funding_time
		FROM funding_rates WHERE market_id = ? ORDER BY time DESC LIMIT ?`)
	var rows []fundingRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, limit); err != nil {
		return nil, err
	}
	out := make([]model.FundingRate, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// FundingRatesInRange returns funding rows with from <= time < to, oldest first.
func (s *Store) FundingRatesInRange(ctx context.Context, marketID int64, from, to time.Time, limit int) ([]model.FundingRate, error) {
	limit = clampLimit(limit)
	q := s.db.Rebind(`SELECT market_id, time, funding_rate, premium, mark_price, index_price,
		oracle_price, mid_price, next_funding_time
		FROM funding_rates WHERE market_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC LIMIT ?`)
	var rows []fundingRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, from.Unix(), to.Unix(), limit); err != nil {
		return nil, err
	}
	out := make([]model.FundingRate, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

type oiRow struct {
	MarketID          int64           `db:"market_id"`
	Time              int64           `db:"time"`
	OpenInterest      decimal.Decimal `db:"open_interest"`
	NotionalValue     decimal.Decimal `db:"notional_value"`
	DayBaseVolume     decimal.Decimal `db:"day_base_volume"`
	DayNotionalVolume decimal.Decimal `db:"day_notional_volume"`
}

func (r oiRow) toModel() model.OpenInterest {
	return model.OpenInterest{
		MarketID: r.MarketID, Time: time.Unix(r.Time, 0).UTC(),
		OpenInterest: r.OpenInterest, NotionalValue: r.NotionalValue,
		DayBaseVolume: r.DayBaseVolume, DayNotionalVolume: r.DayNotionalVolume,
	}
}

// LatestOpenInterest returns up to limit open-interest rows, newest first.
func (s *Store) LatestOpenInterest(ctx context.Context, marketID int64, limit int) ([]model.OpenInterest, error) {
	limit = clampLimit(limit)
	q := s.db.Rebind(`SELECT market_id, time, open_interest, notional_value, day_base_volume, day_notional_volume
		FROM open_interest WHERE market_id = ? ORDER BY time DESC LIMIT ?`)
	var rows []oiRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, limit); err != nil {
		return nil, err
	}
	out := make([]model.OpenInterest, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// OpenInterestInRange returns open-interest rows with from <= time < to, oldest first.
func (s *Store) OpenInterestInRange(ctx context.Context, marketID int64, from, to time.Time, limit int) ([]model.OpenInterest, error) {
	limit = clampLimit(limit)
	q := s.db.Rebind(`SELECT market_id, time, open_interest, notional_value, day_base_volume, day_notional_volume
		FROM open_interest WHERE market_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC LIMIT ?`)
	var rows []oiRow
	if err := s.db.SelectContext(ctx, &rows, q, marketID, from.Unix(), to.Unix(), limit); err != nil {
		return nil, err
	}
	out := make([]model.OpenInterest, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// SetFailureHandler installs fn on all three batch writers; it runs when a
// flush exhausts its retries (ErrStorageUnavailable).
func (s *Store) SetFailureHandler(fn func(error)) {
	s.candles.onFailure = fn
	s.funding.onFailure = fn
	s.oi.onFailure = fn
}
