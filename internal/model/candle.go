package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Entity identifies one of the three time-series row kinds.
type Entity string

const (
	EntityCandle       Entity = "candle"
	EntityFundingRate  Entity = "funding"
	EntityOpenInterest Entity = "open_interest"
)

// Candle is one OHLCV row keyed by (market_id, time). Time is the
// interval-floored open time in UTC. Prices are arbitrary-precision decimals;
// they are parsed from vendor strings and never pass through floats.
type Candle struct {
	MarketID  int64           `db:"market_id" json:"market_id"`
	Time      time.Time       `db:"time" json:"time"`
	Open      decimal.Decimal `db:"open" json:"open"`
	High      decimal.Decimal `db:"high" json:"high"`
	Low       decimal.Decimal `db:"low" json:"low"`
	Close     decimal.Decimal `db:"close" json:"close"`
	Volume    decimal.Decimal `db:"volume" json:"volume"`
	NumTrades *int64          `db:"num_trades" json:"num_trades"` // nil = unknown, not zero
}

// Validate checks the OHLCV shape invariants:
// high >= max(open, close) >= min(open, close) >= low, volume >= 0, num_trades >= 0.
func (c Candle) Validate() error {
	hi := decimal.Max(c.Open, c.Close)
	lo := decimal.Min(c.Open, c.Close)
	if c.High.LessThan(hi) {
		return fmt.Errorf("candle market=%d time=%s: high %s < max(open,close) %s",
			c.MarketID, c.Time.Format(time.RFC3339), c.High, hi)
	}
	if c.Low.GreaterThan(lo) {
		return fmt.Errorf("candle market=%d time=%s: low %s > min(open,close) %s",
			c.MarketID, c.Time.Format(time.RFC3339), c.Low, lo)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle market=%d time=%s: negative volume %s",
			c.MarketID, c.Time.Format(time.RFC3339), c.Volume)
	}
	if c.NumTrades != nil && *c.NumTrades < 0 {
		return fmt.Errorf("candle market=%d time=%s: negative num_trades %d",
			c.MarketID, c.Time.Format(time.RFC3339), *c.NumTrades)
	}
	return nil
}

// Equal reports whether two candles carry the same values, comparing decimals
// by numeric value rather than representation.
func (c Candle) Equal(o Candle) bool {
	if c.MarketID != o.MarketID || !c.Time.Equal(o.Time) {
		return false
	}
	if !c.Open.Equal(o.Open) || !c.High.Equal(o.High) || !c.Low.Equal(o.Low) ||
		!c.Close.Equal(o.Close) || !c.Volume.Equal(o.Volume) {
		return false
	}
	switch {
	case c.NumTrades == nil && o.NumTrades == nil:
		return true
	case c.NumTrades == nil || o.NumTrades == nil:
		return false
	default:
		return *c.NumTrades == *o.NumTrades
	}
}
