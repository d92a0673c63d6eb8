package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingRate is one perpetual-funding row keyed by (market_id, time).
// Time is floored to the minute. Only funding_rate is mandatory; vendors
// sometimes omit the price fields and null is a legitimate value there.
type FundingRate struct {
	MarketID        int64               `db:"market_id" json:"market_id"`
	Time            time.Time           `db:"time" json:"time"`
	FundingRate     decimal.Decimal     `db:"funding_rate" json:"funding_rate"`
	Premium         decimal.NullDecimal `db:"premium" json:"premium"`
	MarkPrice       decimal.NullDecimal `db:"mark_price" json:"mark_price"`
	IndexPrice      decimal.NullDecimal `db:"index_price" json:"index_price"`
	OraclePrice     decimal.NullDecimal `db:"oracle_price" json:"oracle_price"`
	MidPrice        decimal.NullDecimal `db:"mid_price" json:"mid_price"`
	NextFundingTime *time.Time          `db:"next_funding_time" json:"next_funding_time"`
}

// OpenInterest is one open-interest row keyed by (market_id, time).
// Time is floored to the minute.
type OpenInterest struct {
	MarketID          int64           `db:"market_id" json:"market_id"`
	Time              time.Time       `db:"time" json:"time"`
	OpenInterest      decimal.Decimal `db:"open_interest" json:"open_interest"`
	NotionalValue     decimal.Decimal `db:"notional_value" json:"notional_value"`
	DayBaseVolume     decimal.Decimal `db:"day_base_volume" json:"day_base_volume"`
	DayNotionalVolume decimal.Decimal `db:"day_notional_volume" json:"day_notional_volume"`
}
