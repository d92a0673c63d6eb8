package model

import (
	"fmt"
	"time"
)

// Ref is a small immutable reference entity (exchange, coin, quote, market type)
// with a stable numeric id and a short symbolic name.
type Ref struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Interval is a candle interval. Seconds is the interval duration.
type Interval struct {
	ID      int64  `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"` // "1m", "5m", "1h", ...
	Seconds int64  `json:"seconds" yaml:"seconds"`
}

// Duration returns the interval length as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds) * time.Second
}

// Market is the unique tuple (exchange, coin, quote, market_type, interval)
// with its own numeric id. Externally also known as a "starlisting".
type Market struct {
	ID          int64    `json:"id" yaml:"id"`
	Exchange    Ref      `json:"exchange" yaml:"exchange"`
	Coin        Ref      `json:"coin" yaml:"coin"`
	Quote       Ref      `json:"quote" yaml:"quote"`
	MarketType  Ref      `json:"market_type" yaml:"market_type"`
	Interval    Interval `json:"interval" yaml:"interval"`
	Active      bool     `json:"active" yaml:"active"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
}

// TupleKey returns the canonical string form of the market tuple,
// e.g. "hyperliquid:BTC:USD:perps:1m".
func (m Market) TupleKey() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		m.Exchange.Name, m.Coin.Name, m.Quote.Name, m.MarketType.Name, m.Interval.Name)
}

// IsPerps reports whether the market trades perpetual futures and therefore
// carries funding and open-interest streams.
func (m Market) IsPerps() bool {
	return m.MarketType.Name == "perps"
}
