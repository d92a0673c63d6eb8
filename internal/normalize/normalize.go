// Package normalize parses vendor-specific market data payloads into canonical
// records. Numeric fields are parsed as arbitrary-precision decimals from their
// string forms and never pass through floats.
package normalize

import (
	"errors"
	"fmt"

	"kirby/internal/model"
)

// Source tags the vendor format of a raw payload.
type Source string

const (
	SourceHyperliquidWS Source = "hl_ws"
	SourceBinanceRaw    Source = "binance_raw"
	SourceCCXT          Source = "ccxt"
)

// MalformedPayloadError is returned when vendor data cannot be normalized.
// It is recoverable: callers log and skip the payload without tearing down
// the stream.
type MalformedPayloadError struct {
	Source Source
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Source, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is (or wraps) a MalformedPayloadError.
func IsMalformed(err error) bool {
	var m *MalformedPayloadError
	return errors.As(err, &m)
}

func malformed(src Source, reason string, err error) error {
	return &MalformedPayloadError{Source: src, Reason: reason, Err: err}
}

// Candle parses a raw vendor candle payload into a canonical candle for the
// given market. The returned candle's time is converted to seconds UTC and
// floored to the market's interval.
func Candle(src Source, market model.Market, raw []byte) (model.Candle, error) {
	switch src {
	case SourceHyperliquidWS:
		return hyperliquidCandle(market, raw)
	case SourceBinanceRaw:
		return binanceCandle(market, raw)
	case SourceCCXT:
		return ccxtCandle(market, raw)
	default:
		return model.Candle{}, malformed(src, "unknown source", nil)
	}
}
