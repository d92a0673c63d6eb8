package normalize

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/model"
	"kirby/internal/timegrid"
)

// binanceKlineArity is the documented element count of a raw kline entry:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
//  numTrades, takerBuyBase, takerBuyQuote, ignore]
const binanceKlineArity = 12

// binanceCandle decodes one positional kline array. Arity is validated before
// any field access; prices are strings, times and trade counts are numbers.
func binanceCandle(market model.Market, raw []byte) (model.Candle, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields []interface{}
	if err := dec.Decode(&fields); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "invalid json", err)
	}
	if len(fields) != binanceKlineArity {
		return model.Candle{}, malformed(SourceBinanceRaw, "wrong arity", nil)
	}

	openMs, err := positionalInt(fields[0])
	if err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "open time", err)
	}
	c := model.Candle{MarketID: market.ID}
	if c.Open, err = positionalDecimal(fields[1]); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "open price", err)
	}
	if c.High, err = positionalDecimal(fields[2]); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "high price", err)
	}
	if c.Low, err = positionalDecimal(fields[3]); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "low price", err)
	}
	if c.Close, err = positionalDecimal(fields[4]); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "close price", err)
	}
	if c.Volume, err = positionalDecimal(fields[5]); err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "volume", err)
	}
	n, err := positionalInt(fields[8])
	if err != nil {
		return model.Candle{}, malformed(SourceBinanceRaw, "num trades", err)
	}
	c.NumTrades = &n

	c.Time = timegrid.Floor(time.Unix(openMs/1000, 0).UTC(), market.Interval.Seconds)
	return c, nil
}

// positionalDecimal accepts a string element ("43086.22") and parses it
// exactly. Numbers are tolerated via their literal text, never via float64.
func positionalDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	default:
		return decimal.Decimal{}, &MalformedPayloadError{Source: SourceBinanceRaw, Reason: "non-numeric element"}
	}
}

func positionalInt(v interface{}) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, &MalformedPayloadError{Source: SourceBinanceRaw, Reason: "non-integer element"}
	}
	return n.Int64()
}
