package normalize

import (
	"bytes"
	"encoding/json"
	"time"

	"kirby/internal/model"
	"kirby/internal/timegrid"
)

// ccxtArity is the unified OHLCV shape: [ms, open, high, low, close, volume].
const ccxtArity = 6

// ccxtCandle decodes a ccxt unified OHLCV array. ccxt emits plain JSON
// numbers; their literal text is parsed into decimals to avoid float rounding.
// num_trades is not part of the unified shape and stays null.
func ccxtCandle(market model.Market, raw []byte) (model.Candle, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields []interface{}
	if err := dec.Decode(&fields); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "invalid json", err)
	}
	if len(fields) != ccxtArity {
		return model.Candle{}, malformed(SourceCCXT, "wrong arity", nil)
	}

	ms, ok := fields[0].(json.Number)
	if !ok {
		return model.Candle{}, malformed(SourceCCXT, "non-numeric timestamp", nil)
	}
	openMs, err := ms.Int64()
	if err != nil {
		return model.Candle{}, malformed(SourceCCXT, "timestamp", err)
	}

	c := model.Candle{MarketID: market.ID}
	if c.Open, err = positionalDecimal(fields[1]); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "open price", err)
	}
	if c.High, err = positionalDecimal(fields[2]); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "high price", err)
	}
	if c.Low, err = positionalDecimal(fields[3]); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "low price", err)
	}
	if c.Close, err = positionalDecimal(fields[4]); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "close price", err)
	}
	if c.Volume, err = positionalDecimal(fields[5]); err != nil {
		return model.Candle{}, malformed(SourceCCXT, "volume", err)
	}

	c.Time = timegrid.Floor(time.Unix(openMs/1000, 0).UTC(), market.Interval.Seconds)
	return c, nil
}
