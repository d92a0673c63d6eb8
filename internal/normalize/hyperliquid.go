package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/model"
	"kirby/internal/timegrid"
)

// hlCandle mirrors the Hyperliquid ws "candle" channel payload. Prices arrive
// as decimal strings; t is the open time in epoch milliseconds.
type hlCandle struct {
	OpenTimeMs  int64  `json:"t"`
	CloseTimeMs int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	NumTrades   *int64 `json:"n"`
}

func hyperliquidCandle(market model.Market, raw []byte) (model.Candle, error) {
	var p hlCandle
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "invalid json", err)
	}
	if p.OpenTimeMs <= 0 {
		return model.Candle{}, malformed(SourceHyperliquidWS, "missing open time", nil)
	}

	c := model.Candle{MarketID: market.ID}
	var err error
	if c.Open, err = decimal.NewFromString(p.Open); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "open price", err)
	}
	if c.High, err = decimal.NewFromString(p.High); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "high price", err)
	}
	if c.Low, err = decimal.NewFromString(p.Low); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "low price", err)
	}
	if c.Close, err = decimal.NewFromString(p.Close); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "close price", err)
	}
	if c.Volume, err = decimal.NewFromString(p.Volume); err != nil {
		return model.Candle{}, malformed(SourceHyperliquidWS, "volume", err)
	}
	c.NumTrades = p.NumTrades

	open := time.Unix(p.OpenTimeMs/1000, 0).UTC()
	c.Time = timegrid.Floor(open, market.Interval.Seconds)
	return c, nil
}

// EncodeCandle serializes a canonical candle back into the hl_ws wire shape.
// normalize.Candle(SourceHyperliquidWS, m, EncodeCandle(c)) round-trips.
func EncodeCandle(market model.Market, c model.Candle) []byte {
	p := hlCandle{
		OpenTimeMs:  c.Time.Unix() * 1000,
		CloseTimeMs: c.Time.Unix()*1000 + market.Interval.Seconds*1000 - 1,
		Symbol:      market.Coin.Name,
		Interval:    market.Interval.Name,
		Open:        c.Open.String(),
		Close:       c.Close.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Volume:      c.Volume.String(),
		NumTrades:   c.NumTrades,
	}
	b, _ := json.Marshal(p)
	return b
}

// hlAssetCtx mirrors the "ctx" object of the Hyperliquid activeAssetCtx
// channel: funding, open interest and reference prices as decimal strings.
// Optional prices may be absent or empty on illiquid markets.
type hlAssetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	PrevDayPx    string `json:"prevDayPx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	DayBaseVlm   string `json:"dayBaseVlm"`
	Premium      string `json:"premium"`
	OraclePx     string `json:"oraclePx"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
}

type hlActiveAssetCtx struct {
	Coin string     `json:"coin"`
	Ctx  hlAssetCtx `json:"ctx"`
}

// AssetCtx splits a Hyperliquid activeAssetCtx payload into one funding record
// and one open-interest record, both stamped with the minute floor of
// observedAt. The minute buffer keys its slots on that time.
func AssetCtx(market model.Market, raw []byte, observedAt time.Time) (model.FundingRate, model.OpenInterest, error) {
	var p hlActiveAssetCtx
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.FundingRate{}, model.OpenInterest{}, malformed(SourceHyperliquidWS, "invalid json", err)
	}

	minute := timegrid.Floor(observedAt.UTC(), 60)
	fr := model.FundingRate{MarketID: market.ID, Time: minute}
	var err error
	if fr.FundingRate, err = decimal.NewFromString(p.Ctx.Funding); err != nil {
		return model.FundingRate{}, model.OpenInterest{}, malformed(SourceHyperliquidWS, "funding rate", err)
	}
	fr.Premium = optDecimal(p.Ctx.Premium)
	fr.MarkPrice = optDecimal(p.Ctx.MarkPx)
	fr.OraclePrice = optDecimal(p.Ctx.OraclePx)
	fr.MidPrice = optDecimal(p.Ctx.MidPx)
	// Hyperliquid exposes no separate index price; oracle is the closest thing
	// and index_price stays null rather than duplicating it.

	oi := model.OpenInterest{MarketID: market.ID, Time: minute}
	if oi.OpenInterest, err = decimal.NewFromString(p.Ctx.OpenInterest); err != nil {
		return model.FundingRate{}, model.OpenInterest{}, malformed(SourceHyperliquidWS, "open interest", err)
	}
	oi.DayBaseVolume = optValue(p.Ctx.DayBaseVlm)
	oi.DayNotionalVolume = optValue(p.Ctx.DayNtlVlm)
	if fr.MarkPrice.Valid {
		oi.NotionalValue = oi.OpenInterest.Mul(fr.MarkPrice.Decimal)
	}
	return fr, oi, nil
}

// optDecimal parses an optional vendor string into a nullable decimal.
// Empty and absent mean null, not zero.
func optDecimal(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// optValue is like optDecimal for non-nullable columns: unparseable or absent
// collapses to zero.
func optValue(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
