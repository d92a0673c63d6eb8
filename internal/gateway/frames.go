package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/model"
)

// Error codes carried on error frames.
const (
	CodeUnknownAction      = "unknown_action"
	CodeInvalidJSON        = "invalid_json"
	CodeValidationError    = "validation_error"
	CodeInvalidStarlisting = "invalid_starlisting"
	CodeInternalError      = "internal_error"
	CodeSlowConsumer       = "slow_consumer"
)

// inboundFrame is a client action frame. Action selects which fields apply.
type inboundFrame struct {
	Action    string  `json:"action"`
	MarketIDs []int64 `json:"market_ids"`
	History   int     `json:"history"`
}

// marketDesc is the market tuple repeated on every data frame so clients
// never need a side lookup. Markets are externally called starlistings.
type marketDesc struct {
	StarlistingID int64  `json:"starlisting_id"`
	Exchange      string `json:"exchange"`
	Coin          string `json:"coin"`
	Quote         string `json:"quote"`
	MarketType    string `json:"market_type"`
}

func describe(m model.Market) marketDesc {
	return marketDesc{
		StarlistingID: m.ID,
		Exchange:      m.Exchange.Name,
		Coin:          m.Coin.Name,
		Quote:         m.Quote.Name,
		MarketType:    m.MarketType.Name,
	}
}

// Wire payloads: prices as decimal strings, timestamps RFC-3339 UTC.

type wireCandle struct {
	Time      string `json:"time"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	NumTrades *int64 `json:"num_trades,omitempty"`
}

func candleWire(c model.Candle) wireCandle {
	return wireCandle{
		Time:      c.Time.UTC().Format(time.RFC3339),
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		Volume:    c.Volume.String(),
		NumTrades: c.NumTrades,
	}
}

type wireFunding struct {
	Time            string  `json:"time"`
	FundingRate     string  `json:"funding_rate"`
	Premium         *string `json:"premium"`
	MarkPrice       *string `json:"mark_price"`
	IndexPrice      *string `json:"index_price"`
	OraclePrice     *string `json:"oracle_price"`
	MidPrice        *string `json:"mid_price"`
	NextFundingTime *string `json:"next_funding_time"`
}

func fundingWire(f model.FundingRate) wireFunding {
	w := wireFunding{
		Time:        f.Time.UTC().Format(time.RFC3339),
		FundingRate: f.FundingRate.String(),
		Premium:     nullDecimalString(f.Premium),
		MarkPrice:   nullDecimalString(f.MarkPrice),
		IndexPrice:  nullDecimalString(f.IndexPrice),
		OraclePrice: nullDecimalString(f.OraclePrice),
		MidPrice:    nullDecimalString(f.MidPrice),
	}
	if f.NextFundingTime != nil {
		s := f.NextFundingTime.UTC().Format(time.RFC3339)
		w.NextFundingTime = &s
	}
	return w
}

func nullDecimalString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

type wireOpenInterest struct {
	Time              string `json:"time"`
	OpenInterest      string `json:"open_interest"`
	NotionalValue     string `json:"notional_value"`
	DayBaseVolume     string `json:"day_base_volume"`
	DayNotionalVolume string `json:"day_notional_volume"`
}

func openInterestWire(o model.OpenInterest) wireOpenInterest {
	return wireOpenInterest{
		Time:              o.Time.UTC().Format(time.RFC3339),
		OpenInterest:      o.OpenInterest.String(),
		NotionalValue:     o.NotionalValue.String(),
		DayBaseVolume:     o.DayBaseVolume.String(),
		DayNotionalVolume: o.DayNotionalVolume.String(),
	}
}

// Outbound frames.

type successFrame struct {
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	StarlistingIDs []int64 `json:"starlisting_ids"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type timestampFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type historicalFrame struct {
	Type string `json:"type"`
	marketDesc
	Count int          `json:"count"`
	Data  []wireCandle `json:"data"`
}

type candleFrame struct {
	Type string `json:"type"`
	marketDesc
	Interval string     `json:"interval"`
	Data     wireCandle `json:"data"`
}

type fundingFrame struct {
	Type string `json:"type"`
	marketDesc
	Data wireFunding `json:"data"`
}

type openInterestFrame struct {
	Type string `json:"type"`
	marketDesc
	Data wireOpenInterest `json:"data"`
}

type lagWarningFrame struct {
	Type      string `json:"type"`
	Dropped   int64  `json:"dropped"`
	Timestamp string `json:"timestamp"`
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Frames are built from our own structs; a marshal failure is a
		// programming error.
		panic(err)
	}
	return b
}

func encodeSuccess(msg string, ids []int64) []byte {
	if ids == nil {
		ids = []int64{}
	}
	return encode(successFrame{Type: "success", Message: msg, StarlistingIDs: ids})
}

func encodeError(code, msg string) []byte {
	return encode(errorFrame{Type: "error", Message: msg, Code: code})
}

func encodeTimestamp(typ string, at time.Time) []byte {
	return encode(timestampFrame{Type: typ, Timestamp: at.UTC().Format(time.RFC3339)})
}

func encodeHistorical(m model.Market, candles []model.Candle) []byte {
	data := make([]wireCandle, len(candles))
	for i, c := range candles {
		data[i] = candleWire(c)
	}
	return encode(historicalFrame{Type: "historical", marketDesc: describe(m), Count: len(data), Data: data})
}

func encodeCandle(m model.Market, c model.Candle) []byte {
	return encode(candleFrame{Type: "candle", marketDesc: describe(m), Interval: m.Interval.Name, Data: candleWire(c)})
}

func encodeFunding(m model.Market, f model.FundingRate) []byte {
	return encode(fundingFrame{Type: "funding", marketDesc: describe(m), Data: fundingWire(f)})
}

func encodeOpenInterest(m model.Market, o model.OpenInterest) []byte {
	return encode(openInterestFrame{Type: "open_interest", marketDesc: describe(m), Data: openInterestWire(o)})
}

func encodeLagWarning(dropped int64, at time.Time) []byte {
	return encode(lagWarningFrame{Type: "lag_warning", Dropped: dropped, Timestamp: at.UTC().Format(time.RFC3339)})
}
