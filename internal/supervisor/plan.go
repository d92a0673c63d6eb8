package supervisor

import (
	"time"

	"github.com/rs/zerolog"

	"kirby/internal/buffer"
	"kirby/internal/catalog"
	"kirby/internal/collector"
	"kirby/internal/exchange/hyperliquid"
	"kirby/internal/model"
	"kirby/internal/normalize"
)

// Plan builds the collector specs for the active catalog on one Hyperliquid
// wire: a candle collector per active market, and one asset-context
// collector per distinct perps coin. The context stream is per coin on the
// exchange side, so when several perps markets share a coin the lowest
// market id carries the funding and open-interest rows.
func Plan(cat *catalog.Catalog, wire *hyperliquid.Wire, sink collector.CandleSink,
	fundingBuf *buffer.Buffer[model.FundingRate], oiBuf *buffer.Buffer[model.OpenInterest],
	log zerolog.Logger) []Spec {

	var specs []Spec
	ctxOwner := map[string]model.Market{}

	for _, m := range cat.ActiveMarkets() {
		if m.Exchange.Name != "hyperliquid" {
			log.Warn().Str("market", m.TupleKey()).Msg("no wire for exchange, market skipped")
			continue
		}

		specs = append(specs, Spec{
			Name:    m.TupleKey(),
			Source:  wire.CandleSource(m.Coin.Name, m.Interval.Name),
			Handler: collector.CandleHandler(normalize.SourceHyperliquidWS, m, sink, log),
		})

		if m.IsPerps() {
			if owner, taken := ctxOwner[m.Coin.Name]; !taken || m.ID < owner.ID {
				ctxOwner[m.Coin.Name] = m
			}
		}
	}

	for coin, m := range ctxOwner {
		specs = append(specs, Spec{
			Name:    "ctx:" + m.TupleKey(),
			Source:  wire.ContextSource(coin),
			Handler: collector.ContextHandler(m, fundingBuf, oiBuf, time.Now),
		})
	}
	return specs
}
