// Package catalog holds the immutable in-memory registry of markets.
// It is built once at supervisor start and never mutated afterwards; a
// configuration change requires a restart.
package catalog

import (
	"fmt"
	"sort"

	"kirby/internal/model"
)

// tuple is the natural key of a market.
type tuple struct {
	exchange, coin, quote, marketType, interval int64
}

// Catalog is a read-only index of markets by id and by tuple.
type Catalog struct {
	byID    map[int64]model.Market
	byTuple map[tuple]model.Market
}

// New builds a catalog from the configured markets. Duplicate ids or duplicate
// (exchange, coin, quote, market_type, interval) tuples are configuration bugs
// and fail the build.
func New(markets []model.Market) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[int64]model.Market, len(markets)),
		byTuple: make(map[tuple]model.Market, len(markets)),
	}
	for _, m := range markets {
		if m.Interval.Seconds <= 0 {
			return nil, fmt.Errorf("catalog: market %d (%s) has non-positive interval %d",
				m.ID, m.TupleKey(), m.Interval.Seconds)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate market id %d", m.ID)
		}
		k := keyOf(m)
		if prev, dup := c.byTuple[k]; dup {
			return nil, fmt.Errorf("catalog: markets %d and %d share tuple %s", prev.ID, m.ID, m.TupleKey())
		}
		c.byID[m.ID] = m
		c.byTuple[k] = m
	}
	return c, nil
}

func keyOf(m model.Market) tuple {
	return tuple{m.Exchange.ID, m.Coin.ID, m.Quote.ID, m.MarketType.ID, m.Interval.ID}
}

// Lookup resolves a market by id.
func (c *Catalog) Lookup(id int64) (model.Market, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// MustLookup resolves a market by id and panics when it does not exist.
// Markets are configured before start, so an unresolved id inside the engine
// is a programming error, not a runtime condition to retry.
func (c *Catalog) MustLookup(id int64) model.Market {
	m, ok := c.byID[id]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown market id %d", id))
	}
	return m
}

// LookupTuple resolves a market by its natural tuple.
func (c *Catalog) LookupTuple(exchangeID, coinID, quoteID, marketTypeID, intervalID int64) (model.Market, bool) {
	m, ok := c.byTuple[tuple{exchangeID, coinID, quoteID, marketTypeID, intervalID}]
	return m, ok
}

// ActiveMarkets returns all active markets ordered by id. Only these are
// scheduled by the supervisor.
func (c *Catalog) ActiveMarkets() []model.Market {
	out := make([]model.Market, 0, len(c.byID))
	for _, m := range c.byID {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every market, active or not, ordered by id.
func (c *Catalog) All() []model.Market {
	out := make([]model.Market, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of markets in the catalog.
func (c *Catalog) Len() int { return len(c.byID) }
