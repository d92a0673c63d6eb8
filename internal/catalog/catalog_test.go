package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kirby/internal/model"
)

func mkMarket(id int64, coin string, active bool) model.Market {
	coinID := int64(len(coin)) // distinct enough for these fixtures
	if coin == "BTC" {
		coinID = 1
	} else if coin == "ETH" {
		coinID = 2
	}
	return model.Market{
		ID:         id,
		Exchange:   model.Ref{ID: 1, Name: "hyperliquid"},
		Coin:       model.Ref{ID: coinID, Name: coin},
		Quote:      model.Ref{ID: 1, Name: "USD"},
		MarketType: model.Ref{ID: 1, Name: "perps"},
		Interval:   model.Interval{ID: 1, Name: "1m", Seconds: 60},
		Active:     active,
	}
}

func TestCatalogLookups(t *testing.T) {
	c, err := New([]model.Market{mkMarket(1, "BTC", true), mkMarket(2, "ETH", false)})
	require.NoError(t, err)

	m, ok := c.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "BTC", m.Coin.Name)

	_, ok = c.Lookup(99)
	require.False(t, ok)

	m, ok = c.LookupTuple(1, 2, 1, 1, 1)
	require.True(t, ok)
	require.Equal(t, int64(2), m.ID)
}

func TestCatalogActiveMarkets(t *testing.T) {
	c, err := New([]model.Market{mkMarket(2, "ETH", false), mkMarket(1, "BTC", true)})
	require.NoError(t, err)

	active := c.ActiveMarkets()
	require.Len(t, active, 1)
	require.Equal(t, int64(1), active[0].ID)
	require.Len(t, c.All(), 2)
}

func TestCatalogRejectsDuplicateTuple(t *testing.T) {
	a := mkMarket(1, "BTC", true)
	b := mkMarket(2, "BTC", true) // same tuple, different id
	_, err := New([]model.Market{a, b})
	require.Error(t, err)
}

func TestCatalogRejectsDuplicateID(t *testing.T) {
	a := mkMarket(1, "BTC", true)
	b := mkMarket(1, "ETH", true)
	_, err := New([]model.Market{a, b})
	require.Error(t, err)
}

func TestCatalogRejectsBadInterval(t *testing.T) {
	m := mkMarket(1, "BTC", true)
	m.Interval.Seconds = 0
	_, err := New([]model.Market{m})
	require.Error(t, err)
}

func TestMustLookupPanics(t *testing.T) {
	c, err := New([]model.Market{mkMarket(1, "BTC", true)})
	require.NoError(t, err)
	require.Panics(t, func() { c.MustLookup(42) })
}
