package investments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol/protocoltest"
)

func apply(t *testing.T, s State, event, payload string) State {
	t.Helper()
	spec, ok := Table().Lookup(event)
	require.True(t, ok, "event %s not routed", event)
	return spec.Reduce(s, gjson.Parse(payload))
}

func seeded() State {
	return State{Holdings: []Holding{
		{ID: "h1", Symbol: "ACME", Quantity: 10, CostBasis: 1000, Price: 100},
		{ID: "h2", Symbol: "BOND", Quantity: 5, CostBasis: 500, Price: 90},
	}}
}

func TestReducers_Total(t *testing.T) {
	protocoltest.AssertTotal(t, Table(), func(s State) error {
		return protocoltest.NonNil(map[string]bool{"holdings": s.Holdings == nil})
	}, seeded())
}

func TestPriceUpdate(t *testing.T) {
	before := seeded()
	s := apply(t, before, "price_update", `{"symbol":"acme","price":120,"at":1767225600}`)
	assert.Equal(t, 120.0, s.Holdings[0].Price)
	assert.False(t, s.Holdings[0].PriceUpdated.IsZero())
	assert.Equal(t, 100.0, before.Holdings[0].Price, "input not mutated")

	s = apply(t, s, "price_update", `{"prices":[{"symbol":"BOND","price":100},{"symbol":"ACME","price":-1}]}`)
	assert.Equal(t, 100.0, s.Holdings[1].Price)
	assert.Equal(t, 120.0, s.Holdings[0].Price, "non-positive price ignored")

	tot := Derive(s)
	assert.Equal(t, 1700.0, tot.MarketValue)
	assert.Equal(t, 200.0, tot.Gain)
	assert.InDelta(t, 13.333, tot.GainPercent, 0.001)
}

func TestSummaryAndMutations(t *testing.T) {
	s := apply(t, seeded(), "portfolio_summary", `{"totalValue":1500,"allocation":{"equity":0.6,"bonds":"0.4"}}`)
	assert.Equal(t, 1500.0, s.Summary.TotalValue)
	assert.Equal(t, map[string]float64{"equity": 0.6, "bonds": 0.4}, s.Summary.Allocation)

	s = apply(t, s, "investment_added", `{"investment":{"id":"h3","symbol":"new","quantity":1,"price":5}}`)
	require.Len(t, s.Holdings, 3)
	assert.Equal(t, "NEW", s.Holdings[2].Symbol)

	s = apply(t, s, "investment_removed", `"h1"`)
	assert.Len(t, s.Holdings, 2)

	spec, _ := Table().Lookup("investment_removed")
	assert.Equal(t, []string{"request_portfolio_summary"}, spec.Refresh)
}
