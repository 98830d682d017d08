package debts

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
	s := Default()
	s.Debts = []Debt{
		{ID: "d1", Name: "Car", Balance: 500, Status: "active"},
		{ID: "d2", Name: "Card", Balance: 80, Status: "active"},
	}
	s.Page.Total = 2
	return s
}

func TestReducers_Total(t *testing.T) {
	protocoltest.AssertTotal(t, Table(), func(s State) error {
		return protocoltest.NonNil(map[string]bool{"debts": s.Debts == nil})
	}, seeded())
}

func TestDebtsList_Paging(t *testing.T) {
	s := apply(t, Default(), "debts_list",
		`{"items":[{"id":"d1","balance":10},{"id":"d2","balance":"5"}],"pagination":{"page":2,"pageSize":2,"total":7}}`)

	assert.Len(t, s.Debts, 2)
	assert.Equal(t, Page{Number: 2, Size: 2, Total: 7}, s.Page)
	assert.Equal(t, 4, Pages(s))
	assert.Equal(t, "active", s.Debts[0].Status)
}

func TestPaymentRecorded(t *testing.T) {
	s := apply(t, seeded(), "debt_payment_recorded", `{"debtId":"d2","amount":100}`)
	assert.Equal(t, 0.0, s.Debts[1].Balance)
	assert.Equal(t, "paid_off", s.Debts[1].Status)
	require.NotNil(t, s.Debts[1].LastPayment)
	assert.Equal(t, 100.0, s.Debts[1].LastPayment.Amount)

	s = apply(t, s, "debt_payment_recorded", `{"debtId":"d1","amount":50,"balance":460}`)
	assert.Equal(t, 460.0, s.Debts[0].Balance, "server balance wins")

	same := apply(t, s, "debt_payment_recorded", `{"debtId":"d1","amount":-5}`)
	assert.Equal(t, s.Debts, same.Debts)
}

func TestMutationsRequestSummary(t *testing.T) {
	spec, ok := Table().Lookup("debt_removed")
	require.True(t, ok)
	assert.Equal(t, []string{"request_debt_summary"}, spec.Refresh)

	s := apply(t, seeded(), "debt_removed", `{"debtId":"d1"}`)
	assert.Len(t, s.Debts, 1)
	assert.Equal(t, 80.0, Outstanding(s))
}

func TestSummary(t *testing.T) {
	s := apply(t, seeded(), "debt_summary", `{"summary":{"count":2,"totalBalance":580,"averageRate":"7.5"}}`)
	assert.Equal(t, 2, s.Summary.Count)
	assert.Equal(t, 7.5, s.Summary.AverageRate)

	s = apply(t, s, "debt_summary", `null`)
	assert.Equal(t, Summary{}, s.Summary)
}

func TestFallbackParamsAndPreserve(t *testing.T) {
	table := Table()
	prev := Default()
	prev.Page.Number = 3

	assert.Equal(t, map[string]int{"page": 3, "pageSize": DefaultPageSize}, table.Fallback[0].Params(prev))

	next := table.Preserve(prev, Default())
	assert.Equal(t, 3, next.Page.Number)
}
