package transactions

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
	s.Transactions = []Transaction{
		{ID: "t1", Description: "Salary", Amount: 3000, Category: "income"},
		{ID: "t2", Description: "Groceries", Amount: -120, Category: "food"},
	}
	s.Total = 2
	return s
}

func TestReducers_Total(t *testing.T) {
	protocoltest.AssertTotal(t, Table(), func(s State) error {
		return protocoltest.NonNil(map[string]bool{
			"transactions": s.Transactions == nil,
			"categories":   s.Categories == nil,
		})
	}, seeded())
}

func TestTransactionsPage(t *testing.T) {
	s := apply(t, Default(), "transactions_page",
		`{"transactions":[{"id":"t9","amount":"25","type":"debit","date":"2026-03-01"}],"pagination":{"page":3,"total":120}}`)

	require.Len(t, s.Transactions, 1)
	assert.Equal(t, -25.0, s.Transactions[0].Amount, "debits are negative")
	assert.Equal(t, 3, s.Query.Page)
	assert.Equal(t, 120, s.Total)
}

func TestTransactionAdded(t *testing.T) {
	s := apply(t, seeded(), "transaction_added", `{"transaction":{"id":"t3","description":"Coffee","amount":-4,"category":"food"}}`)
	require.Len(t, s.Transactions, 3)
	assert.Equal(t, "t3", s.Transactions[0].ID)
	assert.Equal(t, 3, s.Total)

	filtered := seeded()
	filtered.Query.Category = "travel"
	s = apply(t, filtered, "transaction_added", `{"id":"t4","amount":-9,"category":"food"}`)
	assert.Len(t, s.Transactions, 2, "outside the active filter")
	assert.Equal(t, 3, s.Total)

	s = apply(t, seeded(), "transaction_added", `{"id":"t2","description":"Groceries (edited)","amount":-130}`)
	assert.Len(t, s.Transactions, 2, "duplicate add is an update")
	assert.Equal(t, 2, s.Total)
}

func TestTransactionUpdatedRemoved(t *testing.T) {
	s := apply(t, seeded(), "transaction_updated", `{"id":"t2","description":"Market","amount":-80,"category":"food"}`)
	assert.Equal(t, "Market", s.Transactions[1].Description)

	s = apply(t, s, "transaction_removed", `{"transactionId":"t1"}`)
	assert.Len(t, s.Transactions, 1)
	assert.Equal(t, 1, s.Total)
}

func TestCategories(t *testing.T) {
	s := apply(t, Default(), "categories_list", `{"categories":["food",{"id":"travel","name":"Travel","color":"#00f"},{"name":"no id"}]}`)
	require.Len(t, s.Categories, 2)
	assert.Equal(t, "food", s.Categories[0].Name)
	assert.Equal(t, "Travel", s.Categories[1].Name)
}

func TestQueryParamsAndPreserve(t *testing.T) {
	table := Table()
	prev := Default()
	prev.Query.Page = 4
	prev.Query.Search = "rent"

	params := table.Fallback[0].Params(prev).(map[string]any)
	assert.Equal(t, 4, params["page"])
	assert.Equal(t, "rent", params["search"])
	assert.NotContains(t, params, "category")

	next := table.Preserve(prev, Default())
	assert.Equal(t, prev.Query, next.Query)
}

func TestSelectors(t *testing.T) {
	s := seeded()
	s.Transactions = append(s.Transactions, Transaction{ID: "t3", Amount: -300, Category: "rent"})

	assert.Equal(t, Flow{Income: 3000, Spending: 420, Net: 2580}, CashFlow(s))
	assert.Equal(t, []CategorySpend{{"rent", 300}, {"food", 120}}, SpendByCategory(s))
}
