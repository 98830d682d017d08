// Package transactions declares the transactions domain: a server-paged,
// filterable ledger plus the category list.
package transactions

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "transactions"
	Namespace = "transactions"

	DefaultPageSize = 50
)

// Transaction is one ledger entry. Amount is signed: negative is outflow.
type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId,omitempty"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"date"`
	Pending     bool      `json:"pending"`
}

// Category is a spending category.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Query is the UI-owned table state sent with every list request.
type Query struct {
	Page      int       `json:"page"`
	PageSize  int       `json:"pageSize"`
	Search    string    `json:"search,omitempty"`
	Category  string    `json:"category,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
}

// Params renders the query as request parameters.
func (q Query) Params() map[string]any {
	p := map[string]any{"page": q.Page, "pageSize": q.PageSize}
	if q.Search != "" {
		p["search"] = q.Search
	}
	if q.Category != "" {
		p["category"] = q.Category
	}
	if q.AccountID != "" {
		p["accountId"] = q.AccountID
	}
	if !q.From.IsZero() {
		p["from"] = q.From.Format("2006-01-02")
	}
	if !q.To.IsZero() {
		p["to"] = q.To.Format("2006-01-02")
	}
	return p
}

// State is the transactions cache.
type State struct {
	Transactions []Transaction `json:"transactions"`
	Categories   []Category    `json:"categories"`
	Query        Query         `json:"query"`
	Total        int           `json:"total"`
}

// Default returns the empty cache.
func Default() State {
	return State{
		Transactions: []Transaction{},
		Categories:   []Category{},
		Query:        Query{Page: 1, PageSize: DefaultPageSize},
	}
}

// Table returns the transactions protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_transactions", "request_categories"},
		Events: map[string]protocol.EventSpec[State]{
			"transactions_page":   {Reduce: reducePage},
			"transaction_added":   {Reduce: reduceAdded},
			"transaction_updated": {Reduce: reduceUpdated},
			"transaction_removed": {Reduce: reduceRemoved},
			"categories_list":     {Reduce: reduceCategories},
		},
		ErrorEvent:         "transactions_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{
			{
				Name:    "transactions",
				Request: "list_transactions",
				Params:  func(s State) any { return s.Query.Params() },
				Apply:   reducePage,
			},
			{Name: "categories", Request: "list_categories", Apply: reduceCategories},
		},
		Default:  Default,
		Preserve: preserve,
	}
}

func preserve(prev, next State) State {
	next.Query = prev.Query
	return next
}

func decodeTransaction(r gjson.Result) (Transaction, bool) {
	r = protocol.Entity(r, "transaction")
	id := protocol.ID(r, "transactionId")
	if id == "" || !r.IsObject() {
		return Transaction{}, false
	}
	t := Transaction{
		ID:          id,
		AccountID:   r.Get("accountId").String(),
		Description: r.Get("description").String(),
		Category:    r.Get("category").String(),
		Amount:      protocol.Float(r.Get("amount")),
		Currency:    strings.ToUpper(r.Get("currency").String()),
		Date:        protocol.Time(r.Get("date")),
		Pending:     r.Get("pending").Bool(),
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	if strings.EqualFold(r.Get("type").String(), "debit") && t.Amount > 0 {
		t.Amount = -t.Amount
	}
	return t, true
}

func decodeCategory(r gjson.Result) (Category, bool) {
	if r.Type == gjson.String && r.String() != "" {
		return Category{ID: r.String(), Name: r.String()}, true
	}
	id := protocol.ID(r)
	if id == "" || !r.IsObject() {
		return Category{}, false
	}
	c := Category{ID: id, Name: r.Get("name").String(), Color: r.Get("color").String()}
	if c.Name == "" {
		c.Name = id
	}
	return c, true
}

func txKey(t Transaction) string { return t.ID }

func reducePage(s State, p gjson.Result) State {
	s.Transactions = protocol.List(protocol.Array(p, "transactions"), decodeTransaction)
	if pg := p.Get("pagination"); pg.IsObject() {
		p = pg
	}
	if n := int(p.Get("page").Int()); n > 0 {
		s.Query.Page = n
	}
	s.Total = int(p.Get("total").Int())
	if s.Total < len(s.Transactions) {
		s.Total = len(s.Transactions)
	}
	return s
}

// reduceAdded puts a new transaction at the top when it is on the first page.
func reduceAdded(s State, p gjson.Result) State {
	t, ok := decodeTransaction(p)
	if !ok {
		return s
	}
	exists := false
	for _, x := range s.Transactions {
		if x.ID == t.ID {
			exists = true
			break
		}
	}
	if exists {
		s.Transactions = protocol.Upsert(s.Transactions, t, txKey)
		return s
	}
	s.Total++
	if s.Query.Page <= 1 && matches(s.Query, t) {
		s.Transactions = protocol.Prepend(s.Transactions, t, txKey)
		if size := s.Query.PageSize; size > 0 && len(s.Transactions) > size {
			s.Transactions = s.Transactions[:size]
		}
	}
	return s
}

func reduceUpdated(s State, p gjson.Result) State {
	t, ok := decodeTransaction(p)
	if !ok {
		return s
	}
	s.Transactions = protocol.Update(s.Transactions,
		func(x Transaction) bool { return x.ID == t.ID },
		func(Transaction) Transaction { return t },
	)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "transactionId")
	if id == "" {
		return s
	}
	n := len(s.Transactions)
	s.Transactions = protocol.RemoveWhere(s.Transactions, func(t Transaction) bool { return t.ID == id })
	if len(s.Transactions) < n && s.Total > 0 {
		s.Total--
	}
	return s
}

func reduceCategories(s State, p gjson.Result) State {
	s.Categories = protocol.List(protocol.Array(p, "categories"), decodeCategory)
	return s
}

func matches(q Query, t Transaction) bool {
	if q.Category != "" && t.Category != q.Category {
		return false
	}
	if q.AccountID != "" && t.AccountID != q.AccountID {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(t.Description), strings.ToLower(q.Search)) {
		return false
	}
	if !q.From.IsZero() && t.Date.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.Date.After(q.To) {
		return false
	}
	return true
}

// Flow is income and spending over the loaded page.
type Flow struct {
	Income   float64 `json:"income"`
	Spending float64 `json:"spending"`
	Net      float64 `json:"net"`
}

// CashFlow sums the loaded page.
func CashFlow(s State) Flow {
	var f Flow
	for _, t := range s.Transactions {
		if t.Amount >= 0 {
			f.Income += t.Amount
		} else {
			f.Spending -= t.Amount
		}
	}
	f.Net = f.Income - f.Spending
	return f
}

// CategorySpend is the outflow of one category.
type CategorySpend struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
}

// SpendByCategory ranks categories by outflow, largest first.
func SpendByCategory(s State) []CategorySpend {
	sums := make(map[string]float64)
	for _, t := range s.Transactions {
		if t.Amount < 0 {
			sums[t.Category] -= t.Amount
		}
	}
	out := make([]CategorySpend, 0, len(sums))
	for c, a := range sums {
		out = append(out, CategorySpend{Category: c, Amount: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Category < out[j].Category
	})
	return out
}
