// Package debts declares the debts domain: loans and credit lines, recorded
// payments and the server-computed summary.
package debts

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "debts"
	Namespace = "debts"

	DefaultPageSize = 25
)

// Debt is one liability.
type Debt struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Lender         string    `json:"lender,omitempty"`
	Type           string    `json:"type"`
	Principal      float64   `json:"principal"`
	Balance        float64   `json:"balance"`
	InterestRate   float64   `json:"interestRate"`
	MinimumPayment float64   `json:"minimumPayment"`
	DueDate        time.Time `json:"dueDate,omitempty"`
	Status         string    `json:"status"`
	LastPayment    *Payment  `json:"lastPayment,omitempty"`
}

// Payment is a recorded payment against a debt.
type Payment struct {
	Amount float64   `json:"amount"`
	PaidAt time.Time `json:"paidAt,omitempty"`
}

// Summary is computed by the server across all debts, not just the page.
type Summary struct {
	Count          int     `json:"count"`
	TotalBalance   float64 `json:"totalBalance"`
	TotalMinimum   float64 `json:"totalMinimum"`
	AverageRate    float64 `json:"averageRate"`
	DebtFreeTarget string  `json:"debtFreeTarget,omitempty"`
}

// Page is the table paging. Number and Size are UI-owned.
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
	Total  int `json:"total"`
}

// State is the debts cache.
type State struct {
	Debts   []Debt  `json:"debts"`
	Summary Summary `json:"summary"`
	Page    Page    `json:"page"`
}

// Default returns the empty cache.
func Default() State {
	return State{Debts: []Debt{}, Page: Page{Number: 1, Size: DefaultPageSize}}
}

// Table returns the debts protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_all_debts", "request_debt_summary"},
		Events: map[string]protocol.EventSpec[State]{
			"debts_list":            {Reduce: reduceList},
			"debt_added":            {Reduce: reduceUpsert, Refresh: []string{"request_debt_summary"}},
			"debt_updated":          {Reduce: reduceUpsert, Refresh: []string{"request_debt_summary"}},
			"debt_removed":          {Reduce: reduceRemoved, Refresh: []string{"request_debt_summary"}},
			"debt_payment_recorded": {Reduce: reducePayment, Refresh: []string{"request_debt_summary"}},
			"debt_summary":          {Reduce: reduceSummary},
		},
		ErrorEvent:         "debts_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{
			{
				Name:    "debts",
				Request: "list_debts",
				Params:  pageParams,
				Apply:   reduceList,
			},
			{
				Name:    "summary",
				Request: "debt_summary",
				Apply:   reduceSummary,
			},
		},
		Default:  Default,
		Preserve: preserve,
	}
}

func pageParams(s State) any {
	return map[string]int{"page": s.Page.Number, "pageSize": s.Page.Size}
}

func preserve(prev, next State) State {
	next.Page.Number = prev.Page.Number
	next.Page.Size = prev.Page.Size
	return next
}

func decodeDebt(r gjson.Result) (Debt, bool) {
	r = protocol.Entity(r, "debt")
	id := protocol.ID(r, "debtId")
	if id == "" || !r.IsObject() {
		return Debt{}, false
	}
	d := Debt{
		ID:             id,
		Name:           r.Get("name").String(),
		Lender:         r.Get("lender").String(),
		Type:           r.Get("type").String(),
		Principal:      protocol.Float(r.Get("principal")),
		Balance:        protocol.Float(r.Get("balance")),
		InterestRate:   protocol.Float(r.Get("interestRate")),
		MinimumPayment: protocol.Float(r.Get("minimumPayment")),
		DueDate:        protocol.Time(r.Get("dueDate")),
		Status:         r.Get("status").String(),
	}
	if d.Status == "" {
		d.Status = "active"
	}
	return d, true
}

func debtKey(d Debt) string { return d.ID }

func reduceList(s State, p gjson.Result) State {
	s.Debts = protocol.List(protocol.Array(p, "debts"), decodeDebt)
	if pg := p.Get("pagination"); pg.IsObject() {
		p = pg
	}
	if n := int(p.Get("page").Int()); n > 0 {
		s.Page.Number = n
	}
	if n := int(p.Get("pageSize").Int()); n > 0 {
		s.Page.Size = n
	}
	s.Page.Total = int(p.Get("total").Int())
	if s.Page.Total < len(s.Debts) {
		s.Page.Total = len(s.Debts)
	}
	return s
}

func reduceUpsert(s State, p gjson.Result) State {
	d, ok := decodeDebt(p)
	if !ok {
		return s
	}
	s.Debts = protocol.Upsert(s.Debts, d, debtKey)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "debtId")
	if id == "" {
		return s
	}
	s.Debts = protocol.RemoveWhere(s.Debts, func(d Debt) bool { return d.ID == id })
	return s
}

// reducePayment applies {debtId, amount, balance?, paidAt?}. Without an
// authoritative balance the amount is subtracted, floored at zero.
func reducePayment(s State, p gjson.Result) State {
	id := protocol.ID(p, "debtId")
	amount := protocol.Float(p.Get("amount"))
	if id == "" || amount <= 0 {
		return s
	}
	balance := p.Get("balance")
	s.Debts = protocol.Update(s.Debts,
		func(d Debt) bool { return d.ID == id },
		func(d Debt) Debt {
			if balance.Exists() {
				d.Balance = protocol.Float(balance)
			} else {
				d.Balance -= amount
				if d.Balance < 0 {
					d.Balance = 0
				}
			}
			if d.Balance == 0 {
				d.Status = "paid_off"
			}
			d.LastPayment = &Payment{Amount: amount, PaidAt: protocol.Time(p.Get("paidAt"))}
			return d
		},
	)
	return s
}

func reduceSummary(s State, p gjson.Result) State {
	p = protocol.Entity(p, "summary")
	if !p.IsObject() {
		s.Summary = Summary{}
		return s
	}
	s.Summary = Summary{
		Count:          int(p.Get("count").Int()),
		TotalBalance:   protocol.Float(p.Get("totalBalance")),
		TotalMinimum:   protocol.Float(p.Get("totalMinimum")),
		AverageRate:    protocol.Float(p.Get("averageRate")),
		DebtFreeTarget: p.Get("debtFreeTarget").String(),
	}
	return s
}

// Outstanding sums balances of the loaded page.
func Outstanding(s State) float64 {
	var total float64
	for _, d := range s.Debts {
		total += d.Balance
	}
	return total
}

// Pages returns the page count for the current paging.
func Pages(s State) int {
	if s.Page.Size <= 0 || s.Page.Total == 0 {
		return 1
	}
	return (s.Page.Total + s.Page.Size - 1) / s.Page.Size
}
