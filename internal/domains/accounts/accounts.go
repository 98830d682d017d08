// Package accounts declares the accounts domain: linked bank and wallet
// accounts with their balances.
package accounts

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "accounts"
	Namespace = "accounts"
)

// Account is one linked account.
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Institution string    `json:"institution,omitempty"`
	Currency    string    `json:"currency"`
	Balance     float64   `json:"balance"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// State is the accounts cache.
type State struct {
	Accounts []Account `json:"accounts"`
}

// Default returns the empty cache.
func Default() State {
	return State{Accounts: []Account{}}
}

// Table returns the accounts protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_accounts"},
		Events: map[string]protocol.EventSpec[State]{
			"accounts_list":    {Reduce: reduceList},
			"account_added":    {Reduce: reduceUpsert},
			"account_updated":  {Reduce: reduceUpsert},
			"account_removed":  {Reduce: reduceRemoved},
			"balances_updated": {Reduce: reduceBalances},
		},
		ErrorEvent:         "accounts_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{{
			Name:    "accounts",
			Request: "list_accounts",
			Apply:   reduceList,
		}},
		Default: Default,
	}
}

func decodeAccount(r gjson.Result) (Account, bool) {
	r = protocol.Entity(r, "account")
	id := protocol.ID(r, "accountId")
	if id == "" || !r.IsObject() {
		return Account{}, false
	}
	return Account{
		ID:          id,
		Name:        r.Get("name").String(),
		Type:        strings.ToLower(r.Get("type").String()),
		Institution: r.Get("institution").String(),
		Currency:    currency(r.Get("currency")),
		Balance:     protocol.Float(r.Get("balance")),
		UpdatedAt:   protocol.Time(r.Get("updatedAt")),
	}, true
}

func currency(r gjson.Result) string {
	c := strings.ToUpper(strings.TrimSpace(r.String()))
	if c == "" {
		return "USD"
	}
	return c
}

func accountKey(a Account) string { return a.ID }

func reduceList(s State, p gjson.Result) State {
	s.Accounts = protocol.List(protocol.Array(p, "accounts"), decodeAccount)
	return s
}

func reduceUpsert(s State, p gjson.Result) State {
	a, ok := decodeAccount(p)
	if !ok {
		return s
	}
	s.Accounts = protocol.Upsert(s.Accounts, a, accountKey)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "accountId")
	if id == "" {
		return s
	}
	s.Accounts = protocol.RemoveWhere(s.Accounts, func(a Account) bool { return a.ID == id })
	return s
}

// reduceBalances applies [{id, balance}] or {balances: [...]}.
func reduceBalances(s State, p gjson.Result) State {
	p = protocol.Array(p, "balances")
	if !p.IsArray() {
		return s
	}
	balances := make(map[string]float64)
	p.ForEach(func(_, v gjson.Result) bool {
		if id := protocol.ID(v, "accountId"); id != "" && v.IsObject() {
			balances[id] = protocol.Float(v.Get("balance"))
		}
		return true
	})
	if len(balances) == 0 {
		return s
	}
	s.Accounts = protocol.Update(s.Accounts,
		func(a Account) bool { _, ok := balances[a.ID]; return ok },
		func(a Account) Account { a.Balance = balances[a.ID]; return a },
	)
	return s
}

// ByType returns the accounts of one type. An empty type returns all.
func ByType(s State, typ string) []Account {
	typ = strings.ToLower(typ)
	if typ == "" {
		return s.Accounts
	}
	out := make([]Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// CurrencyTotal is the summed balance of one currency.
type CurrencyTotal struct {
	Currency string  `json:"currency"`
	Total    float64 `json:"total"`
}

// TotalsByCurrency sums balances per currency, ordered by currency code.
func TotalsByCurrency(s State) []CurrencyTotal {
	sums := make(map[string]float64)
	for _, a := range s.Accounts {
		sums[a.Currency] += a.Balance
	}
	out := make([]CurrencyTotal, 0, len(sums))
	for c, t := range sums {
		out = append(out, CurrencyTotal{Currency: c, Total: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
