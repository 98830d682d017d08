// Package investments declares the investment holdings domain, including
// streamed price updates and the server portfolio summary.
package investments

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "investments"
	Namespace = "investments"
)

// Holding is one position.
type Holding struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name,omitempty"`
	AssetClass   string    `json:"assetClass"`
	Quantity     float64   `json:"quantity"`
	CostBasis    float64   `json:"costBasis"`
	Price        float64   `json:"price"`
	PriceUpdated time.Time `json:"priceUpdated,omitempty"`
}

// MarketValue is quantity times the last price.
func (h Holding) MarketValue() float64 { return h.Quantity * h.Price }

// Gain is market value minus cost basis.
func (h Holding) Gain() float64 { return h.MarketValue() - h.CostBasis }

// Summary is the server-side portfolio aggregate.
type Summary struct {
	TotalValue  float64            `json:"totalValue"`
	TotalCost   float64            `json:"totalCost"`
	DayChange   float64            `json:"dayChange"`
	Allocation  map[string]float64 `json:"allocation,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt,omitempty"`
}

// State is the investments cache.
type State struct {
	Holdings []Holding `json:"holdings"`
	Summary  Summary   `json:"summary"`
}

// Default returns the empty cache.
func Default() State {
	return State{Holdings: []Holding{}}
}

// Table returns the investments protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_all_investments", "request_portfolio_summary"},
		Events: map[string]protocol.EventSpec[State]{
			"investments_list":   {Reduce: reduceList},
			"investment_added":   {Reduce: reduceUpsert, Refresh: []string{"request_portfolio_summary"}},
			"investment_updated": {Reduce: reduceUpsert, Refresh: []string{"request_portfolio_summary"}},
			"investment_removed": {Reduce: reduceRemoved, Refresh: []string{"request_portfolio_summary"}},
			"price_update":       {Reduce: reducePrices},
			"portfolio_summary":  {Reduce: reduceSummary},
		},
		ErrorEvent:         "investments_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{
			{Name: "holdings", Request: "list_investments", Apply: reduceList},
			{Name: "summary", Request: "portfolio_summary", Apply: reduceSummary},
		},
		Default: Default,
	}
}

func decodeHolding(r gjson.Result) (Holding, bool) {
	r = protocol.Entity(r, "investment", "holding")
	id := protocol.ID(r, "investmentId")
	if id == "" || !r.IsObject() {
		return Holding{}, false
	}
	return Holding{
		ID:           id,
		Symbol:       strings.ToUpper(r.Get("symbol").String()),
		Name:         r.Get("name").String(),
		AssetClass:   strings.ToLower(r.Get("assetClass").String()),
		Quantity:     protocol.Float(r.Get("quantity")),
		CostBasis:    protocol.Float(r.Get("costBasis")),
		Price:        protocol.Float(r.Get("price")),
		PriceUpdated: protocol.Time(r.Get("priceUpdated")),
	}, true
}

func holdingKey(h Holding) string { return h.ID }

func reduceList(s State, p gjson.Result) State {
	s.Holdings = protocol.List(protocol.Array(p, "investments", "holdings"), decodeHolding)
	return s
}

func reduceUpsert(s State, p gjson.Result) State {
	h, ok := decodeHolding(p)
	if !ok {
		return s
	}
	s.Holdings = protocol.Upsert(s.Holdings, h, holdingKey)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "investmentId")
	if id == "" {
		return s
	}
	s.Holdings = protocol.RemoveWhere(s.Holdings, func(h Holding) bool { return h.ID == id })
	return s
}

type quote struct {
	price float64
	at    time.Time
}

// reducePrices applies one {symbol, price, at?} or a list of them, matched by
// symbol across every holding. Non-positive prices are ignored.
func reducePrices(s State, p gjson.Result) State {
	quotes := make(map[string]quote)
	add := func(v gjson.Result) bool {
		sym := strings.ToUpper(v.Get("symbol").String())
		price := protocol.Float(v.Get("price"))
		if sym != "" && price > 0 {
			quotes[sym] = quote{price: price, at: protocol.Time(v.Get("at"))}
		}
		return true
	}
	p = protocol.Array(p, "prices")
	if p.IsArray() {
		p.ForEach(func(_, v gjson.Result) bool { return add(v) })
	} else if p.IsObject() {
		add(p)
	}
	if len(quotes) == 0 {
		return s
	}
	s.Holdings = protocol.Update(s.Holdings,
		func(h Holding) bool { _, ok := quotes[h.Symbol]; return ok },
		func(h Holding) Holding {
			q := quotes[h.Symbol]
			h.Price = q.price
			if !q.at.IsZero() {
				h.PriceUpdated = q.at
			}
			return h
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
	sum := Summary{
		TotalValue:  protocol.Float(p.Get("totalValue")),
		TotalCost:   protocol.Float(p.Get("totalCost")),
		DayChange:   protocol.Float(p.Get("dayChange")),
		GeneratedAt: protocol.Time(p.Get("generatedAt")),
	}
	if a := p.Get("allocation"); a.IsObject() {
		sum.Allocation = make(map[string]float64)
		a.ForEach(func(k, v gjson.Result) bool {
			sum.Allocation[k.String()] = protocol.Float(v)
			return true
		})
	}
	s.Summary = sum
	return s
}

// Totals is the locally derived market value and gain of loaded holdings.
type Totals struct {
	MarketValue float64 `json:"marketValue"`
	CostBasis   float64 `json:"costBasis"`
	Gain        float64 `json:"gain"`
	GainPercent float64 `json:"gainPercent"`
}

// Derive computes Totals.
func Derive(s State) Totals {
	var t Totals
	for _, h := range s.Holdings {
		t.MarketValue += h.MarketValue()
		t.CostBasis += h.CostBasis
	}
	t.Gain = t.MarketValue - t.CostBasis
	if t.CostBasis > 0 {
		t.GainPercent = t.Gain / t.CostBasis * 100
	}
	return t
}
