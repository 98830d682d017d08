// Package insurances declares the insurance policies domain.
package insurances

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "insurances"
	Namespace = "insurances"
)

// Premium frequencies.
const (
	Monthly   = "monthly"
	Quarterly = "quarterly"
	Annually  = "annually"
)

// Policy is one insurance policy.
type Policy struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Type             string    `json:"type"`
	PolicyNumber     string    `json:"policyNumber,omitempty"`
	Coverage         float64   `json:"coverage"`
	Premium          float64   `json:"premium"`
	PremiumFrequency string    `json:"premiumFrequency"`
	StartDate        time.Time `json:"startDate,omitempty"`
	RenewalDate      time.Time `json:"renewalDate,omitempty"`
	RenewalDue       bool      `json:"renewalDue"`
}

// AnnualPremium normalizes the premium to a yearly amount.
func (p Policy) AnnualPremium() float64 {
	switch p.PremiumFrequency {
	case Monthly:
		return p.Premium * 12
	case Quarterly:
		return p.Premium * 4
	default:
		return p.Premium
	}
}

// State is the insurances cache.
type State struct {
	Policies []Policy `json:"policies"`
}

// Default returns the empty cache.
func Default() State {
	return State{Policies: []Policy{}}
}

// Table returns the insurances protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_all_insurances"},
		Events: map[string]protocol.EventSpec[State]{
			"insurances_list":       {Reduce: reduceList},
			"insurance_added":       {Reduce: reduceUpsert},
			"insurance_updated":     {Reduce: reduceUpsert},
			"insurance_removed":     {Reduce: reduceRemoved},
			"insurance_renewal_due": {Reduce: reduceRenewalDue},
		},
		ErrorEvent:         "insurances_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{{
			Name:    "insurances",
			Request: "list_insurances",
			Apply:   reduceList,
		}},
		Default: Default,
	}
}

func frequency(s string) string {
	switch strings.ToLower(s) {
	case Monthly, "month":
		return Monthly
	case Quarterly, "quarter":
		return Quarterly
	default:
		return Annually
	}
}

func decodePolicy(r gjson.Result) (Policy, bool) {
	r = protocol.Entity(r, "insurance", "policy")
	id := protocol.ID(r, "insuranceId")
	if id == "" || !r.IsObject() {
		return Policy{}, false
	}
	return Policy{
		ID:               id,
		Provider:         r.Get("provider").String(),
		Type:             strings.ToLower(r.Get("type").String()),
		PolicyNumber:     r.Get("policyNumber").String(),
		Coverage:         protocol.Float(r.Get("coverage")),
		Premium:          protocol.Float(r.Get("premium")),
		PremiumFrequency: frequency(r.Get("premiumFrequency").String()),
		StartDate:        protocol.Time(r.Get("startDate")),
		RenewalDate:      protocol.Time(r.Get("renewalDate")),
		RenewalDue:       r.Get("renewalDue").Bool(),
	}, true
}

func policyKey(p Policy) string { return p.ID }

func reduceList(s State, p gjson.Result) State {
	s.Policies = protocol.List(protocol.Array(p, "insurances", "policies"), decodePolicy)
	return s
}

func reduceUpsert(s State, p gjson.Result) State {
	pol, ok := decodePolicy(p)
	if !ok {
		return s
	}
	s.Policies = protocol.Upsert(s.Policies, pol, policyKey)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "insuranceId")
	if id == "" {
		return s
	}
	s.Policies = protocol.RemoveWhere(s.Policies, func(pol Policy) bool { return pol.ID == id })
	return s
}

// reduceRenewalDue flags {insuranceId, renewalDate?}.
func reduceRenewalDue(s State, p gjson.Result) State {
	id := protocol.ID(p, "insuranceId")
	if id == "" {
		return s
	}
	date := protocol.Time(p.Get("renewalDate"))
	s.Policies = protocol.Update(s.Policies,
		func(pol Policy) bool { return pol.ID == id },
		func(pol Policy) Policy {
			pol.RenewalDue = true
			if !date.IsZero() {
				pol.RenewalDate = date
			}
			return pol
		},
	)
	return s
}

// AnnualPremiumTotal sums normalized premiums.
func AnnualPremiumTotal(s State) float64 {
	var total float64
	for _, p := range s.Policies {
		total += p.AnnualPremium()
	}
	return total
}

// UpcomingRenewals returns policies renewing within window of now, soonest
// first, including those flagged due.
func UpcomingRenewals(s State, now time.Time, window time.Duration) []Policy {
	out := make([]Policy, 0)
	for _, p := range s.Policies {
		if p.RenewalDue || (!p.RenewalDate.IsZero() && p.RenewalDate.Sub(now) <= window) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RenewalDate.Before(out[j].RenewalDate) })
	return out
}
