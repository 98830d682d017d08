package insurances

import (
	"testing"
	"time"

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

func TestReducers_Total(t *testing.T) {
	seed := State{Policies: []Policy{{ID: "p1", Premium: 10, PremiumFrequency: Monthly}}}
	protocoltest.AssertTotal(t, Table(), func(s State) error {
		return protocoltest.NonNil(map[string]bool{"policies": s.Policies == nil})
	}, seed)
}

func TestPolicies(t *testing.T) {
	s := apply(t, Default(), "insurances_list", `{"insurances":[
		{"id":"p1","type":"Health","premium":100,"premiumFrequency":"monthly","renewalDate":"2026-12-01"},
		{"id":"p2","type":"home","premium":"300","premiumFrequency":"quarter"},
		{"id":"p3","type":"life","premium":500}
	]}`)
	require.Len(t, s.Policies, 3)
	assert.Equal(t, "health", s.Policies[0].Type)
	assert.Equal(t, Annually, s.Policies[2].PremiumFrequency)
	assert.Equal(t, 1200.0+1200.0+500.0, AnnualPremiumTotal(s))

	s = apply(t, s, "insurance_renewal_due", `{"insuranceId":"p3","renewalDate":"2026-11-15"}`)
	assert.True(t, s.Policies[2].RenewalDue)

	now := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	upcoming := UpcomingRenewals(s, now, 45*24*time.Hour)
	require.Len(t, upcoming, 2)
	assert.Equal(t, "p3", upcoming[0].ID)
	assert.Equal(t, "p1", upcoming[1].ID)

	s = apply(t, s, "insurance_removed", `{"insuranceId":"p2"}`)
	assert.Len(t, s.Policies, 2)
}
