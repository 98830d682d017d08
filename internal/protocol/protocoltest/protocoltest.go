// Package protocoltest checks protocol tables from domain tests.
package protocoltest

import (
	"fmt"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

// Malformed are payloads every reducer must survive.
var Malformed = []string{
	``,
	`null`,
	`42`,
	`"just a string"`,
	`true`,
	`[]`,
	`[1,"two",null,{}]`,
	`{}`,
	`{"id":null}`,
	`{"id":{"nested":true},"amount":"NaN","date":"yesterday"}`,
	`{"data":"not-a-list","items":7}`,
	`{not json`,
}

// AssertTotal feeds every push reducer and fallback op of table the
// Malformed payloads starting from each seed, failing on panic. check, if
// set, validates every produced value.
func AssertTotal[D any](t testing.TB, table *protocol.Table[D], check func(D) error, seeds ...D) {
	t.Helper()
	if err := table.Validate(); err != nil {
		t.Fatalf("table %s invalid: %v", table.Domain, err)
	}
	seeds = append(seeds, table.Default())

	run := func(name string, fn protocol.Reducer[D]) {
		for si, seed := range seeds {
			for _, raw := range Malformed {
				out := apply(t, fn, seed, protocol.ParsePayload([]byte(raw)), name, raw)
				if check == nil {
					continue
				}
				if err := check(out); err != nil {
					t.Errorf("%s/%s seed %d payload %q: %v", table.Domain, name, si, raw, err)
				}
			}
		}
	}
	for name, spec := range table.Events {
		run(name, spec.Reduce)
	}
	for _, op := range table.Fallback {
		run("fallback:"+op.Name, op.Apply)
	}
}

func apply[D any](t testing.TB, fn protocol.Reducer[D], seed D, payload gjson.Result, name, raw string) (out D) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("reducer %s panicked on %q: %v", name, raw, r)
		}
	}()
	return fn(seed, payload)
}

// NonNil returns an error naming the first nil slice among fields.
func NonNil(fields map[string]bool) error {
	for name, isNil := range fields {
		if isNil {
			return fmt.Errorf("%s is nil", name)
		}
	}
	return nil
}
