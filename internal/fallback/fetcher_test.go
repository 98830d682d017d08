package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
	"github.com/R3E-Network/ledgersync/internal/transport/pull"
)

type ledger struct {
	Entries []string
	Total   float64
	Page    int
}

func ledgerTable() *protocol.Table[ledger] {
	return &protocol.Table[ledger]{
		Domain:    "ledger",
		Namespace: "ledger",
		Default:   func() ledger { return ledger{Entries: []string{}, Page: 1} },
		Fallback: []protocol.FallbackOp[ledger]{
			{
				Name:    "entries",
				Request: "list_entries",
				Params:  func(l ledger) any { return map[string]int{"page": l.Page} },
				Apply: func(l ledger, r gjson.Result) ledger {
					l.Entries = protocol.List(r, func(v gjson.Result) (string, bool) { return v.String(), v.String() != "" })
					return l
				},
			},
			{
				Name:    "total",
				Request: "total",
				Apply: func(l ledger, r gjson.Result) ledger {
					l.Total = r.Get("total").Float()
					return l
				},
			},
		},
		Preserve: func(prev, next ledger) ledger {
			next.Page = prev.Page
			return next
		},
	}
}

type fakePuller struct {
	calls     int32
	responses map[string]string
	errs      map[string]error
	block     map[string]bool
}

func (f *fakePuller) Pull(ctx context.Context, namespace, request string, params any) (gjson.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block[request] {
		time.Sleep(time.Hour)
	}
	if err := f.errs[request]; err != nil {
		return gjson.Result{}, err
	}
	if raw, ok := f.responses[request]; ok {
		return gjson.Parse(raw), nil
	}
	return gjson.Result{}, &pull.UnsuccessfulError{Request: request, Message: "unknown"}
}

func TestRun_AllFresh(t *testing.T) {
	p := &fakePuller{responses: map[string]string{
		"list_entries": `["a","b"]`,
		"total":        `{"total":42.5}`,
	}}
	f := New(ledgerTable(), p, Config{}, nil, nil)

	got, rep := f.Run(context.Background(), ledger{Page: 3, Entries: []string{"old"}}, "cold_start")

	assert.Equal(t, []string{"a", "b"}, got.Entries)
	assert.Equal(t, 42.5, got.Total)
	assert.Equal(t, 3, got.Page, "preserved from previous cache")
	assert.False(t, rep.Partial())
	assert.Len(t, rep.Ops, 2)
	assert.Equal(t, "cold_start", rep.Trigger)
}

func TestRun_FailuresResolveToDefaults(t *testing.T) {
	p := &fakePuller{
		responses: map[string]string{"list_entries": `["a"]`},
		errs:      map[string]error{"total": errors.New("connection refused")},
	}
	f := New(ledgerTable(), p, Config{}, nil, nil)

	got, rep := f.Run(context.Background(), ledger{Total: 99}, "transport")

	assert.Equal(t, []string{"a"}, got.Entries)
	assert.Equal(t, 0.0, got.Total, "failed op takes its default, not the stale value")
	assert.Equal(t, []string{"total"}, rep.Defaulted)
	assert.True(t, rep.Partial())
}

func TestRun_UnsuccessfulEnvelopeDefaults(t *testing.T) {
	p := &fakePuller{}
	f := New(ledgerTable(), p, Config{}, nil, nil)

	got, rep := f.Run(context.Background(), ledger{}, "auth")

	require.NotNil(t, got.Entries)
	assert.Empty(t, got.Entries)
	assert.ElementsMatch(t, []string{"entries", "total"}, rep.Defaulted)
}

func TestRun_SettlesWhenPullHangs(t *testing.T) {
	p := &fakePuller{
		responses: map[string]string{"total": `{"total":1}`},
		block:     map[string]bool{"list_entries": true},
	}
	f := New(ledgerTable(), p, Config{OpTimeout: 50 * time.Millisecond}, nil, nil)

	done := make(chan struct{})
	var rep Report
	go func() {
		_, rep = f.Run(context.Background(), ledger{}, "transport")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not settle")
	}
	assert.Equal(t, []string{"entries"}, rep.Defaulted)
}

func TestRun_PanicsAreContained(t *testing.T) {
	tbl := ledgerTable()
	tbl.Fallback[1].Apply = func(ledger, gjson.Result) ledger { panic("bad shape") }
	tbl.Fallback[0].Params = func(ledger) any { panic("bad params") }

	p := &fakePuller{responses: map[string]string{"total": `{"total":1}`}}
	f := New(tbl, p, Config{}, nil, nil)

	got, rep := f.Run(context.Background(), ledger{}, "app_error")
	assert.Equal(t, []string{}, got.Entries)
	assert.ElementsMatch(t, []string{"entries", "total"}, rep.Defaulted)
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	tbl := ledgerTable()
	var inflight, peak int32
	p := pullerFunc(func(ctx context.Context, ns, req string, params any) (gjson.Result, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return gjson.Parse(`{}`), nil
	})
	f := New(tbl, p, Config{Concurrency: 1}, nil, nil)
	f.Run(context.Background(), ledger{}, "test")
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

type pullerFunc func(ctx context.Context, ns, req string, params any) (gjson.Result, error)

func (f pullerFunc) Pull(ctx context.Context, ns, req string, params any) (gjson.Result, error) {
	return f(ctx, ns, req, params)
}
