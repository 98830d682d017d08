package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type item struct {
	ID    string
	Label string
}

func decodeItem(r gjson.Result) (item, bool) {
	id := ID(r)
	if id == "" {
		return item{}, false
	}
	return item{ID: id, Label: r.Get("label").String()}, true
}

func itemKey(i item) string { return i.ID }

func testTable() *Table[[]item] {
	return &Table[[]item]{
		Domain:             "things",
		Namespace:          "things",
		ErrorEvent:         "things_error",
		InvalidatingErrors: []string{"stale_cache"},
		Events: map[string]EventSpec[[]item]{
			"things_list": {Reduce: func(_ []item, p gjson.Result) []item { return List(p, decodeItem) }},
		},
		Fallback: []FallbackOp[[]item]{
			{Name: "list", Request: "list_things", Apply: func(_ []item, p gjson.Result) []item { return List(p, decodeItem) }},
		},
		Default: func() []item { return []item{} },
	}
}

func TestTable_Validate(t *testing.T) {
	require.NoError(t, testTable().Validate())

	tests := []struct {
		name   string
		mutate func(*Table[[]item])
	}{
		{"no domain", func(tb *Table[[]item]) { tb.Domain = "" }},
		{"no namespace", func(tb *Table[[]item]) { tb.Namespace = "" }},
		{"no default", func(tb *Table[[]item]) { tb.Default = nil }},
		{"nil reducer", func(tb *Table[[]item]) { tb.Events["x"] = EventSpec[[]item]{} }},
		{"error event routed", func(tb *Table[[]item]) { tb.Events["things_error"] = tb.Events["things_list"] }},
		{"incomplete op", func(tb *Table[[]item]) { tb.Fallback = append(tb.Fallback, FallbackOp[[]item]{Name: "x"}) }},
		{"duplicate op", func(tb *Table[[]item]) { tb.Fallback = append(tb.Fallback, tb.Fallback[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := testTable()
			tt.mutate(tb)
			assert.Error(t, tb.Validate())
		})
	}
}

func TestTable_Classify(t *testing.T) {
	tb := testTable()

	tests := []struct {
		name         string
		payload      string
		kind         string
		invalidating bool
	}{
		{"invalidating", `{"kind":"stale_cache","message":"resync"}`, "stale_cache", true},
		{"type alias", `{"type":"stale_cache"}`, "stale_cache", true},
		{"other kind", `{"kind":"quota","code":"Q1"}`, "quota", false},
		{"bare string", `"boom"`, "unclassified", false},
		{"garbage", `not json`, "unclassified", false},
		{"empty", ``, "unclassified", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tb.Classify(ParsePayload([]byte(tt.payload)))
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.invalidating, e.Invalidating)
		})
	}

	assert.True(t, tb.IsErrorEvent("things_error"))
	assert.False(t, tb.IsErrorEvent("things_list"))
}

func TestList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"array", `[{"id":"a"},{"id":"b"}]`, 2},
		{"wrapped items", `{"items":[{"id":"a"}]}`, 1},
		{"wrapped data", `{"data":[{"id":"a"},{"_id":"b"},{}]}`, 2},
		{"object", `{"id":"a"}`, 0},
		{"null", `null`, 0},
		{"invalid", `[{`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := List(ParsePayload([]byte(tt.raw)), decodeItem)
			require.NotNil(t, got)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestSliceHelpers_DoNotMutateInput(t *testing.T) {
	in := []item{{ID: "a", Label: "1"}, {ID: "b", Label: "2"}}

	up := Upsert(in, item{ID: "a", Label: "changed"}, itemKey)
	assert.Equal(t, "changed", up[0].Label)
	assert.Equal(t, "1", in[0].Label)

	up = Upsert(in, item{ID: "c"}, itemKey)
	assert.Len(t, up, 3)

	pre := Prepend(in, item{ID: "b", Label: "new"}, itemKey)
	assert.Equal(t, []item{{ID: "b", Label: "new"}, {ID: "a", Label: "1"}}, pre)

	rm := RemoveWhere(in, func(i item) bool { return i.ID == "a" })
	assert.Equal(t, []item{{ID: "b", Label: "2"}}, rm)
	assert.Len(t, in, 2)

	upd := Update(in, func(i item) bool { return i.ID == "b" }, func(i item) item { i.Label = "x"; return i })
	assert.Equal(t, "x", upd[1].Label)
	assert.Equal(t, "2", in[1].Label)
}

func TestID(t *testing.T) {
	tests := []struct {
		raw    string
		fields []string
		want   string
	}{
		{`"g1"`, nil, "g1"},
		{`{"id":"g1"}`, nil, "g1"},
		{`{"_id":7}`, nil, "7"},
		{`{"goalId":"g3"}`, []string{"goalId"}, "g3"},
		{`{"id":"a","goalId":"b"}`, []string{"goalId"}, "a"},
		{`{"id":null}`, nil, ""},
		{``, nil, ""},
	}
	for _, tt := range tests {
		if got := ID(ParsePayload([]byte(tt.raw)), tt.fields...); got != tt.want {
			t.Errorf("ID(%s, %v) = %q, want %q", tt.raw, tt.fields, got, tt.want)
		}
	}
}

func TestEntity(t *testing.T) {
	r := ParsePayload([]byte(`{"goal":{"id":"g1"}}`))
	assert.Equal(t, "g1", Entity(r, "goal").Get("id").String())
	flat := ParsePayload([]byte(`{"id":"g2"}`))
	assert.Equal(t, "g2", Entity(flat, "goal").Get("id").String())
}

func TestTime(t *testing.T) {
	want := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, Time(ParsePayload([]byte(`"2026-04-01T10:00:00Z"`))).Equal(want))
	assert.True(t, Time(ParsePayload([]byte(`1775037600`))).Equal(want))
	assert.True(t, Time(ParsePayload([]byte(`1775037600000`))).Equal(want))
	assert.True(t, Time(ParsePayload([]byte(`"yesterday"`))).IsZero())
	assert.True(t, Time(ParsePayload([]byte(`{}`))).IsZero())
}

func TestFloat(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`12.5`, 12.5},
		{`"12.5"`, 12.5},
		{`-3`, -3},
		{`"NaN"`, 0},
		{`true`, 0},
		{`null`, 0},
	}
	for _, tt := range tests {
		if got := Float(ParsePayload([]byte(tt.raw))); got != tt.want {
			t.Errorf("Float(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
