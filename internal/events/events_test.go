package events

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ledgersync/internal/state"
)

func TestRingBuffer_StampsDefaults(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Log(Event{Type: EventChannelConnected, Domain: "goals"})

	got := rb.Recent(Filter{}, 10)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].At.IsZero())
	assert.Equal(t, SeverityInfo, got[0].Severity)
	assert.Equal(t, 1, rb.Len())
}

func TestRingBuffer_Wraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 7; i++ {
		rb.Log(Event{Type: EventFallbackCompleted, Message: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, rb.Len())

	got := rb.Recent(Filter{}, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "6", got[0].Message)
	assert.Equal(t, "4", got[2].Message)
}

func TestRingBuffer_Filter(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: EventChannelConnected, Domain: "debts"})
	rb.Log(Event{Type: EventTransportError, Domain: "debts"})
	rb.Log(Event{Type: EventTransportError, Domain: "goals"})

	assert.Len(t, rb.Recent(Filter{Domain: "debts"}, 10), 2)
	assert.Len(t, rb.Recent(Filter{Type: EventTransportError}, 10), 2)
	assert.Len(t, rb.Recent(Filter{Domain: "debts", Type: EventTransportError}, 10), 1)

	newest := rb.Recent(Filter{Type: EventTransportError}, 1)
	require.Len(t, newest, 1)
	assert.Equal(t, "goals", newest[0].Domain)
	assert.Nil(t, rb.Recent(Filter{}, 0))
}

func TestBuilder(t *testing.T) {
	e := NewEvent(EventChannelDegraded).
		Domain("accounts").
		Component("supervisor").
		State(state.Degraded).
		Generation(4).
		Message("transport error").
		ErrorFrom(errors.New("dial refused")).
		Meta("trigger", "transport").
		Build()

	assert.Equal(t, "accounts", e.Domain)
	assert.Equal(t, state.Degraded, e.State)
	assert.Equal(t, uint64(4), e.Generation)
	assert.Equal(t, SeverityError, e.Severity)
	assert.Equal(t, "dial refused", e.Error)
	assert.Equal(t, "transport", e.Meta["trigger"])
	assert.Contains(t, e.String(), `"type":"channel.degraded"`)

	e = NewEvent(EventSessionLogout).ErrorFrom(errors.New("x")).Severity(SeverityWarning).Build()
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, SeverityInfo, NewEvent(EventStoreReset).ErrorFrom(nil).Build().Severity)
}

func TestDiscard(t *testing.T) {
	var j Journal = Discard{}
	j.Log(Event{Type: EventStoreReset})
	assert.Nil(t, j.Recent(Filter{}, 5))
}
