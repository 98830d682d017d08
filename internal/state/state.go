// Package state defines the push-channel connection state reported by every
// domain store.
package state

import (
	"encoding/json"
	"fmt"
)

// ConnectionState is the push-channel state of a domain store.
type ConnectionState int32

const (
	// Disconnected means no channel is live. Initial and post-teardown state.
	Disconnected ConnectionState = iota

	// Connecting means a credential is being fetched or a handshake is pending.
	Connecting

	// Connected means the push channel is live and streaming events.
	Connected

	// Degraded means the channel is unusable but was not deliberately closed.
	// Recovery is automatic; entering this state schedules one fallback run.
	Degraded
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Parse(str)
	return nil
}

// Parse converts a string to ConnectionState. Unknown strings map to Disconnected.
func Parse(s string) ConnectionState {
	switch s {
	case "connecting":
		return Connecting
	case "connected", "online":
		return Connected
	case "degraded":
		return Degraded
	default:
		return Disconnected
	}
}

// IsLive returns true if push updates are currently flowing.
func (s ConnectionState) IsLive() bool {
	return s == Connected
}

// CanTransition reports whether the supervisor may move from s to next.
//
//	Disconnected -> Connecting | Connected | Degraded (transport reconnects)
//	Connecting   -> Connected | Degraded | Disconnected
//	Connected    -> Degraded | Disconnected | Connecting
//	Degraded     -> Connected | Disconnected | Connecting
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if s == next {
		return true
	}
	switch s {
	case Disconnected:
		return next == Connecting || next == Degraded || next == Connected
	case Connecting:
		return next == Connected || next == Degraded || next == Disconnected
	case Connected:
		return next == Degraded || next == Disconnected || next == Connecting
	case Degraded:
		return next == Connected || next == Disconnected || next == Connecting
	default:
		return false
	}
}
