package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is the envelope format written by this build.
const SnapshotVersion = 1

// ErrIncompatible is returned for a slot written by another format or domain.
var ErrIncompatible = errors.New("persist: incompatible snapshot")

// Envelope wraps a persisted cache value.
type Envelope struct {
	Version int             `json:"version"`
	Domain  string          `json:"domain"`
	SavedAt time.Time       `json:"savedAt"`
	Seq     uint64          `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

// Encode serializes a cache value into an envelope.
func Encode[D any](domain string, seq uint64, data D) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", domain, err)
	}
	return json.Marshal(Envelope{
		Version: SnapshotVersion,
		Domain:  domain,
		SavedAt: time.Now().UTC(),
		Seq:     seq,
		Data:    raw,
	})
}

// Decode parses an envelope written by Encode for the same domain.
func Decode[D any](domain string, raw []byte) (D, Envelope, error) {
	var (
		zero D
		env  Envelope
	)
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, env, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if env.Version != SnapshotVersion {
		return zero, env, fmt.Errorf("%w: version %d", ErrIncompatible, env.Version)
	}
	if env.Domain != domain {
		return zero, env, fmt.Errorf("%w: slot belongs to %q", ErrIncompatible, env.Domain)
	}
	var data D
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return zero, env, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	return data, env, nil
}
