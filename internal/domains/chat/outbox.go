package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provisional send statuses.
const (
	StatusSending = "sending"
	StatusFailed  = "failed"
)

// ErrEmptyMessage is returned for a blank body.
var ErrEmptyMessage = errors.New("chat: empty message")

// Sender emits outbound frames on a live channel.
type Sender interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Provisional is a locally sent message awaiting server confirmation.
type Provisional struct {
	ClientID       string    `json:"clientId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
}

// Outbox tracks optimistic sends outside the cache. A provisional entry is
// dropped when a confirmed message with its client id appears in the cache,
// and marked failed when the cache records a failure for it.
type Outbox struct {
	sender Sender
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]Provisional
}

// NewOutbox creates an outbox emitting through sender.
func NewOutbox(sender Sender) *Outbox {
	return &Outbox{
		sender:  sender,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]Provisional),
	}
}

// Send records a provisional message and emits it. When the emit fails the
// provisional entry is rolled back.
func (o *Outbox) Send(ctx context.Context, conversationID, body string) (Provisional, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Provisional{}, ErrEmptyMessage
	}
	p := Provisional{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		Body:           body,
		CreatedAt:      o.now(),
		Status:         StatusSending,
	}

	o.mu.Lock()
	o.pending[p.ClientID] = p
	o.mu.Unlock()

	err := o.sender.Emit(ctx, EventSend, map[string]string{
		"clientId":       p.ClientID,
		"conversationId": conversationID,
		"body":           body,
	})
	if err != nil {
		o.mu.Lock()
		delete(o.pending, p.ClientID)
		o.mu.Unlock()
		return Provisional{}, fmt.Errorf("send message: %w", err)
	}
	return p, nil
}

// Observe reconciles pending sends against a cache value.
func (o *Outbox) Observe(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return
	}
	for _, m := range s.Messages {
		if m.ClientID != "" {
			delete(o.pending, m.ClientID)
		}
	}
	for _, f := range s.Failed {
		if p, ok := o.pending[f.ClientID]; ok && p.Status != StatusFailed {
			p.Status = StatusFailed
			p.Reason = f.Reason
			o.pending[f.ClientID] = p
		}
	}
}

// Discard drops a provisional entry, typically a failed one the user
// dismissed.
func (o *Outbox) Discard(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[clientID]
	delete(o.pending, clientID)
	return ok
}

// Pending returns provisional entries oldest first.
func (o *Outbox) Pending() []Provisional {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Provisional, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Clear drops every provisional entry. Called on logout.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = make(map[string]Provisional)
}
