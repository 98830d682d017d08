// Package chat declares the support chat domains. The user chat and the
// admin chat share one protocol shape on different namespaces.
package chat

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain      = "chat"
	AdminDomain = "adminChat"

	Namespace      = "chat"
	AdminNamespace = "admin-chat"

	// EventSend is the outbound message frame.
	EventSend = "send_message"

	// MaxFailed bounds the remembered send failures.
	MaxFailed = 50
)

// Message is one confirmed chat message.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Sender         string    `json:"sender"`
	Role           string    `json:"role"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

// Failure is a server-rejected send, keyed by the client id.
type Failure struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason,omitempty"`
}

// State is the chat cache. Messages are in chronological order.
type State struct {
	Messages []Message `json:"messages"`
	Failed   []Failure `json:"failed"`
}

// Default returns the empty cache.
func Default() State {
	return State{Messages: []Message{}, Failed: []Failure{}}
}

// Table returns the user chat protocol table.
func Table() *protocol.Table[State] { return newTable(Domain, Namespace) }

// AdminTable returns the admin chat protocol table.
func AdminTable() *protocol.Table[State] { return newTable(AdminDomain, AdminNamespace) }

func newTable(domain, namespace string) *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          domain,
		Namespace:       namespace,
		RefreshRequests: []string{"request_chat_history"},
		Events: map[string]protocol.EventSpec[State]{
			"chat_history":     {Reduce: reduceHistory},
			"message_received": {Reduce: reduceReceived},
			"message_ack":      {Reduce: reduceAck},
			"message_failed":   {Reduce: reduceFailed},
			"message_deleted":  {Reduce: reduceDeleted},
		},
		ErrorEvent:         "chat_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{{
			Name:    "history",
			Request: "chat_history",
			Apply:   reduceHistory,
		}},
		Default: Default,
	}
}

func decodeMessage(r gjson.Result) (Message, bool) {
	r = protocol.Entity(r, "message")
	id := protocol.ID(r, "messageId")
	if id == "" || !r.IsObject() {
		return Message{}, false
	}
	m := Message{
		ID:             id,
		ClientID:       r.Get("clientId").String(),
		ConversationID: r.Get("conversationId").String(),
		Sender:         r.Get("sender").String(),
		Role:           r.Get("role").String(),
		Body:           r.Get("body").String(),
		SentAt:         protocol.Time(r.Get("sentAt")),
	}
	if m.Body == "" {
		m.Body = r.Get("text").String()
	}
	if m.Role == "" {
		m.Role = "user"
	}
	return m, true
}

func messageKey(m Message) string { return m.ID }

func reduceHistory(s State, p gjson.Result) State {
	s.Messages = protocol.List(protocol.Array(p, "messages", "history"), decodeMessage)
	return s
}

func reduceReceived(s State, p gjson.Result) State {
	m, ok := decodeMessage(p)
	if !ok {
		return s
	}
	s.Messages = protocol.Upsert(s.Messages, m, messageKey)
	return s
}

// reduceAck confirms a send: {clientId, message: {...}}. The confirmed
// message carries the client id so the outbox can reconcile.
func reduceAck(s State, p gjson.Result) State {
	m, ok := decodeMessage(p)
	if !ok {
		return s
	}
	if m.ClientID == "" {
		m.ClientID = p.Get("clientId").String()
	}
	s.Messages = protocol.Upsert(s.Messages, m, messageKey)
	return s
}

func reduceFailed(s State, p gjson.Result) State {
	id := p.Get("clientId").String()
	if id == "" && p.Type == gjson.String {
		id = p.String()
	}
	if id == "" {
		return s
	}
	failed := protocol.Prepend(s.Failed, Failure{ClientID: id, Reason: p.Get("reason").String()},
		func(f Failure) string { return f.ClientID })
	if len(failed) > MaxFailed {
		failed = failed[:MaxFailed]
	}
	s.Failed = failed
	return s
}

func reduceDeleted(s State, p gjson.Result) State {
	id := protocol.ID(p, "messageId")
	if id == "" {
		return s
	}
	s.Messages = protocol.RemoveWhere(s.Messages, func(m Message) bool { return m.ID == id })
	return s
}

// Conversation returns the messages of one conversation.
func Conversation(s State, conversationID string) []Message {
	out := make([]Message, 0)
	for _, m := range s.Messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}
