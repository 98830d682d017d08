// Package notifications declares the in-app notifications domain.
package notifications

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "notifications"
	Namespace = "notifications"

	// MaxKept bounds the cached list; older entries are dropped.
	MaxKept = 200
)

// Notification is one message for the user.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is the notifications cache, newest first.
type State struct {
	Items []Notification `json:"items"`
}

// Default returns the empty cache.
func Default() State {
	return State{Items: []Notification{}}
}

// Table returns the notifications protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{"request_notifications"},
		Events: map[string]protocol.EventSpec[State]{
			"notifications_list":     {Reduce: reduceList},
			"notification_new":       {Reduce: reduceNew},
			"notification_read":      {Reduce: reduceRead},
			"notifications_all_read": {Reduce: reduceAllRead},
			"notification_removed":   {Reduce: reduceRemoved},
		},
		ErrorEvent:         "notifications_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{{
			Name:    "notifications",
			Request: "list_notifications",
			Params:  func(State) any { return map[string]int{"limit": MaxKept} },
			Apply:   reduceList,
		}},
		Default: Default,
	}
}

func decodeNotification(r gjson.Result) (Notification, bool) {
	r = protocol.Entity(r, "notification")
	id := protocol.ID(r, "notificationId")
	if id == "" || !r.IsObject() {
		return Notification{}, false
	}
	n := Notification{
		ID:        id,
		Kind:      r.Get("kind").String(),
		Title:     r.Get("title").String(),
		Body:      r.Get("body").String(),
		Link:      r.Get("link").String(),
		Read:      r.Get("read").Bool(),
		CreatedAt: protocol.Time(r.Get("createdAt")),
	}
	if n.Kind == "" {
		n.Kind = "info"
	}
	return n, true
}

func notificationKey(n Notification) string { return n.ID }

func trim(items []Notification) []Notification {
	if len(items) > MaxKept {
		return items[:MaxKept]
	}
	return items
}

func reduceList(s State, p gjson.Result) State {
	s.Items = trim(protocol.List(protocol.Array(p, "notifications"), decodeNotification))
	return s
}

func reduceNew(s State, p gjson.Result) State {
	n, ok := decodeNotification(p)
	if !ok {
		return s
	}
	s.Items = trim(protocol.Prepend(s.Items, n, notificationKey))
	return s
}

// reduceRead marks one id or a list of ids read.
func reduceRead(s State, p gjson.Result) State {
	ids := make(map[string]bool)
	if list := protocol.Array(p, "ids"); list.IsArray() {
		list.ForEach(func(_, v gjson.Result) bool {
			if id := protocol.ID(v); id != "" {
				ids[id] = true
			}
			return true
		})
	} else if id := protocol.ID(p, "notificationId"); id != "" {
		ids[id] = true
	}
	if len(ids) == 0 {
		return s
	}
	s.Items = protocol.Update(s.Items,
		func(n Notification) bool { return ids[n.ID] && !n.Read },
		func(n Notification) Notification { n.Read = true; return n },
	)
	return s
}

func reduceAllRead(s State, _ gjson.Result) State {
	s.Items = protocol.Update(s.Items,
		func(n Notification) bool { return !n.Read },
		func(n Notification) Notification { n.Read = true; return n },
	)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "notificationId")
	if id == "" {
		return s
	}
	s.Items = protocol.RemoveWhere(s.Items, func(n Notification) bool { return n.ID == id })
	return s
}

// Unread counts unread notifications.
func Unread(s State) int {
	n := 0
	for _, it := range s.Items {
		if !it.Read {
			n++
		}
	}
	return n
}
