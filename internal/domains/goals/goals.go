// Package goals declares the savings goals domain.
package goals

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/protocol"
)

const (
	Domain    = "goals"
	Namespace = "goals"

	RequestAll = "request_all_goals"
)

// Goal statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusPaused    = "paused"
)

// Goal is one savings target.
type Goal struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	TargetAmount  float64   `json:"targetAmount"`
	CurrentAmount float64   `json:"currentAmount"`
	Deadline      time.Time `json:"deadline,omitempty"`
	Status        string    `json:"status"`
}

// Progress returns the completion ratio clamped to [0, 1].
func (g Goal) Progress() float64 {
	if g.TargetAmount <= 0 {
		return 0
	}
	r := g.CurrentAmount / g.TargetAmount
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// State is the goals cache.
type State struct {
	Goals []Goal `json:"goals"`
}

// Default returns the empty cache.
func Default() State {
	return State{Goals: []Goal{}}
}

// Table returns the goals protocol table.
func Table() *protocol.Table[State] {
	return &protocol.Table[State]{
		Domain:          Domain,
		Namespace:       Namespace,
		RefreshRequests: []string{RequestAll},
		Events: map[string]protocol.EventSpec[State]{
			"goals_list":    {Reduce: reduceList},
			"goal_created":  {Reduce: reduceUpsert},
			"goal_updated":  {Reduce: reduceUpsert},
			"goal_removed":  {Reduce: reduceRemoved, Refresh: []string{RequestAll}},
			"goal_progress": {Reduce: reduceProgress},
		},
		ErrorEvent:         "goals_error",
		InvalidatingErrors: protocol.DefaultInvalidating,
		Fallback: []protocol.FallbackOp[State]{{
			Name:    "goals",
			Request: "list_goals",
			Apply:   reduceList,
		}},
		Default: Default,
	}
}

func decodeGoal(r gjson.Result) (Goal, bool) {
	r = protocol.Entity(r, "goal")
	id := protocol.ID(r, "goalId")
	if id == "" || !r.IsObject() {
		return Goal{}, false
	}
	g := Goal{
		ID:            id,
		Name:          r.Get("name").String(),
		Category:      r.Get("category").String(),
		TargetAmount:  protocol.Float(r.Get("targetAmount")),
		CurrentAmount: protocol.Float(r.Get("currentAmount")),
		Deadline:      protocol.Time(r.Get("deadline")),
		Status:        normalizeStatus(r.Get("status").String()),
	}
	if g.TargetAmount > 0 && g.CurrentAmount >= g.TargetAmount {
		g.Status = StatusCompleted
	}
	return g, true
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case StatusCompleted, "done", "achieved":
		return StatusCompleted
	case StatusPaused:
		return StatusPaused
	default:
		return StatusActive
	}
}

func goalKey(g Goal) string { return g.ID }

func reduceList(s State, p gjson.Result) State {
	s.Goals = protocol.List(protocol.Array(p, "goals"), decodeGoal)
	return s
}

func reduceUpsert(s State, p gjson.Result) State {
	g, ok := decodeGoal(p)
	if !ok {
		return s
	}
	s.Goals = protocol.Upsert(s.Goals, g, goalKey)
	return s
}

func reduceRemoved(s State, p gjson.Result) State {
	id := protocol.ID(p, "goalId")
	if id == "" {
		return s
	}
	s.Goals = protocol.RemoveWhere(s.Goals, func(g Goal) bool { return g.ID == id })
	return s
}

// reduceProgress applies {goalId, currentAmount}.
func reduceProgress(s State, p gjson.Result) State {
	id := protocol.ID(p, "goalId")
	amount := p.Get("currentAmount")
	if id == "" || !amount.Exists() {
		return s
	}
	s.Goals = protocol.Update(s.Goals,
		func(g Goal) bool { return g.ID == id },
		func(g Goal) Goal {
			g.CurrentAmount = protocol.Float(amount)
			if g.TargetAmount > 0 && g.CurrentAmount >= g.TargetAmount {
				g.Status = StatusCompleted
			}
			return g
		},
	)
	return s
}

// ByStatus returns the goals with status. An empty status returns all.
func ByStatus(s State, status string) []Goal {
	if status == "" {
		return s.Goals
	}
	status = normalizeStatus(status)
	out := make([]Goal, 0, len(s.Goals))
	for _, g := range s.Goals {
		if g.Status == status {
			out = append(out, g)
		}
	}
	return out
}

// Completion is the aggregate progress across all goals.
func Completion(s State) float64 {
	var target, current float64
	for _, g := range s.Goals {
		if g.TargetAmount <= 0 {
			continue
		}
		target += g.TargetAmount
		current += min(g.CurrentAmount, g.TargetAmount)
	}
	if target == 0 {
		return 0
	}
	return current / target
}
