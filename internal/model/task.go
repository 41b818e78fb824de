package model

import (
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string. Task and transaction record ids share it, so
// ids sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// Task status constants.
const (
	StatusSubmitted = "submitted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusSubmitted: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Predecessors returns the statuses that may transition to status, sorted.
func Predecessors(status string) []string {
	var from []string
	for f, targets := range validTransitions {
		if targets[status] {
			from = append(from, f)
		}
	}
	slices.Sort(from)
	return from
}

// Terminal reports whether no further transitions are possible from status.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Task is the journal entry for one dispatched unit of work.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Transactional bool       `json:"transactional"`
	Propagation   string     `json:"propagation,omitempty"`
	Error         string     `json:"error,omitempty"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
