// Package queue implements Foreman's durable priority work queue.
//
// Work items are ordered by priority tier and enqueue order. SQLite is the
// source of truth; an in-memory heap serves as a fast index and is rebuilt
// from storage on startup. Items that fail are retried with exponential
// backoff and dead-lettered after a configurable number of attempts.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Priority is a work item priority tier. Lower tiers are more urgent.
type Priority int

const (
	P0 Priority = iota // drop everything
	P1                 // urgent
	P2                 // normal
	P3                 // low
	P4                 // background
)

// String returns the tier label (e.g. "P0").
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// ParsePriority parses a tier label like "P2" or a bare digit.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	switch s {
	case "0":
		return P0, nil
	case "1":
		return P1, nil
	case "2":
		return P2, nil
	case "3":
		return P3, nil
	case "4":
		return P4, nil
	}
	return P2, fmt.Errorf("invalid priority %q", s)
}

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusFailed marks an item whose last attempt failed and is waiting
	// out its backoff window before retry.
	StatusFailed Status = "failed"
	// StatusDead marks an item that exhausted its retry budget.
	StatusDead Status = "dead"
)

// WorkItem is a unit of work flowing through the queue.
type WorkItem struct {
	// ID is the unique item identifier.
	ID string `json:"id"`
	// Title is the human-readable summary.
	Title string `json:"title"`
	// Description contains the full task body.
	Description string `json:"description,omitempty"`
	// Priority is the tier used for heap ordering.
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// RequiredSkills lists skills an agent must have to take this item.
	RequiredSkills []string `json:"required_skills,omitempty"`
	// EstimatedEffort is the expected effort in hours.
	EstimatedEffort float64 `json:"estimated_effort"`
	// Attempts counts how many times execution has been attempted.
	Attempts int `json:"attempts"`
	// NotBefore gates retry scheduling; zero means ready now.
	NotBefore time.Time `json:"not_before,omitempty"`
	// AssignedTo is the agent currently holding the item, if any.
	AssignedTo string `json:"assigned_to,omitempty"`
	// SourceKey is an idempotency key for externally sourced items
	// (e.g. "github:owner/repo#123"). Empty means no dedup.
	SourceKey string `json:"source_key,omitempty"`
	// LastError records the most recent failure reason.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// seq is the enqueue sequence number, used to break priority ties
	// FIFO within a tier. Not persisted.
	seq uint64
}

// Ready reports whether the item is eligible for assignment at t.
// Failed items become ready again once their backoff window has passed.
func (w *WorkItem) Ready(t time.Time) bool {
	if w.Status != StatusPending && w.Status != StatusFailed {
		return false
	}
	return !t.Before(w.NotBefore)
}

// Terminal reports whether the item is in a final state.
func (w *WorkItem) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusDead
}

// clone returns a copy safe to hand out to callers.
func (w *WorkItem) clone() *WorkItem {
	c := *w
	c.RequiredSkills = append([]string(nil), w.RequiredSkills...)
	return &c
}
