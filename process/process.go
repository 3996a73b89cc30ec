// Package process implements the bounded execution queue: a priority-ordered
// unit-of-work scheduler with a concurrency cap, per-unit timeouts, lifecycle
// tracking, and durable status records.
package process

import (
	"context"
	"time"
)

// Status is the lifecycle state of a process.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Unit is one bounded unit of work. It must honor ctx cancellation.
type Unit func(ctx context.Context) (any, error)

// Process is the tracked record of one submitted unit. It is created on
// submission, mutated only by the Manager, and evicted from both the in-memory
// map and the durable store after the retention TTL.
type Process struct {
	ID          string        `json:"id"`
	Priority    int           `json:"priority"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (p *Process) Clone() *Process {
	cp := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
