package types

import (
	"context"
	"time"
)

// EventType identifies a lifecycle event emitted by the orchestration core.
type EventType string

// Process lifecycle events
const (
	EventProcessSubmitted EventType = "process.submitted"
	EventProcessStarted   EventType = "process.started"
	EventProcessCompleted EventType = "process.completed"
	EventProcessFailed    EventType = "process.failed"
	EventProcessTimeout   EventType = "process.timeout"
	EventProcessCancelled EventType = "process.cancelled"
)

// Workflow lifecycle events
const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventStepReady         EventType = "workflow.step_ready"
	EventStepRunning       EventType = "workflow.step_running"
	EventStepCompleted     EventType = "workflow.step_completed"
	EventStepFailed        EventType = "workflow.step_failed"
	EventStepCancelled     EventType = "workflow.step_cancelled"
	EventStepSkipped       EventType = "workflow.step_skipped"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventWorkflowPaused    EventType = "workflow.paused"
	EventWorkflowResumed   EventType = "workflow.resumed"
)

// Collaboration lifecycle events
const (
	EventCritiqueStarted     EventType = "critique.started"
	EventCritiqueIteration   EventType = "critique.iteration"
	EventCritiqueCompleted   EventType = "critique.completed"
	EventDiscussionStarted   EventType = "discussion.started"
	EventDiscussionRound     EventType = "discussion.round"
	EventDiscussionConverged EventType = "discussion.converged"
	EventDiscussionExhausted EventType = "discussion.exhausted"
)

// Event is a typed lifecycle notification. The core emits events to an
// EventSink and has no knowledge of the delivery mechanism.
type Event struct {
	Type      EventType      `json:"type"`
	SubjectID string         `json:"subject_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink accepts lifecycle events for delivery to external listeners.
// Implementations must not block the caller for long; slow delivery should be
// buffered or dropped on the sink side.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(ctx context.Context, event Event) {}

// ChanSink delivers events to a buffered channel, dropping when full.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a channel-backed sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Emit implements EventSink. Events are dropped when the buffer is full so
// that a stalled consumer never blocks the engine.
func (s *ChanSink) Emit(ctx context.Context, event Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// Events returns the receive side of the sink.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}
