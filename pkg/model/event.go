package model

import "time"

// EventType identifies a fact in the append-only event log. The vocabulary is
// closed: ingestion rejects anything outside this set.
type EventType string

// Event type vocabulary.
const (
	EventPlaybookInitialized EventType = "playbook.initialized"
	EventPlaybookCompleted   EventType = "playbook.completed"
	EventWorkflowInitialized EventType = "workflow.initialized"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventCommandIssued       EventType = "command.issued"
	EventCommandClaimed      EventType = "command.claimed"
	EventCommandCompleted    EventType = "command.completed"
	EventCommandFailed       EventType = "command.failed"
	EventStepEnter           EventType = "step.enter"
	EventStepExit            EventType = "step.exit"
	EventActionCompleted     EventType = "action.completed"
	EventActionError         EventType = "action.error"
	EventLoopIteration       EventType = "loop.iteration"
	EventLoopCompleted       EventType = "loop.completed"
	EventSinkExecuted        EventType = "sink.executed"
	EventSinkFailed          EventType = "sink.failed"
	EventExecutionCancelled  EventType = "execution.cancelled"
)

// ValidEventType reports whether t belongs to the fixed vocabulary.
func ValidEventType(t EventType) bool {
	switch t {
	case EventPlaybookInitialized, EventPlaybookCompleted,
		EventWorkflowInitialized, EventWorkflowCompleted,
		EventCommandIssued, EventCommandClaimed, EventCommandCompleted, EventCommandFailed,
		EventStepEnter, EventStepExit,
		EventActionCompleted, EventActionError,
		EventLoopIteration, EventLoopCompleted,
		EventSinkExecuted, EventSinkFailed,
		EventExecutionCancelled:
		return true
	}
	return false
}

// CommandScoped reports whether the event type describes the lifecycle of a
// single command attempt. Command-scoped events are deduplicated at ingestion
// by (execution_id, node_id, event_type, attempt).
func (t EventType) CommandScoped() bool {
	switch t {
	case EventCommandIssued, EventCommandClaimed, EventCommandCompleted, EventCommandFailed,
		EventStepEnter, EventStepExit, EventActionCompleted, EventActionError:
		return true
	}
	return false
}

// StepTerminal reports whether the event marks a step reaching a terminal
// state. Terminal step events trigger re-evaluation of parked gates.
func (t EventType) StepTerminal() bool {
	return t == EventStepExit || t == EventLoopCompleted
}

// JSON is a generic JSON object column.
type JSON map[string]any

// Event is one append-only record of a fact about an execution. Events are
// totally ordered per execution by EventID (snowflake, time-sortable).
type Event struct {
	ExecutionID   int64      `json:"execution_id"`
	EventID       int64      `json:"event_id"`
	ParentEventID *int64     `json:"parent_event_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Type          EventType  `json:"event_type"`
	NodeID        string     `json:"node_id,omitempty"`
	NodeName      string     `json:"node_name,omitempty"`
	Status        Status     `json:"status,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	Context       JSON       `json:"context,omitempty"`
	Result        JSON       `json:"result,omitempty"`
	Meta          JSON       `json:"meta,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	LoopID        string     `json:"loop_id,omitempty"`
	CurrentIndex  *int       `json:"current_index,omitempty"`
}

// Execution is one run of a playbook.
type Execution struct {
	ID                int64      `json:"execution_id"`
	Path              string     `json:"path"`
	Version           int        `json:"version"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	ParentExecutionID *int64     `json:"parent_execution_id,omitempty"`
	ParentStep        string     `json:"parent_step,omitempty"`
	OwnerID           string     `json:"owner_id,omitempty"`
	Workload          JSON       `json:"workload,omitempty"`
}
