// Package model defines the core entities shared by the orchestrator,
// queue, worker runtime, and event log: executions, events, and commands.
package model

// Status is the lifecycle status attached to executions, steps, and events.
type Status string

// Status values.
const (
	StatusInitialized Status = "INITIALIZED"
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusStarted     Status = "STARTED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies an error per the engine's taxonomy. Kinds drive retry
// predicates (`retry.on`) and the user-visible error surface.
type ErrorKind string

// Error kinds.
const (
	ErrKindValidation ErrorKind = "validation"
	ErrKindTemplate   ErrorKind = "template"
	ErrKindTool       ErrorKind = "tool"
	ErrKindTransport  ErrorKind = "transport"
	ErrKindLeaseLost  ErrorKind = "lease_lost"
	ErrKindCancelled  ErrorKind = "cancelled"
)

// ErrorInfo is the error payload carried on events.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}
