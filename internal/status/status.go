// Package status holds the task and intervention status enums and the
// transition policy. Everything here is pure: no I/O, no clock, no storage.
package status

import "fmt"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskInvalid    TaskStatus = ""
	TaskQuote      TaskStatus = "quote"
	TaskScheduled  TaskStatus = "scheduled"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskOnHold     TaskStatus = "on_hold"
	TaskArchived   TaskStatus = "archived"
	TaskFailed     TaskStatus = "failed"
	TaskOverdue    TaskStatus = "overdue"
	TaskAssigned   TaskStatus = "assigned"
	TaskPending    TaskStatus = "pending"
)

var taskStatuses = map[TaskStatus]bool{
	TaskQuote:      true,
	TaskScheduled:  true,
	TaskInProgress: true,
	TaskPaused:     true,
	TaskCompleted:  true,
	TaskCancelled:  true,
	TaskOnHold:     true,
	TaskArchived:   true,
	TaskFailed:     true,
	TaskOverdue:    true,
	TaskAssigned:   true,
	TaskPending:    true,
}

// taskTransitions lists the legal directed edges. Anything absent is denied,
// including self-transitions and every edge touching a status outside the
// table.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQuote:      {TaskScheduled, TaskCancelled},
	TaskScheduled:  {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskPaused, TaskCancelled},
	TaskPaused:     {TaskInProgress, TaskCancelled},
}

// ParseTaskStatus maps a raw string onto the enum. Unknown input is a
// ParseError, never a default.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !taskStatuses[st] {
		return TaskInvalid, ParseError{Value: s}
	}
	return st, nil
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EnsureTransition returns an InvalidTransitionError when from -> to is not
// in the table.
func EnsureTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// StartableForIntervention reports whether an intervention may be started on
// a task in the given status.
func StartableForIntervention(s TaskStatus) bool {
	return s == TaskScheduled || s == TaskPaused
}

// ParseError indicates an unparseable status string.
type ParseError struct {
	Value string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("unknown status %q", e.Value)
}

// InvalidTransitionError carries both ends of a rejected transition.
type InvalidTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// InterventionStatus is the lifecycle state of an intervention.
type InterventionStatus string

const (
	InterventionStarted   InterventionStatus = "started"
	InterventionActive    InterventionStatus = "active"
	InterventionFinalized InterventionStatus = "finalized"
	InterventionCancelled InterventionStatus = "cancelled"
)

// Terminal reports whether an intervention status accepts no further work.
func (s InterventionStatus) Terminal() bool {
	return s == InterventionFinalized || s == InterventionCancelled
}

// ParseInterventionStatus maps a raw string onto the enum.
func ParseInterventionStatus(s string) (InterventionStatus, error) {
	switch st := InterventionStatus(s); st {
	case InterventionStarted, InterventionActive, InterventionFinalized, InterventionCancelled:
		return st, nil
	}
	return "", ParseError{Value: s}
}
