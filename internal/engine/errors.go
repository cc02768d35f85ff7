package engine

import (
	"fmt"
	"strings"
)

// ValidationError rejects caller input. Its text is safe to show to API
// clients; anything else that goes wrong stays server-side.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// ActiveInterventionError signals that a task already has a non-terminal
// intervention.
type ActiveInterventionError struct {
	TaskID         string
	InterventionID string
}

func (e ActiveInterventionError) Error() string {
	return fmt.Sprintf("task %s already has active intervention %s", e.TaskID, e.InterventionID)
}

// InterventionTerminalError signals a mutation attempt on a finalized or
// cancelled intervention.
type InterventionTerminalError struct {
	InterventionID string
	Status         string
}

func (e InterventionTerminalError) Error() string {
	return fmt.Sprintf("intervention %s is %s", e.InterventionID, e.Status)
}

// StepOutOfOrderError signals a step completed before an earlier one.
type StepOutOfOrderError struct {
	Step     string
	Blocking string
}

func (e StepOutOfOrderError) Error() string {
	return fmt.Sprintf("step %s cannot complete before %s", e.Step, e.Blocking)
}

// MandatoryStepsError lists the mandatory steps still open at finalize time.
type MandatoryStepsError struct {
	Missing []string
}

func (e MandatoryStepsError) Error() string {
	return fmt.Sprintf("mandatory steps not completed: %s", strings.Join(e.Missing, ", "))
}
