package engine

import "fmt"

// Fatal engine errors are tagged values, never string-matched. Handler
// failures the pipeline can route around become Outcome{status: fail}
// instead; everything below bypasses edge selection and terminates the run.
// No extra checkpoint is written when one of these is raised (cancellation
// aside), so the latest checkpoint is the one taken after the last
// recorded outcome.

// ValidationError is surfaced by validate and at engine start.
type ValidationError struct {
	RuleID  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.RuleID, e.Message)
}

// HandlerMissing means no handler is registered for a node's resolved kind.
type HandlerMissing struct {
	Kind string
}

func (e *HandlerMissing) Error() string {
	return fmt.Sprintf("no handler registered for kind %q", e.Kind)
}

// HandlerError means a handler returned fail and no fallback edge existed.
type HandlerError struct {
	NodeID string
	Reason string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s failed with no outgoing fail edge: %s", e.NodeID, e.Reason)
}

// StepLimitExceeded is the step-count resource guard.
type StepLimitExceeded struct {
	Steps    int
	MaxSteps int
}

func (e *StepLimitExceeded) Error() string {
	return fmt.Sprintf("step limit exceeded: %d steps (max %d)", e.Steps, e.MaxSteps)
}

// BudgetExceeded is the monetary resource guard.
type BudgetExceeded struct {
	TotalCost    float64
	MaxBudgetUSD float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: $%.4f spent (max $%.4f)", e.TotalCost, e.MaxBudgetUSD)
}

// MaxRetriesExceeded means goal-gate loop resets exhausted the graph-level
// retry budget.
type MaxRetriesExceeded struct {
	Retries int
	Max     int
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("max retries exceeded: %d goal-gate resets (max %d)", e.Retries, e.Max)
}

// GoalGateUnsatisfied means the exit was reached with a failed gate and no
// retry target resolvable at any level.
type GoalGateUnsatisfied struct {
	GateID string
}

func (e *GoalGateUnsatisfied) Error() string {
	return fmt.Sprintf("goal gate unsatisfied: node %q did not succeed and no retry target is set", e.GateID)
}

// CheckpointError wraps a durable-store failure.
type CheckpointError struct {
	Err error
}

func (e *CheckpointError) Error() string { return fmt.Sprintf("checkpoint write: %v", e.Err) }
func (e *CheckpointError) Unwrap() error { return e.Err }

// ResumeError means the checkpoint is unreadable or references nodes the
// graph no longer has.
type ResumeError struct {
	Reason string
	Err    error
}

func (e *ResumeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resume: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("resume: %s", e.Reason)
}

func (e *ResumeError) Unwrap() error { return e.Err }
