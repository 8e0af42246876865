package workflow

import "fmt"

// HistoryDivergedError is raised when a replayed primitive's name or kind
// doesn't match the next pending history entry (§4.F "Replay contract").
type HistoryDivergedError struct {
	Index    int
	Expected string
	Got      string
}

func (e *HistoryDivergedError) Error() string {
	return fmt.Sprintf("workflow history diverged at entry %d: expected %q, got %q", e.Index, e.Expected, e.Got)
}

// StepExhaustedError is raised when a step's retries are exhausted without
// a successful attempt (§4.F "retried up to maxAttempts").
type StepExhaustedError struct {
	Name     string
	Attempts int
	LastErr  error
}

func (e *StepExhaustedError) Error() string {
	return fmt.Sprintf("workflow step %q exhausted %d attempt(s): %v", e.Name, e.Attempts, e.LastErr)
}

func (e *StepExhaustedError) Unwrap() error { return e.LastErr }

// JoinError is raised by ctx.join when any branch fails, after every
// branch has been waited on (§4.F).
type JoinError struct {
	Errors map[string]error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("workflow join failed: %d branch(es) errored", len(e.Errors))
}

// RaceError is raised by ctx.race when every branch fails (§4.F).
type RaceError struct {
	Errors map[string]error
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("workflow race failed: all %d branch(es) errored", len(e.Errors))
}

// CancelledError is raised inside a race's losing branches once a winner
// resolves (§4.F "cancels the rest").
type CancelledError struct {
	Branch string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("workflow branch %q cancelled", e.Branch)
}

// RollbackCheckpointError is raised when rollback is triggered without a
// prior ctx.rollbackCheckpoint call (§4.F).
type RollbackCheckpointError struct {
	Name string
}

func (e *RollbackCheckpointError) Error() string {
	return fmt.Sprintf("workflow rollback triggered with no preceding checkpoint (at %q)", e.Name)
}

// RollbackError is a user-raised sentinel: returning/wrapping it from a
// step fails that step like any other error, which rolls back from the
// nearest preceding checkpoint (§4.F "Rollback semantics"). The engine
// does not inspect it specially, and a run handler returning it directly
// does not trigger a rollback.
type RollbackError struct {
	Reason error
}

func (e *RollbackError) Error() string {
	if e.Reason == nil {
		return "workflow rollback requested"
	}
	return "workflow rollback requested: " + e.Reason.Error()
}

func (e *RollbackError) Unwrap() error { return e.Reason }
