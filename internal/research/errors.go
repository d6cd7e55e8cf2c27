package research

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPlan is wrapped by PlanningError when no sub-question could be produced.
var ErrNoPlan = errors.New("plan is empty")

// PlanningError means the planner produced nothing usable; the session fails.
type PlanningError struct {
	Query string
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %q: %v", e.Query, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// SubQuestionFailure is terminal for one sub-question only.
type SubQuestionFailure struct {
	SubQuestionID string
	Stage         string
	Err           error
}

func (e *SubQuestionFailure) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("sub-question %s failed while %s: %v", e.SubQuestionID, e.Stage, e.Err)
	}
	return fmt.Sprintf("sub-question %s failed: %v", e.SubQuestionID, e.Err)
}

func (e *SubQuestionFailure) Unwrap() error { return e.Err }

// SessionFailure is the only failure surfaced to callers as an overall failure.
type SessionFailure struct {
	SessionID string
	Reason    string
	Failures  []string
	Err       error
}

func (e *SessionFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s failed: %s", e.SessionID, e.Reason)
	if len(e.Failures) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Failures, "; "))
	}
	return b.String()
}

func (e *SessionFailure) Unwrap() error { return e.Err }
