package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	InvalidArguments ErrorKind = "invalid_arguments"
	Unavailable      ErrorKind = "unavailable"
	Timeout          ErrorKind = "timeout"
	NotFound         ErrorKind = "not_found"
)

// ToolError is scoped to a single invocation and is recoverable by the caller.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// KindOf returns the ToolError kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

func toolErr(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}
