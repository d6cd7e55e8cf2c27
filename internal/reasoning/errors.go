package reasoning

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a reasoning failure.
type ErrorKind string

const (
	Timeout         ErrorKind = "timeout"
	RateLimited     ErrorKind = "rate_limited"
	InvalidResponse ErrorKind = "invalid_response"
	Unavailable     ErrorKind = "unavailable"
)

// Error is returned by every Client method once internal retries are spent.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("reasoning %s", e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a reasoning error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// Retryable reports whether err is worth retrying after a pause.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == RateLimited || k == Timeout)
}
