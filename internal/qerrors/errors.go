// Package qerrors defines the structured error taxonomy shared by the
// queue runtime components.
package qerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error for retry and propagation decisions.
type Kind string

const (
	// KindConnection indicates Redis is unreachable or authentication failed.
	// Transient: retried with backoff at the adapter layer.
	KindConnection Kind = "connection"
	// KindScript indicates a server-side script rejected its input.
	// Non-retryable: a caller bug.
	KindScript Kind = "script"
	// KindInvalidJobData indicates a payload missing required envelope fields.
	KindInvalidJobData Kind = "invalid-job-data"
	// KindAddJob indicates the enqueue script rejected the job.
	KindAddJob Kind = "add-job"
	// KindProcessing indicates the job processor returned an error.
	KindProcessing Kind = "processing"
	// KindTimeout indicates a job exceeded its timeout or a fetch blocked past its deadline.
	KindTimeout Kind = "timeout"
	// KindStalled indicates a job was re-queued more than maxStalledCount times.
	KindStalled Kind = "stalled"
	// KindLeaderLost indicates the scheduler lost its leader lock mid-tick.
	KindLeaderLost Kind = "leader-lost"
	// KindFlow indicates parent/child wiring is inconsistent.
	KindFlow Kind = "flow"
)

// Error is the structured error surfaced by the runtime. Queue and JobID
// are set when the failure is scoped to a particular queue or job.
type Error struct {
	Kind  Kind
	Queue string
	JobID string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Queue != "" {
		s += fmt.Sprintf(" (queue=%s", e.Queue)
		if e.JobID != "" {
			s += fmt.Sprintf(" job=%s", e.JobID)
		}
		s += ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so callers can use errors.Is with a bare
// &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a runtime error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a runtime error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a runtime error wrapping a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithJob returns a copy scoped to a queue and job.
func (e *Error) WithJob(queue, jobID string) *Error {
	c := *e
	c.Queue = queue
	c.JobID = jobID
	return &c
}

// IsKind reports whether err is a runtime error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether the error is transient and worth retrying.
func Retryable(err error) bool {
	return IsKind(err, KindConnection)
}
