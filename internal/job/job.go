// Package job defines the canonical job record, its state machine, and the
// retry/backoff rules shared by the queue runtime.
package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a job. A job is in exactly one
// state at any instant; transitions happen server-side in Redis.
type State string

const (
	// StateWaiting indicates the job is ready to be fetched by a worker
	StateWaiting State = "waiting"
	// StateDelayed indicates the job fires at a future time
	StateDelayed State = "delayed"
	// StateActive indicates the job is held by a worker under a lock
	StateActive State = "active"
	// StateCompleted indicates the job finished successfully
	StateCompleted State = "completed"
	// StateFailed indicates the job failed terminally
	StateFailed State = "failed"
	// StatePaused indicates the job sits in a paused queue
	StatePaused State = "paused"
	// StateWaitingChildren indicates a flow parent gated on its children
	StateWaitingChildren State = "waiting-children"
)

// Valid reports whether s is a known job state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted,
		StateFailed, StatePaused, StateWaitingChildren:
		return true
	}
	return false
}

// BackoffType selects the retry delay curve
type BackoffType string

const (
	// BackoffFixed retries after a constant delay
	BackoffFixed BackoffType = "fixed"
	// BackoffExponential retries after delay * 2^(attempt-1) with jitter
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the retry delay policy for a job
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// ParentRef identifies the flow parent of a job
type ParentRef struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Options control how a job is enqueued and retried
type Options struct {
	// JobID makes the enqueue idempotent when supplied by the caller
	JobID string
	// Priority orders dispatch, lower first
	Priority int
	// LIFO dequeues newest-first within a priority band
	LIFO bool
	// Delay postpones the first dispatch
	Delay time.Duration
	// Attempts is the maximum number of tries, at least 1
	Attempts int
	// Backoff is the retry delay policy
	Backoff Backoff
	// Timeout cancels the processor context when exceeded (0 = none)
	Timeout time.Duration
	// Parent gates this job's parent on this job's completion
	Parent *ParentRef
	// RemoveOnComplete deletes the record instead of keeping it in completed
	RemoveOnComplete bool
	// RemoveOnFail deletes the record instead of keeping it in failed
	RemoveOnFail bool
}

// Job represents a unit of work identified by a stable id, carrying an
// opaque payload and progressing through the state machine above.
type Job struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Opts    Options         `json:"opts"`

	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	StalledCount int             `json:"stalled_count"`
	LastError    string          `json:"last_error,omitempty"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`

	// Seq is the queue-local monotonic enqueue sequence number
	Seq int64 `json:"seq"`

	Timestamp   time.Time `json:"timestamp"`
	ProcessedOn time.Time `json:"processed_on,omitempty"`
	FinishedOn  time.Time `json:"finished_on,omitempty"`

	LockOwner     string    `json:"lock_owner,omitempty"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitempty"`
}

// New creates a job for the given queue with defaults applied. A missing
// JobID gets a collision-resistant random one.
func New(queueName, name string, payload []byte, opts Options) *Job {
	if opts.JobID == "" {
		opts.JobID = uuid.New().String()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffFixed
	}

	return &Job{
		ID:        opts.JobID,
		Queue:     queueName,
		Name:      name,
		Payload:   payload,
		Opts:      opts,
		State:     StateWaiting,
		Timestamp: time.Now(),
	}
}

// NextBackoff computes the retry delay before the given attempt number
// (1-based). Exponential backoff doubles per attempt with ±20% jitter.
func NextBackoff(b Backoff, attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	switch b.Type {
	case BackoffExponential:
		delay := b.Delay * time.Duration(1<<uint(attempt-1))
		// ±20% jitter keeps synchronized retries from herding
		jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
		return delay + jitter
	default:
		return b.Delay
	}
}

// RetryAt returns the fire time for the next retry of j, given that the
// attempt that just failed was attempt number j.AttemptsMade.
func (j *Job) RetryAt(now time.Time) time.Time {
	return now.Add(NextBackoff(j.Opts.Backoff, j.AttemptsMade))
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// msOrZero formats a time as ms epoch, zero time as 0
func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ToHash serializes the job into the flat field map stored in the
// job:{id} Redis hash. Times are ms epoch, booleans are 0/1.
func (j *Job) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		"id":                 j.ID,
		"queue":              j.Queue,
		"name":               j.Name,
		"payload":            string(j.Payload),
		"priority":           j.Opts.Priority,
		"lifo":               boolField(j.Opts.LIFO),
		"delay_ms":           j.Opts.Delay.Milliseconds(),
		"attempts":           j.Opts.Attempts,
		"backoff_type":       string(j.Opts.Backoff.Type),
		"backoff_ms":         j.Opts.Backoff.Delay.Milliseconds(),
		"timeout_ms":         j.Opts.Timeout.Milliseconds(),
		"remove_on_complete": boolField(j.Opts.RemoveOnComplete),
		"remove_on_fail":     boolField(j.Opts.RemoveOnFail),
		"state":              string(j.State),
		"attempts_made":      j.AttemptsMade,
		"stalled_count":      j.StalledCount,
		"last_error":         j.LastError,
		"return_value":       string(j.ReturnValue),
		"seq":                j.Seq,
		"timestamp_ms":       msOrZero(j.Timestamp),
		"processed_on_ms":    msOrZero(j.ProcessedOn),
		"finished_on_ms":     msOrZero(j.FinishedOn),
		"lock_owner":         j.LockOwner,
		"lock_expires_ms":    msOrZero(j.LockExpiresAt),
	}

	if j.Opts.Parent != nil {
		h["parent_id"] = j.Opts.Parent.ID
		h["parent_queue"] = j.Opts.Parent.Queue
	}

	return h
}

// FromHash parses a job record out of the flat Redis hash fields.
func FromHash(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty job hash")
	}

	j := &Job{
		ID:        fields["id"],
		Queue:     fields["queue"],
		Name:      fields["name"],
		LastError: fields["last_error"],
		State:     State(fields["state"]),
	}

	if j.ID == "" {
		return nil, fmt.Errorf("job hash missing id")
	}
	if !j.State.Valid() {
		return nil, fmt.Errorf("unknown job state %q", fields["state"])
	}

	if p := fields["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if rv := fields["return_value"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}

	j.Opts = Options{
		JobID:            j.ID,
		Priority:         intField(fields, "priority"),
		LIFO:             fields["lifo"] == "1",
		Delay:            time.Duration(int64Field(fields, "delay_ms")) * time.Millisecond,
		Attempts:         intField(fields, "attempts"),
		Backoff:          Backoff{Type: BackoffType(fields["backoff_type"]), Delay: time.Duration(int64Field(fields, "backoff_ms")) * time.Millisecond},
		Timeout:          time.Duration(int64Field(fields, "timeout_ms")) * time.Millisecond,
		RemoveOnComplete: fields["remove_on_complete"] == "1",
		RemoveOnFail:     fields["remove_on_fail"] == "1",
	}

	if pid := fields["parent_id"]; pid != "" {
		j.Opts.Parent = &ParentRef{ID: pid, Queue: fields["parent_queue"]}
	}

	j.AttemptsMade = intField(fields, "attempts_made")
	j.StalledCount = intField(fields, "stalled_count")
	j.Seq = int64Field(fields, "seq")
	j.Timestamp = timeField(fields, "timestamp_ms")
	j.ProcessedOn = timeField(fields, "processed_on_ms")
	j.FinishedOn = timeField(fields, "finished_on_ms")
	j.LockOwner = fields["lock_owner"]
	j.LockExpiresAt = timeField(fields, "lock_expires_ms")

	return j, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intField(fields map[string]string, key string) int {
	v, _ := strconv.Atoi(fields[key])
	return v
}

func int64Field(fields map[string]string, key string) int64 {
	v, _ := strconv.ParseInt(fields[key], 10, 64)
	return v
}

func timeField(fields map[string]string, key string) time.Time {
	ms := int64Field(fields, key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
