package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

// schedulerIDPattern validates scheduler ids (alphanumeric, underscores, hyphens)
var schedulerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// cronParser parses standard 5-field expressions (minute hour dom month dow)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Template is the job blueprint a scheduler stamps out on each fire
type Template struct {
	// Name must match a handler registered with the consuming worker
	Name string `json:"name"`
	// Data is the opaque payload body for each emitted job
	Data json.RawMessage `json:"data,omitempty"`
	// Opts are the default job options for each emitted job. JobID is
	// ignored; emitted jobs get deterministic ids from the fire counter.
	Opts job.Options `json:"opts"`
}

// Record is one persistent scheduler. Exactly one of Pattern and Every
// is set.
type Record struct {
	ID string

	// Pattern is a standard 5-field cron expression
	Pattern string
	// Every fires at fixed intervals aligned to the epoch
	Every time.Duration
	// Limit caps total fires; 0 means unlimited
	Limit int64
	// Timezone for cron evaluation (default UTC)
	Timezone string

	Template Template

	NextRun    time.Time
	LastRun    time.Time
	FiresSoFar int64
}

// Validate checks the record invariants before persisting
func (r *Record) Validate() error {
	if r.ID == "" {
		return qerrors.New(qerrors.KindAddJob, "scheduler id cannot be empty")
	}
	if !schedulerIDPattern.MatchString(r.ID) {
		return qerrors.Newf(qerrors.KindAddJob, "scheduler id %q must contain only alphanumeric characters, underscores, and hyphens", r.ID)
	}
	if (r.Pattern == "") == (r.Every <= 0) {
		return qerrors.New(qerrors.KindAddJob, "exactly one of pattern and every must be set")
	}
	if r.Pattern != "" {
		if _, err := cronParser.Parse(r.Pattern); err != nil {
			return qerrors.Wrap(qerrors.KindAddJob, fmt.Sprintf("invalid cron pattern %q", r.Pattern), err)
		}
	}
	if r.Template.Name == "" {
		return qerrors.New(qerrors.KindAddJob, "scheduler template name cannot be empty")
	}
	if r.Timezone != "" && r.Timezone != "UTC" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return qerrors.Wrap(qerrors.KindAddJob, fmt.Sprintf("invalid timezone %q", r.Timezone), err)
		}
	}
	if r.Limit < 0 {
		return qerrors.New(qerrors.KindAddJob, "scheduler limit cannot be negative")
	}
	return nil
}

// ComputeNextRun returns the first fire time after now given the last
// run. Interval schedulers align to epoch multiples of the interval on
// first fire and step from lastRun afterwards; cron schedulers take the
// first match strictly after max(now, lastRun).
func (r *Record) ComputeNextRun(now time.Time) (time.Time, error) {
	if r.Every > 0 {
		if r.LastRun.IsZero() {
			everyMS := r.Every.Milliseconds()
			nextMS := (now.UnixMilli()/everyMS + 1) * everyMS
			return time.UnixMilli(nextMS), nil
		}
		return r.LastRun.Add(r.Every), nil
	}

	sched, err := cronParser.Parse(r.Pattern)
	if err != nil {
		return time.Time{}, qerrors.Wrap(qerrors.KindAddJob, fmt.Sprintf("invalid cron pattern %q", r.Pattern), err)
	}

	loc := time.UTC
	if r.Timezone != "" && r.Timezone != "UTC" {
		loc, err = time.LoadLocation(r.Timezone)
		if err != nil {
			return time.Time{}, qerrors.Wrap(qerrors.KindAddJob, fmt.Sprintf("invalid timezone %q", r.Timezone), err)
		}
	}

	after := now
	if r.LastRun.After(after) {
		after = r.LastRun
	}
	return sched.Next(after.In(loc)), nil
}

// NextJobID returns the deterministic id for the next emitted job, which
// makes a re-fired instant idempotent at enqueue time
func (r *Record) NextJobID() string {
	return r.ID + ":" + strconv.FormatInt(r.FiresSoFar, 10)
}

// Exhausted reports whether the fire limit has been reached
func (r *Record) Exhausted() bool {
	return r.Limit > 0 && r.FiresSoFar >= r.Limit
}

// ToHash serializes the record for the sched:{id} Redis hash
func (r *Record) ToHash() (map[string]interface{}, error) {
	tmpl, err := json.Marshal(r.Template)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindAddJob, "failed to serialize scheduler template", err)
	}

	return map[string]interface{}{
		"id":          r.ID,
		"pattern":     r.Pattern,
		"every_ms":    r.Every.Milliseconds(),
		"limit":       r.Limit,
		"timezone":    r.Timezone,
		"template":    string(tmpl),
		"next_run_ms": r.NextRun.UnixMilli(),
		"last_run_ms": msOrZero(r.LastRun),
		"fires":       r.FiresSoFar,
	}, nil
}

// FromHash rebuilds a record from its Redis hash
func FromHash(fields map[string]string) (*Record, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, qerrors.New(qerrors.KindAddJob, "scheduler record missing id")
	}

	r := &Record{
		ID:         fields["id"],
		Pattern:    fields["pattern"],
		Every:      time.Duration(int64Field(fields, "every_ms")) * time.Millisecond,
		Limit:      int64Field(fields, "limit"),
		Timezone:   fields["timezone"],
		NextRun:    timeField(fields, "next_run_ms"),
		LastRun:    timeField(fields, "last_run_ms"),
		FiresSoFar: int64Field(fields, "fires"),
	}

	if tmpl := fields["template"]; tmpl != "" {
		if err := json.Unmarshal([]byte(tmpl), &r.Template); err != nil {
			return nil, qerrors.Wrap(qerrors.KindAddJob, "malformed scheduler template", err)
		}
	}

	return r, nil
}

func int64Field(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func timeField(fields map[string]string, name string) time.Time {
	ms := int64Field(fields, name)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
