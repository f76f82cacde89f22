// Package queue exposes the produce API and lifecycle operations for one
// named queue.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

// Options configure a queue handle
type Options struct {
	// Name identifies the queue; required
	Name string
	// DefaultJobOptions fill in unset per-job options on Add/AddBulk
	DefaultJobOptions job.Options
}

// Queue is a handle on one named queue. Handles are cheap; many can share
// one store.
type Queue struct {
	name     string
	store    *store.Store
	defaults job.Options
	log      logger.Logger
}

// New creates a queue handle over the given store
func New(st *store.Store, opts Options) *Queue {
	return &Queue{
		name:     opts.Name,
		store:    st,
		defaults: opts.DefaultJobOptions,
		log:      logger.Default().WithComponent(logger.ComponentQueue).WithFields(map[string]interface{}{"queue": opts.Name}),
	}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Store returns the underlying job store
func (q *Queue) Store() *store.Store { return q.store }

// applyDefaults merges the queue's default job options into opts
func (q *Queue) applyDefaults(opts job.Options) job.Options {
	if opts.Attempts == 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff = q.defaults.Backoff
	}
	if !opts.RemoveOnComplete {
		opts.RemoveOnComplete = q.defaults.RemoveOnComplete
	}
	if !opts.RemoveOnFail {
		opts.RemoveOnFail = q.defaults.RemoveOnFail
	}
	return opts
}

// buildJob validates a payload envelope and produces the job record
func (q *Queue) buildJob(payload []byte, opts job.Options) (*job.Job, error) {
	if err := job.ValidateEnvelope(payload); err != nil {
		return nil, err
	}

	var env job.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, qerrors.Wrap(qerrors.KindInvalidJobData, "malformed payload envelope", err)
	}

	return job.New(q.name, env.Name, payload, q.applyDefaults(opts)), nil
}

// Add validates the payload envelope and enqueues one job. Supplying
// opts.JobID makes the call idempotent: repeated adds with the same id
// yield exactly one record and return the existing job unchanged.
func (q *Queue) Add(ctx context.Context, payload []byte, opts job.Options) (*job.Job, error) {
	j, err := q.buildJob(payload, opts)
	if err != nil {
		return nil, err
	}

	created, err := q.store.Enqueue(ctx, j)
	if err != nil {
		return nil, err
	}

	if !created {
		existing, err := q.store.GetJob(ctx, q.name, j.ID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	q.log.Debug("Enqueued job", "job_id", j.ID, "name", j.Name, "state", string(j.State))
	return j, nil
}

// BulkItem is one job in an AddBulk call
type BulkItem struct {
	Payload []byte
	Opts    job.Options
}

// AddBulk validates every item, then enqueues them all in one pipelined
// transaction: the batch commits together or not at all. An empty slice
// is a no-op. Validation failures reject the whole batch before any
// write.
func (q *Queue) AddBulk(ctx context.Context, items []BulkItem) ([]*job.Job, error) {
	if len(items) == 0 {
		return nil, nil
	}

	jobs := make([]*job.Job, len(items))
	for i, item := range items {
		j, err := q.buildJob(item.Payload, item.Opts)
		if err != nil {
			return nil, err
		}
		jobs[i] = j
	}

	if _, err := q.store.EnqueueBulk(ctx, jobs); err != nil {
		return nil, err
	}

	q.log.Debug("Enqueued bulk jobs", "count", len(jobs))
	return jobs, nil
}

// Job loads a job by id. Returns nil when absent.
func (q *Queue) Job(ctx context.Context, id string) (*job.Job, error) {
	return q.store.GetJob(ctx, q.name, id)
}

// Remove deletes a job from whichever non-active set it resides in.
// Absent jobs are a no-op; active jobs are refused unless forced.
func (q *Queue) Remove(ctx context.Context, id string, force bool) error {
	_, err := q.store.Remove(ctx, q.name, id, force)
	return err
}

// Drain removes all waiting and delayed jobs
func (q *Queue) Drain(ctx context.Context, includeActive bool) (int64, error) {
	return q.store.Drain(ctx, q.name, includeActive)
}

// Clean removes up to limit jobs in state older than grace, returning ids
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, state job.State) ([]string, error) {
	return q.store.Clean(ctx, q.name, grace, limit, state)
}

// Obliterate wipes every key of the queue. Refused with active jobs
// unless forced.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	return q.store.Obliterate(ctx, q.name, force)
}

// Pause stops dispatch; already-active jobs run to completion
func (q *Queue) Pause(ctx context.Context) error {
	return q.store.Pause(ctx, q.name)
}

// Resume re-enables dispatch
func (q *Queue) Resume(ctx context.Context) error {
	return q.store.Resume(ctx, q.name)
}

// JobCounts returns a snapshot of per-state set sizes
func (q *Queue) JobCounts(ctx context.Context) (store.Counts, error) {
	return q.store.Counts(ctx, q.name)
}

// PromoteDelayed moves due delayed jobs into waiting. Workers call this
// periodically; it is exposed for operators and tests.
func (q *Queue) PromoteDelayed(ctx context.Context) (int64, error) {
	return q.store.PromoteDelayed(ctx, q.name)
}

// Await blocks until the job reaches a terminal state or the timeout
// elapses. It subscribes to the queue's event channel and re-checks the
// record first so a finish between check and subscribe is not missed.
func (q *Queue) Await(ctx context.Context, jobID string, timeout time.Duration) (*job.Job, error) {
	j, err := q.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j != nil && j.Terminal() {
		return j, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := q.store.SubscribeEvents(waitCtx, q.name)
	defer func() {
		_ = sub.Close()
	}()

	// The job may have finished between the check above and the subscribe
	j, err = q.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j != nil && j.Terminal() {
		return j, nil
	}

	ch := sub.Channel()
	for {
		select {
		case <-waitCtx.Done():
			return nil, qerrors.Newf(qerrors.KindTimeout, "job %s did not finish within %s", jobID, timeout).WithJob(q.name, jobID)
		case msg, ok := <-ch:
			if !ok {
				return nil, qerrors.Newf(qerrors.KindTimeout, "event channel closed waiting for job %s", jobID).WithJob(q.name, jobID)
			}
			ev, err := store.ParseEvent(msg.Payload)
			if err != nil || ev.JobID != jobID {
				continue
			}
			if ev.Event == store.EventCompleted || ev.Event == store.EventFailed {
				return q.Job(ctx, jobID)
			}
		}
	}
}
