package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

// Executor runs one fetched job end to end: handler lookup, lock
// heartbeat, timeout enforcement, panic recovery, and the final
// complete or fail transition.
type Executor struct {
	registry       *Registry
	store          *store.Store
	lockTTL        time.Duration
	defaultTimeout time.Duration
	log            logger.Logger
}

// NewExecutor creates an executor bound to a handler registry and store
func NewExecutor(registry *Registry, st *store.Store, lockTTL, defaultTimeout time.Duration) *Executor {
	return &Executor{
		registry:       registry,
		store:          st,
		lockTTL:        lockTTL,
		defaultTimeout: defaultTimeout,
		log:            logger.Default().WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceJob),
	}
}

// Execute processes a single job. The released flag is set by the worker
// when it has already handed the lock back (forced pause or shutdown);
// in that case the outcome of the handler is discarded and the job is
// left for the next fetch.
func (e *Executor) Execute(ctx context.Context, j *job.Job, workerID string, released *atomic.Bool) {
	handler, exists := e.registry.Get(j.Name)
	if !exists {
		e.failJob(ctx, j, workerID, released, fmt.Sprintf("no handler registered for job name: %s", j.Name))
		return
	}

	jobCtx := ctx
	cancel := context.CancelFunc(func() {})
	timeout := j.Opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Keep the active lock alive for as long as the handler runs. If
	// another worker took the job over after a stall requeue, the extend
	// fails and the handler context is cancelled.
	heartbeatDone := make(chan struct{})
	go e.heartbeat(jobCtx, j, workerID, cancel, heartbeatDone)
	defer close(heartbeatDone)

	e.log.InfoContext(jobCtx, "Processing job",
		"job_id", j.ID, "job_name", j.Name, "attempt", j.AttemptsMade+1)

	startTime := time.Now()
	returnValue, err := e.runHandler(jobCtx, handler, j)
	duration := time.Since(startTime)

	if err != nil {
		errMsg := err.Error()
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("timeout: job exceeded %s", timeout)
		}

		e.log.ErrorContext(jobCtx, "Job failed",
			"job_id", j.ID, "job_name", j.Name, "duration", duration, "error", errMsg)
		e.failJob(ctx, j, workerID, released, errMsg)
		return
	}

	if err := e.store.Complete(ctx, j, workerID, returnValue); err != nil {
		if released.Load() {
			e.log.DebugContext(ctx, "Discarding result of released job", "job_id", j.ID)
			return
		}
		e.log.ErrorContext(ctx, "Failed to mark job as completed",
			"job_id", j.ID, "error", err)
		return
	}

	e.log.InfoContext(jobCtx, "Job completed",
		"job_id", j.ID, "job_name", j.Name, "duration", duration)
}

// runHandler invokes the handler with panic recovery. A panicking
// handler is treated exactly like one returning an error.
func (e *Executor) runHandler(ctx context.Context, handler Handler, j *job.Job) (returnValue []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := qerrors.NewPanicError(r)
			e.log.ErrorContext(ctx, "Job panicked - marking as failed",
				"job_id", j.ID,
				"job_name", j.Name,
				"panic_value", panicErr.Value,
				"stack_trace", panicErr.Stacktrace)
			returnValue = nil
			err = panicErr
		}
	}()

	return handler(ctx, j)
}

// failJob records a failure, which schedules a retry or moves the job
// to the failed set depending on attempts left
func (e *Executor) failJob(ctx context.Context, j *job.Job, workerID string, released *atomic.Bool, errMsg string) {
	retryScheduled, err := e.store.Fail(ctx, j, workerID, errMsg)
	if err != nil {
		if released.Load() {
			e.log.DebugContext(ctx, "Discarding failure of released job", "job_id", j.ID)
			return
		}
		e.log.ErrorContext(ctx, "Failed to mark job as failed",
			"job_id", j.ID, "error", err)
		return
	}

	if retryScheduled {
		e.log.WarnContext(ctx, "Job scheduled for retry",
			"job_id", j.ID, "attempt", j.AttemptsMade, "max_attempts", j.Opts.Attempts)
	} else {
		e.log.ErrorContext(ctx, "Job exhausted attempts",
			"job_id", j.ID, "attempts", j.AttemptsMade)
	}
}

// heartbeat extends the job lock every lockTTL/3 until the job finishes.
// Losing the lock cancels the handler context.
func (e *Executor) heartbeat(ctx context.Context, j *job.Job, workerID string, cancel context.CancelFunc, done <-chan struct{}) {
	interval := e.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := e.store.ExtendLock(ctx, j, workerID, e.lockTTL)
			if err != nil {
				e.log.WarnContext(ctx, "Failed to extend job lock", "job_id", j.ID, "error", err)
				continue
			}
			if !extended {
				e.log.WarnContext(ctx, "Job lock lost - cancelling handler", "job_id", j.ID)
				cancel()
				return
			}
		}
	}
}
