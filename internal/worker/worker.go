// Package worker pulls jobs off a queue and runs registered handlers
// against them with lock heartbeats, stall recovery, and graceful
// shutdown.
package worker

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

// State is the lifecycle state of a worker
type State string

const (
	StateCreated State = "created"
	StateStarted State = "started"
	StatePaused  State = "paused"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

const (
	defaultConcurrency     = 1
	defaultLockTTL         = 30 * time.Second
	defaultStalledInterval = 30 * time.Second
	defaultMaxStalledCount = 1
	defaultJobTimeout      = 30 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
	defaultPromoteInterval = time.Second

	maxIdleBackoff  = 5 * time.Second
	maxErrorBackoff = 30 * time.Second
	pausedPollSleep = 100 * time.Millisecond
)

// Options configure a worker
type Options struct {
	// Queue names the queue this worker consumes; required
	Queue string
	// Concurrency is the number of concurrent processor slots (default 1)
	Concurrency int
	// LockTTL is how long a fetched job stays locked without a heartbeat
	LockTTL time.Duration
	// StalledInterval is how often the stall scanner runs
	StalledInterval time.Duration
	// MaxStalledCount is how many stall recoveries a job gets before it
	// is failed outright (default 1)
	MaxStalledCount int
	// JobTimeout bounds handler execution when the job itself sets no
	// timeout (default 30s, 0 disables)
	JobTimeout time.Duration
	// PollInterval is the base sleep between empty fetches; the worker
	// backs off from here up to 5s while the queue stays empty
	PollInterval time.Duration
	// PromoteInterval is how often due delayed jobs are promoted
	PromoteInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = defaultStalledInterval
	}
	if opts.MaxStalledCount <= 0 {
		opts.MaxStalledCount = defaultMaxStalledCount
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = defaultPromoteInterval
	}
	return opts
}

// inflightJob tracks one job currently held by a processor slot
type inflightJob struct {
	job      *job.Job
	owner    string
	cancel   context.CancelFunc
	released atomic.Bool
}

// Worker consumes one queue with a pool of processor slots. Slots poll
// for jobs independently; a maintenance loop promotes due delayed jobs
// and recovers stalled ones.
type Worker struct {
	id       string
	store    *store.Store
	registry *Registry
	executor *Executor
	opts     Options
	log      logger.Logger

	mu       sync.Mutex
	state    State
	running  int
	target   int
	slotSeq  int
	stopChan chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]*inflightJob

	active atomic.Int64
}

// New creates a worker for opts.Queue over the given store
func New(st *store.Store, registry *Registry, opts Options) *Worker {
	opts = opts.withDefaults()
	id := "worker-" + uuid.NewString()[:8]

	return &Worker{
		id:       id,
		store:    st,
		registry: registry,
		executor: NewExecutor(registry, st, opts.LockTTL, opts.JobTimeout),
		opts:     opts,
		log: logger.Default().WithComponent(logger.ComponentWorker).WithFields(map[string]interface{}{
			"worker_id": id,
			"queue":     opts.Queue,
		}),
		state:    StateCreated,
		stopChan: make(chan struct{}),
		inflight: make(map[string]*inflightJob),
	}
}

// ID returns the worker's id, used as the lock owner prefix
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ActiveCount returns the number of jobs currently being processed
func (w *Worker) ActiveCount() int64 { return w.active.Load() }

// Start launches the processor slots and the maintenance loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCreated {
		return qerrors.Newf(qerrors.KindProcessing, "worker cannot start from state %s", w.state)
	}

	w.runCtx, w.runCancel = context.WithCancel(ctx)
	w.state = StateStarted
	w.target = w.opts.Concurrency

	w.log.Info("Starting worker", "concurrency", w.target)

	for w.running < w.target {
		w.spawnSlotLocked()
	}

	w.wg.Add(1)
	go w.maintenanceLoop()

	return nil
}

// Pause stops fetching new jobs. With force, in-flight jobs have their
// locks released immediately and their handler contexts cancelled so
// the jobs can be picked up again without burning an attempt.
func (w *Worker) Pause(force bool) {
	w.mu.Lock()
	if w.state != StateStarted && w.state != StatePaused {
		w.mu.Unlock()
		return
	}
	w.state = StatePaused
	w.mu.Unlock()

	w.log.Info("Worker paused", "force", force)

	if force {
		w.releaseInflight()
	}
}

// Resume restarts fetching after a pause
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StatePaused {
		return
	}
	w.state = StateStarted
	w.log.Info("Worker resumed")
}

// SetConcurrency adjusts the number of processor slots at runtime.
// Shrinking retires slots as they finish their current job; growing
// spawns new ones immediately.
func (w *Worker) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.target = n
	if w.state == StateStarted || w.state == StatePaused {
		for w.running < w.target {
			w.spawnSlotLocked()
		}
	}
	w.log.Info("Concurrency updated", "concurrency", n)
}

// Close shuts the worker down. In-flight jobs get grace to finish; any
// still running afterwards have their locks released for re-fetch by
// another worker.
func (w *Worker) Close(grace time.Duration) error {
	w.mu.Lock()
	if w.state == StateClosing || w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosing
	close(w.stopChan)
	w.mu.Unlock()

	w.log.Info("Stopping worker", "grace", grace)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Worker stopped gracefully")
	case <-time.After(grace):
		w.log.Warn("Shutdown grace expired - releasing in-flight jobs", "grace", grace)
		w.releaseInflight()
		<-done
	}

	w.mu.Lock()
	if w.runCancel != nil {
		w.runCancel()
	}
	w.state = StateClosed
	w.mu.Unlock()

	return nil
}

// spawnSlotLocked starts one processor slot goroutine; callers hold w.mu
func (w *Worker) spawnSlotLocked() {
	w.slotSeq++
	w.running++
	owner := w.id

	w.wg.Add(1)
	go w.slotLoop(w.slotSeq, owner)
}

// retireSlot reports whether this slot should exit because the target
// concurrency shrank below the number of running slots
func (w *Worker) retireSlot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running > w.target {
		w.running--
		return true
	}
	return false
}

// slotLoop is the fetch-execute loop of one processor slot
func (w *Worker) slotLoop(slot int, owner string) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Processor slot recovered from panic - slot terminated",
				"slot", slot,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			w.mu.Lock()
			w.running--
			w.mu.Unlock()
		}
	}()

	w.log.Debug("Processor slot started", "slot", slot)

	consecutiveFailures := 0
	idleBackoff := w.opts.PollInterval

	for {
		select {
		case <-w.stopChan:
			w.log.Debug("Processor slot stopping", "slot", slot)
			return
		case <-w.runCtx.Done():
			return
		default:
		}

		if w.retireSlot() {
			w.log.Debug("Processor slot retired", "slot", slot)
			return
		}

		if w.State() == StatePaused {
			time.Sleep(pausedPollSleep)
			continue
		}

		j, err := w.store.FetchNext(w.runCtx, w.opts.Queue, owner, w.opts.LockTTL)
		if err != nil {
			if w.runCtx.Err() != nil {
				return
			}

			consecutiveFailures++
			backoff := time.Duration(1<<uint(consecutiveFailures)) * time.Second
			if backoff > maxErrorBackoff {
				backoff = maxErrorBackoff
			}

			if consecutiveFailures <= 3 {
				w.log.Warn("Fetch error - retrying with backoff",
					"slot", slot, "error", err,
					"consecutive_failures", consecutiveFailures, "backoff", backoff)
			} else if consecutiveFailures%10 == 0 {
				w.log.Error("Persistent fetch errors",
					"slot", slot, "error", err,
					"consecutive_failures", consecutiveFailures, "backoff", backoff)
			}

			w.sleep(backoff)
			continue
		}

		if consecutiveFailures > 0 {
			w.log.Info("Fetch recovered", "slot", slot, "after_failures", consecutiveFailures)
			consecutiveFailures = 0
		}

		if j == nil {
			w.sleep(jitter(idleBackoff))
			idleBackoff *= 2
			if idleBackoff > maxIdleBackoff {
				idleBackoff = maxIdleBackoff
			}
			continue
		}

		idleBackoff = w.opts.PollInterval
		w.runJob(j, owner)
	}
}

// runJob executes one fetched job, tracking it for forced release
func (w *Worker) runJob(j *job.Job, owner string) {
	w.active.Add(1)
	defer w.active.Add(-1)

	jobCtx, cancel := context.WithCancel(w.runCtx)
	defer cancel()

	jobCtx = context.WithValue(jobCtx, logger.CtxJobID, j.ID)
	jobCtx = context.WithValue(jobCtx, logger.CtxWorkerID, w.id)

	inf := &inflightJob{job: j, owner: owner, cancel: cancel}

	w.inflightMu.Lock()
	w.inflight[j.ID] = inf
	w.inflightMu.Unlock()
	defer func() {
		w.inflightMu.Lock()
		delete(w.inflight, j.ID)
		w.inflightMu.Unlock()
	}()

	w.executor.Execute(jobCtx, j, owner, &inf.released)
}

// releaseInflight hands back the lock of every in-flight job and
// cancels its handler context. The jobs return to the front of the
// waiting list without consuming an attempt.
func (w *Worker) releaseInflight() {
	w.inflightMu.Lock()
	jobs := make([]*inflightJob, 0, len(w.inflight))
	for _, inf := range w.inflight {
		jobs = append(jobs, inf)
	}
	w.inflightMu.Unlock()

	// Release against a fresh context; the run context may already be
	// cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, inf := range jobs {
		inf.released.Store(true)
		if err := w.store.ReleaseLock(ctx, inf.job, inf.owner); err != nil {
			w.log.Warn("Failed to release job lock", "job_id", inf.job.ID, "error", err)
		}
		inf.cancel()
	}

	if len(jobs) > 0 {
		w.log.Info("Released in-flight jobs", "count", len(jobs))
	}
}

// maintenanceLoop promotes due delayed jobs and recovers stalled ones
func (w *Worker) maintenanceLoop() {
	defer w.wg.Done()

	promoteTicker := time.NewTicker(w.opts.PromoteInterval)
	defer promoteTicker.Stop()
	stallTicker := time.NewTicker(w.opts.StalledInterval)
	defer stallTicker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-w.runCtx.Done():
			return
		case <-promoteTicker.C:
			n, err := w.store.PromoteDelayed(w.runCtx, w.opts.Queue)
			if err != nil && w.runCtx.Err() == nil {
				w.log.Warn("Delayed promotion failed", "error", err)
			} else if n > 0 {
				w.log.Debug("Promoted delayed jobs", "count", n)
			}
		case <-stallTicker.C:
			requeued, failed, err := w.store.StallScan(w.runCtx, w.opts.Queue, w.opts.MaxStalledCount)
			if err != nil {
				if w.runCtx.Err() == nil {
					w.log.Warn("Stall scan failed", "error", err)
				}
				continue
			}
			if len(requeued) > 0 {
				w.log.Warn("Requeued stalled jobs", "count", len(requeued), "job_ids", requeued)
			}
			if len(failed) > 0 {
				w.log.Error("Failed stalled jobs past recovery limit", "count", len(failed), "job_ids", failed)
			}
		}
	}
}

// sleep waits for d or until the worker stops, whichever comes first
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopChan:
	case <-w.runCtx.Done():
	case <-time.After(d):
	}
}

// jitter spreads d by up to ±20% so idle slots do not poll in lockstep
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(float64(d) * 0.2)
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
