// Package store holds the canonical job records in Redis and implements
// every state transition as an atomic server-side script.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/redisx"
)

// DefaultPrefix is the key namespace used when none is configured
const DefaultPrefix = "letletme"

// Store executes atomic job state transitions against Redis
type Store struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

// New creates a job store over an established Redis client
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		log:    logger.Default().WithComponent(logger.ComponentStore),
	}
}

// Client exposes the underlying Redis client for cooperating services
// (scheduler lock, monitor polling).
func (s *Store) Client() *redis.Client { return s.client }

// Keys returns the key layout for a queue
func (s *Store) Keys(queue string) Keys { return NewKeys(s.prefix, queue) }

func nowMS() int64 { return time.Now().UnixMilli() }

// hashArgs flattens a job hash into alternating field/value script args
func hashArgs(h map[string]interface{}) []interface{} {
	fields := make([]string, 0, len(h))
	for f := range h {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	args := make([]interface{}, 0, len(h)*2)
	for _, f := range fields {
		args = append(args, f, fmt.Sprint(h[f]))
	}
	return args
}

// enqueueArgs builds the script keys and arguments for one enqueue
func (s *Store) enqueueArgs(j *job.Job, now int64) (keys []string, args []interface{}) {
	k := s.Keys(j.Queue)

	target := string(job.StateWaiting)
	if j.State == job.StateWaitingChildren {
		target = string(job.StateWaitingChildren)
	}

	hash := j.ToHash()
	delete(hash, "seq")
	delete(hash, "state")

	args = []interface{}{
		j.ID, now, j.Opts.Delay.Milliseconds(), j.Opts.Priority,
		boolArg(j.Opts.LIFO), target,
	}
	args = append(args, hashArgs(hash)...)

	return []string{k.Job(j.ID), k.Meta(), k.Waiting(), k.Delayed()}, args
}

// applyEnqueueResult maps the script reply onto the job record
func applyEnqueueResult(j *job.Job, res []interface{}) bool {
	created := res[0].(int64) == 1
	if seq, ok := res[1].(int64); ok {
		j.Seq = seq
	}

	if created {
		switch {
		case j.State == job.StateWaitingChildren:
		case j.Opts.Delay > 0:
			j.State = job.StateDelayed
		default:
			j.State = job.StateWaiting
		}
	}

	return created
}

// Enqueue writes a job record and places it in waiting or delayed.
// Returns false when a job with the same id already exists (idempotent
// enqueue: the existing record is left unchanged).
func (s *Store) Enqueue(ctx context.Context, j *job.Job) (bool, error) {
	keys, args := s.enqueueArgs(j, nowMS())

	res, err := enqueueScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return false, redisx.Classify(err)
	}

	return applyEnqueueResult(j, res), nil
}

// EnqueueBulk writes a batch of job records through one MULTI/EXEC
// pipeline, so the whole batch lands in a single round trip and either
// commits together or not at all. Per-job idempotency is preserved; the
// returned slice reports which records were created.
func (s *Store) EnqueueBulk(ctx context.Context, jobs []*job.Job) ([]bool, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	now := nowMS()
	pipe := s.client.TxPipeline()
	cmds := make([]*redis.Cmd, len(jobs))
	for i, j := range jobs {
		keys, args := s.enqueueArgs(j, now)
		// Eval rather than Run: EVALSHA inside a queued pipeline cannot
		// fall back on NOSCRIPT
		cmds[i] = enqueueScript.Eval(ctx, pipe, keys, args...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisx.Classify(err)
	}

	created := make([]bool, len(jobs))
	for i, cmd := range cmds {
		res, err := cmd.Slice()
		if err != nil {
			return nil, redisx.Classify(err)
		}
		created[i] = applyEnqueueResult(jobs[i], res)
	}

	return created, nil
}

// GetJob loads a job record. Returns nil when the record does not exist.
func (s *Store) GetJob(ctx context.Context, queue, id string) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.Keys(queue).Job(id)).Result()
	if err != nil {
		return nil, redisx.Classify(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return job.FromHash(fields)
}

// PromoteDelayed moves every delayed job whose fire time has passed into
// the waiting set. Returns the number of promoted jobs.
func (s *Store) PromoteDelayed(ctx context.Context, queue string) (int64, error) {
	k := s.Keys(queue)
	n, err := promoteScript.Run(ctx, s.client,
		[]string{k.Delayed(), k.Waiting()}, nowMS(), k.JobPrefix()).Int64()
	if err != nil {
		return 0, redisx.Classify(err)
	}
	return n, nil
}

// FetchNext atomically moves the head of the waiting set to active under
// a lock owned by workerID. Returns nil when the queue is empty or paused.
func (s *Store) FetchNext(ctx context.Context, queue, workerID string, lockTTL time.Duration) (*job.Job, error) {
	k := s.Keys(queue)

	id, err := fetchScript.Run(ctx, s.client,
		[]string{k.Meta(), k.Waiting(), k.Active()},
		nowMS(), lockTTL.Milliseconds(), workerID, k.JobPrefix()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, redisx.Classify(err)
	}

	j, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, nil
	}

	s.publishEvent(ctx, k, Event{Event: EventActive, JobID: j.ID, Name: j.Name})

	return j, nil
}

// Complete finishes a job held by workerID, records its return value, and
// promotes a flow parent whose last child just finished.
func (s *Store) Complete(ctx context.Context, j *job.Job, workerID string, returnValue []byte) error {
	k := s.Keys(j.Queue)
	now := nowMS()

	keys := []string{k.Job(j.ID), k.Active(), k.Completed()}
	hasParent := "0"
	if p := j.Opts.Parent; p != nil {
		pk := s.Keys(p.Queue)
		keys = append(keys, pk.Job(p.ID), pk.FlowPending(p.ID), pk.Waiting(), pk.Delayed())
		hasParent = "1"
	} else {
		// Placeholder keys, never touched when has_parent is 0
		keys = append(keys, k.Job(j.ID), k.Job(j.ID), k.Waiting(), k.Delayed())
	}

	res, err := completeScript.Run(ctx, s.client, keys,
		j.ID, workerID, now, string(returnValue),
		boolArg(j.Opts.RemoveOnComplete), hasParent).Int64()
	if err != nil {
		return redisx.Classify(err)
	}
	if res == -1 {
		return qerrors.Newf(qerrors.KindProcessing, "lock on job %s no longer owned", j.ID).WithJob(j.Queue, j.ID)
	}

	j.State = job.StateCompleted
	j.ReturnValue = returnValue
	j.FinishedOn = time.UnixMilli(now)

	s.publishEvent(ctx, k, Event{Event: EventCompleted, JobID: j.ID, Name: j.Name, Data: returnValue})

	return nil
}

// Fail records a failed attempt for a job held by workerID. When attempts
// remain the job is re-inserted into delayed at now+backoff; otherwise it
// fails terminally and the failure propagates to its flow parent.
// Returns true when a retry was scheduled.
func (s *Store) Fail(ctx context.Context, j *job.Job, workerID, errMsg string) (bool, error) {
	k := s.Keys(j.Queue)
	now := time.Now()

	attempt := j.AttemptsMade + 1
	willRetry := attempt < j.Opts.Attempts
	retryAt := now.Add(job.NextBackoff(j.Opts.Backoff, attempt))

	res, err := failScript.Run(ctx, s.client,
		[]string{k.Job(j.ID), k.Active(), k.Failed(), k.Delayed()},
		j.ID, workerID, now.UnixMilli(), errMsg,
		boolArg(willRetry), retryAt.UnixMilli(), boolArg(j.Opts.RemoveOnFail)).Int64()
	if err != nil {
		return false, redisx.Classify(err)
	}
	if res == -1 {
		return false, qerrors.Newf(qerrors.KindProcessing, "lock on job %s no longer owned", j.ID).WithJob(j.Queue, j.ID)
	}

	j.AttemptsMade = attempt
	j.LastError = errMsg

	if res == 1 {
		j.State = job.StateDelayed
		return true, nil
	}

	j.State = job.StateFailed
	j.FinishedOn = now

	s.publishEvent(ctx, k, Event{Event: EventFailed, JobID: j.ID, Name: j.Name})

	if j.Opts.Parent != nil {
		if err := s.propagateChildFailure(ctx, j.Opts.Parent, j.ID); err != nil {
			s.log.Error("Failed to propagate child failure",
				"job_id", j.ID, "parent_id", j.Opts.Parent.ID, "error", err)
		}
	}

	return false, nil
}

// propagateChildFailure fails a flow parent after a terminal child failure
// and aborts siblings still waiting or delayed.
func (s *Store) propagateChildFailure(ctx context.Context, parent *job.ParentRef, childID string) error {
	pk := s.Keys(parent.Queue)
	now := nowMS()

	failed, err := parentFailScript.Run(ctx, s.client,
		[]string{pk.Job(parent.ID), pk.Failed()},
		parent.ID, now, "child-failed:"+childID).Int64()
	if err != nil {
		return redisx.Classify(err)
	}
	if failed == 0 {
		// Parent already released or failed, nothing to tear down
		return nil
	}

	pj, err := s.GetJob(ctx, parent.Queue, parent.ID)
	if err == nil && pj != nil {
		s.publishEvent(ctx, pk, Event{Event: EventFailed, JobID: pj.ID, Name: pj.Name})
	}

	siblings, err := s.FlowChildren(ctx, parent.Queue, parent.ID)
	if err != nil {
		return err
	}

	for _, sib := range siblings {
		if sib.ID == childID {
			continue
		}
		sk := s.Keys(sib.Queue)
		aborted, err := abortScript.Run(ctx, s.client,
			[]string{sk.Job(sib.ID), sk.Waiting(), sk.Delayed(), sk.Failed()},
			sib.ID, now, "sibling-aborted").Int64()
		if err != nil {
			s.log.Error("Failed to abort sibling", "job_id", sib.ID, "error", err)
			continue
		}
		if aborted == 1 {
			s.publishEvent(ctx, sk, Event{Event: EventFailed, JobID: sib.ID})
		}
	}

	// Parents can themselves be children of a grandparent
	pjob, err := s.GetJob(ctx, parent.Queue, parent.ID)
	if err == nil && pjob != nil && pjob.Opts.Parent != nil {
		return s.propagateChildFailure(ctx, pjob.Opts.Parent, parent.ID)
	}

	return nil
}

// ExtendLock refreshes the worker's lock on an active job. Returns false
// when the lock is no longer owned.
func (s *Store) ExtendLock(ctx context.Context, j *job.Job, workerID string, lockTTL time.Duration) (bool, error) {
	k := s.Keys(j.Queue)
	expires := nowMS() + lockTTL.Milliseconds()

	ok, err := extendLockScript.Run(ctx, s.client,
		[]string{k.Job(j.ID), k.Active()}, j.ID, workerID, expires).Int64()
	if err != nil {
		return false, redisx.Classify(err)
	}
	return ok == 1, nil
}

// ReleaseLock expires the worker's lock immediately. The stall scanner
// will requeue the job on its next pass.
func (s *Store) ReleaseLock(ctx context.Context, j *job.Job, workerID string) error {
	k := s.Keys(j.Queue)
	_, err := releaseLockScript.Run(ctx, s.client,
		[]string{k.Job(j.ID), k.Active()}, j.ID, workerID).Int64()
	if err != nil {
		return redisx.Classify(err)
	}
	return nil
}

// StallScan requeues every active job whose lock expired, failing jobs
// that exceeded maxStalled. Returns the requeued and failed job ids.
func (s *Store) StallScan(ctx context.Context, queue string, maxStalled int) (requeued, failed []string, err error) {
	k := s.Keys(queue)

	res, err := stallScript.Run(ctx, s.client,
		[]string{k.Active(), k.Waiting(), k.Failed()},
		nowMS(), maxStalled, k.JobPrefix()).Slice()
	if err != nil {
		return nil, nil, redisx.Classify(err)
	}

	requeued = toStrings(res[0])
	failed = toStrings(res[1])

	for _, id := range requeued {
		s.publishEvent(ctx, k, Event{Event: EventStalled, JobID: id})
	}
	for _, id := range failed {
		s.publishEvent(ctx, k, Event{Event: EventFailed, JobID: id})
		// Terminal stall failures propagate like any terminal failure
		if j, jerr := s.GetJob(ctx, queue, id); jerr == nil && j != nil && j.Opts.Parent != nil {
			if perr := s.propagateChildFailure(ctx, j.Opts.Parent, id); perr != nil {
				s.log.Error("Failed to propagate stalled child failure", "job_id", id, "error", perr)
			}
		}
	}

	return requeued, failed, nil
}

// Remove deletes a job from whichever non-active set it resides in.
// Absent jobs are a no-op. Active jobs are refused unless forced.
func (s *Store) Remove(ctx context.Context, queue, id string, force bool) (bool, error) {
	k := s.Keys(queue)

	res, err := removeScript.Run(ctx, s.client,
		[]string{k.Job(id), k.Waiting(), k.Delayed(), k.Active(), k.Completed(), k.Failed()},
		id, boolArg(force)).Int64()
	if err != nil {
		return false, redisx.Classify(err)
	}
	if res == -1 {
		return false, qerrors.Newf(qerrors.KindAddJob, "job %s is active and cannot be removed", id).WithJob(queue, id)
	}
	return res == 1, nil
}

// Drain removes every waiting and delayed job, optionally including
// active ones. Returns the number of removed jobs.
func (s *Store) Drain(ctx context.Context, queue string, includeActive bool) (int64, error) {
	k := s.Keys(queue)

	n, err := drainScript.Run(ctx, s.client,
		[]string{k.Waiting(), k.Delayed(), k.Active()},
		boolArg(includeActive), k.JobPrefix()).Int64()
	if err != nil {
		return 0, redisx.Classify(err)
	}
	return n, nil
}

// Clean removes up to limit jobs in the given state older than grace.
// Returns the removed job ids.
func (s *Store) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state job.State) ([]string, error) {
	k := s.Keys(queue)

	var setKey, timeField string
	switch state {
	case job.StateCompleted:
		setKey, timeField = k.Completed(), "finished_on_ms"
	case job.StateFailed:
		setKey, timeField = k.Failed(), "finished_on_ms"
	case job.StateWaiting:
		setKey, timeField = k.Waiting(), "timestamp_ms"
	case job.StateDelayed:
		setKey, timeField = k.Delayed(), "timestamp_ms"
	default:
		return nil, qerrors.Newf(qerrors.KindInvalidJobData, "cannot clean state %q", state)
	}

	if limit <= 0 {
		limit = int(^uint(0) >> 1) // no limit
	}

	res, err := cleanScript.Run(ctx, s.client, []string{setKey},
		nowMS()-grace.Milliseconds(), limit, k.JobPrefix(), timeField).StringSlice()
	if err != nil {
		return nil, redisx.Classify(err)
	}
	return res, nil
}

// Obliterate wipes every key belonging to the queue. Refused while jobs
// are active unless forced.
func (s *Store) Obliterate(ctx context.Context, queue string, force bool) error {
	k := s.Keys(queue)

	ok, err := obliterateGuardScript.Run(ctx, s.client,
		[]string{k.Active()}, boolArg(force)).Int64()
	if err != nil {
		return redisx.Classify(err)
	}
	if ok == 0 {
		return qerrors.Newf(qerrors.KindAddJob, "queue %s has active jobs; use force to obliterate", queue)
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, k.Base()+"*", 256).Result()
		if err != nil {
			return redisx.Classify(err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return redisx.Classify(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Pause sets the queue-level paused flag consulted by FetchNext
func (s *Store) Pause(ctx context.Context, queue string) error {
	err := s.client.HSet(ctx, s.Keys(queue).Meta(), "paused", "1").Err()
	return redisx.Classify(err)
}

// Resume clears the queue-level paused flag
func (s *Store) Resume(ctx context.Context, queue string) error {
	err := s.client.HSet(ctx, s.Keys(queue).Meta(), "paused", "0").Err()
	return redisx.Classify(err)
}

// IsPaused reports whether the queue is paused
func (s *Store) IsPaused(ctx context.Context, queue string) (bool, error) {
	v, err := s.client.HGet(ctx, s.Keys(queue).Meta(), "paused").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, redisx.Classify(err)
	}
	return v == "1", nil
}

// Counts is a snapshot of per-state set sizes for a queue
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Counts returns the current per-state set sizes in one round trip
func (s *Store) Counts(ctx context.Context, queue string) (Counts, error) {
	k := s.Keys(queue)

	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.Waiting())
	delayed := pipe.ZCard(ctx, k.Delayed())
	active := pipe.ZCard(ctx, k.Active())
	completed := pipe.ZCard(ctx, k.Completed())
	failed := pipe.ZCard(ctx, k.Failed())
	paused := pipe.HGet(ctx, k.Meta(), "paused")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, redisx.Classify(err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() == "1",
	}, nil
}

// InitFlowParent records the dependency bookkeeping for a flow parent:
// the explicit children set and the pending counter. Members are stored
// queue-qualified so siblings in other queues can be located during
// failure propagation.
func (s *Store) InitFlowParent(ctx context.Context, queue, parentID string, children []job.ParentRef) error {
	k := s.Keys(queue)

	members := make([]interface{}, len(children))
	for i, c := range children {
		members[i] = c.Queue + "/" + c.ID
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, k.FlowChildren(parentID), members...)
	pipe.Set(ctx, k.FlowPending(parentID), len(children), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return redisx.Classify(err)
	}
	return nil
}

// FlowChildren returns the recorded direct children of a flow parent
func (s *Store) FlowChildren(ctx context.Context, queue, parentID string) ([]job.ParentRef, error) {
	members, err := s.client.SMembers(ctx, s.Keys(queue).FlowChildren(parentID)).Result()
	if err != nil {
		return nil, redisx.Classify(err)
	}

	refs := make([]job.ParentRef, 0, len(members))
	for _, m := range members {
		q, id, ok := strings.Cut(m, "/")
		if !ok {
			continue
		}
		refs = append(refs, job.ParentRef{ID: id, Queue: q})
	}
	return refs, nil
}

// PendingChildren returns how many children a flow parent still waits on
func (s *Store) PendingChildren(ctx context.Context, queue, parentID string) (int64, error) {
	n, err := s.client.Get(ctx, s.Keys(queue).FlowPending(parentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, redisx.Classify(err)
	}
	return n, nil
}

// ListQueues discovers queue names under the store prefix by scanning
// for meta hashes.
func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*:meta", 256).Result()
		if err != nil {
			return nil, redisx.Classify(err)
		}
		for _, key := range keys {
			trimmed := strings.TrimPrefix(key, s.prefix+":")
			name := strings.TrimSuffix(trimmed, ":meta")
			if name != trimmed {
				names = append(names, name)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
