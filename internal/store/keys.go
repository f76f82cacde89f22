package store

import "strings"

// Keys computes the Redis key layout for one queue. All keys live under
// {prefix}:{queue}: so a whole queue can be inspected or wiped by pattern.
type Keys struct {
	prefix string
	queue  string
	base   string
}

// NewKeys precomputes the static keys for a queue
func NewKeys(prefix, queue string) Keys {
	var b strings.Builder
	b.Grow(len(prefix) + len(queue) + 2)
	b.WriteString(prefix)
	b.WriteString(":")
	b.WriteString(queue)
	b.WriteString(":")
	return Keys{prefix: prefix, queue: queue, base: b.String()}
}

// Queue returns the queue name these keys belong to
func (k Keys) Queue() string { return k.queue }

// Base returns the shared key prefix including the trailing colon
func (k Keys) Base() string { return k.base }

// Meta is the queue meta hash (paused flag, enqueue sequence counter)
func (k Keys) Meta() string { return k.base + "meta" }

// Waiting is the ready set, scored by (priority, seq)
func (k Keys) Waiting() string { return k.base + "waiting" }

// Delayed is the delayed set, scored by fire time
func (k Keys) Delayed() string { return k.base + "delayed" }

// Active is the in-flight set, scored by lock expiry for stall scans
func (k Keys) Active() string { return k.base + "active" }

// Completed is the finished set, scored by finish time
func (k Keys) Completed() string { return k.base + "completed" }

// Failed is the terminal-failure set, scored by finish time
func (k Keys) Failed() string { return k.base + "failed" }

// JobPrefix is the common prefix of per-job hashes
func (k Keys) JobPrefix() string { return k.base + "job:" }

// Job is the hash holding one job record
func (k Keys) Job(id string) string { return k.JobPrefix() + id }

// Scheduler is the hash holding one scheduler record
func (k Keys) Scheduler(id string) string { return k.base + "sched:" + id }

// Schedulers is the index set of scheduler ids, scored by next run
func (k Keys) Schedulers() string { return k.base + "schedulers" }

// FlowChildren is the set of direct child ids of a flow parent
func (k Keys) FlowChildren(id string) string { return k.base + "flow:" + id + ":children" }

// FlowPending is the counter of children a flow parent still waits on
func (k Keys) FlowPending(id string) string { return k.base + "flow:" + id + ":pending" }

// Events is the pub/sub channel for lifecycle events
func (k Keys) Events() string { return k.base + "events" }

// LeaderLock is the scheduler leader election lock
func (k Keys) LeaderLock() string { return k.base + "leader" }
