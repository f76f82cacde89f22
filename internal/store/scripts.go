package store

import "github.com/redis/go-redis/v9"

// Every multi-step state transition runs as a single server-side script so
// concurrent workers never observe a job in two sets at once. Scripts are
// loaded once and invoked by hash; go-redis falls back to EVAL on NOSCRIPT.
// The current time is always passed in as an argument so transitions stay
// deterministic and testable.

// waitingScore = priority * 2^32 + seq, negated seq for LIFO. Shared by
// every script that inserts into the waiting set.
const scoreFn = `
local function waiting_score(jk)
	local pr = tonumber(redis.call('HGET', jk, 'priority') or '0')
	local seq = tonumber(redis.call('HGET', jk, 'seq') or '0')
	local score = pr * 4294967296
	if redis.call('HGET', jk, 'lifo') == '1' then
		return score - seq
	end
	return score + seq
end
`

// enqueueScript writes a job record and places it into waiting, delayed, or
// no runnable set (waiting-children). Idempotent: an existing id is left
// untouched.
//
// KEYS: job, meta, waiting, delayed
// ARGV: id, now_ms, delay_ms, priority, lifo, target_state, field/value...
// Returns {created, seq}.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {0, tonumber(redis.call('HGET', KEYS[1], 'seq') or '0')}
end
local seq = redis.call('HINCRBY', KEYS[2], 'seq', 1)
for i = 7, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('HSET', KEYS[1], 'seq', seq)
local delay = tonumber(ARGV[3])
if ARGV[6] == 'waiting-children' then
	redis.call('HSET', KEYS[1], 'state', 'waiting-children')
elseif delay > 0 then
	redis.call('HSET', KEYS[1], 'state', 'delayed')
	redis.call('ZADD', KEYS[4], tonumber(ARGV[2]) + delay, ARGV[1])
else
	redis.call('HSET', KEYS[1], 'state', 'waiting')
	local score = tonumber(ARGV[4]) * 4294967296
	if ARGV[5] == '1' then score = score - seq else score = score + seq end
	redis.call('ZADD', KEYS[3], score, ARGV[1])
end
return {1, seq}
`)

// promoteScript moves every delayed job whose fire time has passed into
// the waiting set.
//
// KEYS: delayed, waiting
// ARGV: now_ms, job_key_prefix
// Returns the number of promoted jobs.
var promoteScript = redis.NewScript(scoreFn + `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local jk = ARGV[2] .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('EXISTS', jk) == 1 then
		redis.call('HSET', jk, 'state', 'waiting')
		redis.call('ZADD', KEYS[2], waiting_score(jk), id)
	end
end
return #due
`)

// fetchScript pops the head of the waiting set and locks it for a worker.
// Returns the job id, or nil when the queue is paused or empty.
//
// KEYS: meta, waiting, active
// ARGV: now_ms, lock_ttl_ms, worker_id, job_key_prefix
var fetchScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'paused') == '1' then return false end
local ids = redis.call('ZRANGE', KEYS[2], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[2], id)
local jk = ARGV[4] .. id
local expires = tonumber(ARGV[1]) + tonumber(ARGV[2])
redis.call('HSET', jk, 'state', 'active', 'processed_on_ms', ARGV[1],
	'lock_owner', ARGV[3], 'lock_expires_ms', expires)
redis.call('ZADD', KEYS[3], expires, id)
return id
`)

// completeScript finishes a job and, when it is a flow child, decrements
// its parent's pending counter, promoting the parent at zero.
//
// KEYS: job, active, completed, parent_job, parent_pending, parent_waiting, parent_delayed
// ARGV: id, worker_id, now_ms, return_value, remove_on_complete, has_parent
// Returns -1 on lock mismatch, 1 when the parent was promoted, else 0.
var completeScript = redis.NewScript(scoreFn + `
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[2] then return -1 end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[5] == '1' then
	redis.call('DEL', KEYS[1])
else
	redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_on_ms', ARGV[3],
		'return_value', ARGV[4], 'lock_owner', '', 'lock_expires_ms', '0')
	redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
end
if ARGV[6] ~= '1' then return 0 end
local pending = redis.call('DECR', KEYS[5])
if pending > 0 then return 0 end
if redis.call('HGET', KEYS[4], 'state') ~= 'waiting-children' then return 0 end
local pid = redis.call('HGET', KEYS[4], 'id')
local delay = tonumber(redis.call('HGET', KEYS[4], 'delay_ms') or '0')
if delay > 0 then
	redis.call('HSET', KEYS[4], 'state', 'delayed')
	redis.call('ZADD', KEYS[7], tonumber(ARGV[3]) + delay, pid)
else
	redis.call('HSET', KEYS[4], 'state', 'waiting')
	redis.call('ZADD', KEYS[6], waiting_score(KEYS[4]), pid)
end
return 1
`)

// failScript records a failed attempt. The caller decides retry vs
// terminal (it owns the lock, so attempts cannot race) and supplies the
// backoff fire time.
//
// KEYS: job, active, failed, delayed
// ARGV: id, worker_id, now_ms, err_msg, will_retry, retry_at_ms, remove_on_fail
// Returns -1 on lock mismatch, 1 when a retry was scheduled, 0 terminal.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[2] then return -1 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1], 'last_error', ARGV[4], 'lock_owner', '', 'lock_expires_ms', '0')
if ARGV[5] == '1' then
	redis.call('HSET', KEYS[1], 'state', 'delayed')
	redis.call('ZADD', KEYS[4], tonumber(ARGV[6]), ARGV[1])
	return 1
end
if ARGV[7] == '1' then
	redis.call('DEL', KEYS[1])
else
	redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_on_ms', ARGV[3])
	redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
end
return 0
`)

// extendLockScript refreshes a worker's lock on an active job.
//
// KEYS: job, active
// ARGV: id, worker_id, expires_ms
// Returns 1 when extended, 0 when the lock is no longer owned.
var extendLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'lock_expires_ms', ARGV[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// releaseLockScript expires a worker's lock immediately so the stall
// scanner requeues the job.
//
// KEYS: job, active
// ARGV: id, worker_id
var releaseLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'lock_owner', '', 'lock_expires_ms', '0')
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

// stallScript requeues every active job whose lock expired. Jobs over the
// stall budget fail terminally with reason "stalled".
//
// KEYS: active, waiting, failed
// ARGV: now_ms, max_stalled, job_key_prefix
// Returns {requeued_ids, failed_ids}.
var stallScript = redis.NewScript(scoreFn + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = {}
local failed = {}
for _, id in ipairs(expired) do
	local jk = ARGV[3] .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('EXISTS', jk) == 1 then
		local count = redis.call('HINCRBY', jk, 'stalled_count', 1)
		redis.call('HSET', jk, 'lock_owner', '', 'lock_expires_ms', '0')
		if count > tonumber(ARGV[2]) then
			redis.call('HSET', jk, 'state', 'failed', 'last_error', 'stalled',
				'finished_on_ms', ARGV[1])
			redis.call('ZADD', KEYS[3], tonumber(ARGV[1]), id)
			failed[#failed+1] = id
		else
			redis.call('HSET', jk, 'state', 'waiting')
			redis.call('ZADD', KEYS[2], waiting_score(jk), id)
			requeued[#requeued+1] = id
		end
	end
end
return {requeued, failed}
`)

// parentFailScript fails a flow parent still gated on children. Used when
// a child fails terminally.
//
// KEYS: parent_job, parent_failed
// ARGV: parent_id, now_ms, reason
var parentFailScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'waiting-children' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3], 'finished_on_ms', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// abortScript fails a job that is still waiting or delayed. Active
// siblings run to completion; everything else is torn down here.
//
// KEYS: job, waiting, delayed, failed
// ARGV: id, now_ms, reason
var abortScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'waiting' and state ~= 'delayed' then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3], 'finished_on_ms', ARGV[2])
redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// removeScript deletes a job from whichever set it sits in. Active jobs
// are refused unless forced.
//
// KEYS: job, waiting, delayed, active, completed, failed
// ARGV: id, force
// Returns 1 removed, 0 absent, -1 active and not forced.
var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
	if ARGV[2] ~= '1' then return -1 end
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// drainScript deletes every waiting and delayed job, optionally including
// active ones.
//
// KEYS: waiting, delayed, active
// ARGV: include_active, job_key_prefix
// Returns the number of removed jobs.
var drainScript = redis.NewScript(`
local function wipe(key)
	local ids = redis.call('ZRANGE', key, 0, -1)
	for _, id in ipairs(ids) do
		redis.call('DEL', ARGV[2] .. id)
	end
	redis.call('DEL', key)
	return #ids
end
local n = wipe(KEYS[1]) + wipe(KEYS[2])
if ARGV[1] == '1' then
	n = n + wipe(KEYS[3])
end
return n
`)

// cleanScript removes up to limit jobs from a state set whose reference
// time field is older than the cutoff.
//
// KEYS: state_set
// ARGV: cutoff_ms, limit, job_key_prefix, time_field
// Returns the removed ids.
var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = {}
local limit = tonumber(ARGV[2])
for _, id in ipairs(ids) do
	if #removed >= limit then break end
	local jk = ARGV[3] .. id
	local ref = redis.call('HGET', jk, ARGV[4])
	if not ref or ref == '' or tonumber(ref) <= tonumber(ARGV[1]) then
		redis.call('ZREM', KEYS[1], id)
		redis.call('DEL', jk)
		removed[#removed+1] = id
	end
end
return removed
`)

// obliterateGuardScript refuses to wipe a queue that still has active
// jobs, unless forced. The wipe itself runs client-side over SCAN.
//
// KEYS: active
// ARGV: force
var obliterateGuardScript = redis.NewScript(`
if ARGV[1] ~= '1' and redis.call('ZCARD', KEYS[1]) > 0 then return 0 end
return 1
`)
