package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

// releaseLockScript deletes the lock only when the caller still owns it
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendLockScript refreshes the TTL only when the caller still owns it
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LeaderLock elects at most one scheduler ticker per queue across
// replicas. The holder must extend it before the TTL lapses or another
// candidate takes over.
type LeaderLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLeader attempts to take the leader lock. Returns nil without
// error when another instance already holds it.
func AcquireLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*LeaderLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConnection, "failed to acquire leader lock", err)
	}
	if !acquired {
		return nil, nil
	}

	return &LeaderLock{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
	}, nil
}

// Extend refreshes the lock TTL. A leader-lost error means another
// instance owns the lock now and the caller must stop ticking.
func (l *LeaderLock) Extend(ctx context.Context) error {
	res, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return qerrors.Wrap(qerrors.KindConnection, "failed to extend leader lock", err)
	}
	if res == 0 {
		return qerrors.New(qerrors.KindLeaderLost, "leader lock no longer owned by this instance")
	}
	return nil
}

// Release gives the lock up if still owned. Safe to call after losing it.
func (l *LeaderLock) Release(ctx context.Context) error {
	_, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return qerrors.Wrap(qerrors.KindConnection, "failed to release leader lock", err)
	}
	return nil
}

// Token returns the fencing token of this lock instance
func (l *LeaderLock) Token() string { return l.token }
