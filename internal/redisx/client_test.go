package redisx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

func TestNewClient_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(context.Background(), Options{URL: "://nope"})
	if err == nil {
		t.Fatal("expected parse failure")
	}
	if !qerrors.IsKind(err, qerrors.KindConnection) {
		t.Errorf("expected connection error kind, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil must stay nil")
	}
	if Classify(redis.Nil) != nil {
		t.Error("redis.Nil is a miss, not an error")
	}

	err := Classify(errors.New("READONLY You can't write against a read only replica."))
	if !qerrors.IsKind(err, qerrors.KindConnection) {
		t.Errorf("READONLY must classify as transient, got %v", err)
	}

	err = Classify(errors.New("ERR wrong number of arguments"))
	if !qerrors.IsKind(err, qerrors.KindScript) {
		t.Errorf("command rejection must classify as script error, got %v", err)
	}

	wrapped := qerrors.New(qerrors.KindProcessing, "handler blew up")
	if got := Classify(wrapped); got != wrapped {
		t.Errorf("already classified errors must pass through, got %v", got)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Options{RetryBackoffMax: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_NonTransientSurfacesImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Options{}, func(ctx context.Context) error {
		calls++
		return errors.New("ERR unknown command")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-transient errors must not retry, got %d calls", calls)
	}
}

func TestRetry_AttemptCap(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Options{RetryAttempts: 2, RetryBackoffMax: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected exhausted retries to surface the error")
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
