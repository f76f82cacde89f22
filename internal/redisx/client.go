// Package redisx wraps go-redis with the connection, retry, and error
// classification policy shared by every runtime component.
package redisx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

// Options configure the Redis connection
type Options struct {
	// URL takes precedence over Host/Port when set (redis://...)
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool

	// ReconnectBackoffMax caps go-redis automatic reconnect backoff
	ReconnectBackoffMax time.Duration

	// RetryBackoffMax caps the adapter-level retry loop for transient errors
	RetryBackoffMax time.Duration
	// RetryAttempts bounds the adapter-level retry loop (0 = default 5)
	RetryAttempts int
}

// NewClient builds a Redis client from the options and verifies the
// connection with a ping.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	var ro *redis.Options

	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindConnection, "failed to parse Redis URL", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Password: opts.Password,
			DB:       opts.DB,
		}
		if opts.TLS {
			ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	if opts.ReconnectBackoffMax > 0 {
		ro.MaxRetryBackoff = opts.ReconnectBackoffMax
	}

	client := redis.NewClient(ro)

	err := Retry(ctx, opts, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, qerrors.Wrap(qerrors.KindConnection, "failed to connect to Redis", err)
	}

	logger.Default().WithComponent(logger.ComponentRedis).Info("Connected to Redis", "addr", ro.Addr)

	return client, nil
}

// Classify maps a raw Redis error to the runtime taxonomy. READONLY
// responses from a demoted replica count as transient: go-redis will
// reconnect and find the new primary.
func Classify(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}

	var qe *qerrors.Error
	if errors.As(err, &qe) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return qerrors.Wrap(qerrors.KindConnection, "redis unreachable", err)
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "READONLY"),
		strings.HasPrefix(msg, "LOADING"),
		strings.HasPrefix(msg, "CLUSTERDOWN"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "connection pool timeout"),
		strings.Contains(msg, "closed"):
		return qerrors.Wrap(qerrors.KindConnection, "redis unavailable", err)
	}

	// Anything else out of a script or command is a caller bug
	return qerrors.Wrap(qerrors.KindScript, "redis command rejected", err)
}

// Retry runs fn, retrying transient errors with jittered exponential
// backoff until the attempt cap or the context deadline. Non-transient
// errors surface immediately.
func Retry(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	maxBackoff := opts.RetryBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var err error
	backoff := time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	for i := 0; i < attempts; i++ {
		err = Classify(fn(ctx))
		if err == nil || !qerrors.Retryable(err) {
			return err
		}

		// Jittered: sleep between 50% and 100% of the current backoff
		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return qerrors.Wrap(qerrors.KindConnection, "retry cancelled", ctx.Err())
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return err
}
