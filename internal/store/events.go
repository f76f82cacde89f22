package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventKind names a job lifecycle event on the queue event channel
type EventKind string

const (
	EventActive    EventKind = "active"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventProgress  EventKind = "progress"
	EventStalled   EventKind = "stalled"
)

// Event is the envelope published on the per-queue pub/sub channel
type Event struct {
	Event     EventKind       `json:"event"`
	JobID     string          `json:"jobId"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// publishEvent emits a lifecycle event. Event delivery is best-effort:
// a failed publish never fails the state transition it follows.
func (s *Store) publishEvent(ctx context.Context, k Keys, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("Failed to marshal event", "event", ev.Event, "job_id", ev.JobID, "error", err)
		return
	}

	if err := s.client.Publish(ctx, k.Events(), payload).Err(); err != nil {
		s.log.Warn("Failed to publish event", "event", ev.Event, "job_id", ev.JobID, "error", err)
	}
}

// SubscribeEvents subscribes to the lifecycle event channel of a queue.
// The caller owns the subscription and must Close it.
func (s *Store) SubscribeEvents(ctx context.Context, queue string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.Keys(queue).Events())
}

// ParseEvent decodes an event envelope off the wire
func ParseEvent(payload string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
