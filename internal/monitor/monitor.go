// Package monitor observes one queue through its event channel and
// periodic counter polls. It never influences scheduling.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultHistorySize  = 60
	defaultEventBuffer  = 256
)

// Options configure a monitor
type Options struct {
	// PollInterval is how often job counts are sampled (default 5s)
	PollInterval time.Duration
	// HistorySize is the number of samples in the throughput window
	// (default 60)
	HistorySize int
	// EventBuffer sizes the forwarded event channel; events are dropped
	// when the consumer falls behind
	EventBuffer int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return opts
}

// QueueMetrics is one aggregate snapshot of a queue
type QueueMetrics struct {
	Queue     string    `json:"queue"`
	Active    int64     `json:"active"`
	Waiting   int64     `json:"waiting"`
	Delayed   int64     `json:"delayed"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Paused    bool      `json:"paused"`
	// Throughput is completions per second over the rolling sample window
	Throughput float64   `json:"throughput"`
	SampledAt  time.Time `json:"sampled_at"`
}

// sample is one point in the throughput window
type sample struct {
	completed int64
	takenAt   time.Time
}

// Monitor polls job counts and relays lifecycle events for one queue
type Monitor struct {
	store *store.Store
	queue string
	opts  Options
	log   logger.Logger

	mu       sync.RWMutex
	latest   QueueMetrics
	history  []sample
	events   chan store.Event
	dropped  int64

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor for one queue
func New(st *store.Store, queue string, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		store: st,
		queue: queue,
		opts:  opts,
		log: logger.Default().WithComponent(logger.ComponentMonitor).WithFields(map[string]interface{}{
			"queue": queue,
		}),
		history:  make([]sample, 0, opts.HistorySize),
		events:   make(chan store.Event, opts.EventBuffer),
		stopChan: make(chan struct{}),
	}
}

// Start launches the poll and event loops
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.pollLoop(ctx)
	go m.eventLoop(ctx)
	m.log.Info("Monitor started", "poll_interval", m.opts.PollInterval, "history_size", m.opts.HistorySize)
}

// Stop halts the monitor and closes the event channel
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	close(m.events)
}

// Events returns the forwarded lifecycle event stream. The channel
// closes on Stop.
func (m *Monitor) Events() <-chan store.Event {
	return m.events
}

// Snapshot returns the latest aggregate metrics
func (m *Monitor) Snapshot() QueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// DroppedEvents returns how many events were discarded because the
// consumer fell behind
func (m *Monitor) DroppedEvents() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// pollLoop samples job counts on the configured interval
func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	// Take an immediate first sample so Snapshot has data right away
	m.poll(ctx)

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	counts, err := m.store.Counts(ctx, m.queue)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("Failed to poll job counts", "error", err)
		}
		return
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, sample{completed: counts.Completed, takenAt: now})
	if len(m.history) > m.opts.HistorySize {
		m.history = m.history[1:]
	}

	m.latest = QueueMetrics{
		Queue:      m.queue,
		Active:     counts.Active,
		Waiting:    counts.Waiting,
		Delayed:    counts.Delayed,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Paused:     counts.Paused,
		Throughput: m.throughputLocked(),
		SampledAt:  now,
	}
}

// throughputLocked derives completions per second across the window;
// callers hold m.mu
func (m *Monitor) throughputLocked() float64 {
	if len(m.history) < 2 {
		return 0
	}

	first := m.history[0]
	last := m.history[len(m.history)-1]

	elapsed := last.takenAt.Sub(first.takenAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	delta := last.completed - first.completed
	if delta < 0 {
		// Completed set shrank (clean/obliterate); restart the window
		m.history = m.history[len(m.history)-1:]
		return 0
	}

	return float64(delta) / elapsed
}

// eventLoop subscribes to the queue event channel and forwards parsed
// events to consumers
func (m *Monitor) eventLoop(ctx context.Context) {
	defer m.wg.Done()

	sub := m.store.SubscribeEvents(ctx, m.queue)
	defer func() {
		_ = sub.Close()
	}()

	ch := sub.Channel()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := store.ParseEvent(msg.Payload)
			if err != nil {
				m.log.Warn("Malformed queue event", "error", err)
				continue
			}

			select {
			case m.events <- ev:
			default:
				m.mu.Lock()
				m.dropped++
				m.mu.Unlock()
			}
		}
	}
}
