// Package scheduler persists recurring job templates and materializes
// them into the queue at their fire times. A leader lock keeps at most
// one ticking instance per queue across replicas.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/queue"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

const (
	defaultTickInterval = time.Second
	defaultLeaderTTL    = 30 * time.Second
	defaultCatchupMax   = 1

	// envelopeType marks payloads produced by scheduler fires
	envelopeType = "scheduled"
)

// Options configure a scheduler service
type Options struct {
	// TickInterval is how often the elected leader scans for due fires
	TickInterval time.Duration
	// LeaderTTL is the leader lock lifetime; it is refreshed every tick
	LeaderTTL time.Duration
	// CatchupMax bounds emissions per scheduler per tick. Fires missed
	// beyond it are collapsed: the schedule advances without emitting.
	CatchupMax int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.LeaderTTL <= 0 {
		opts.LeaderTTL = defaultLeaderTTL
	}
	if opts.CatchupMax <= 0 {
		opts.CatchupMax = defaultCatchupMax
	}
	return opts
}

// Scheduler manages the recurring-job records of one queue and, when
// elected leader, emits due jobs into it.
type Scheduler struct {
	store *store.Store
	queue *queue.Queue
	opts  Options
	log   logger.Logger

	mu     sync.Mutex
	leader *LeaderLock

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler for the given queue
func New(st *store.Store, q *queue.Queue, opts Options) *Scheduler {
	return &Scheduler{
		store: st,
		queue: q,
		opts:  opts.withDefaults(),
		log: logger.Default().WithComponent(logger.ComponentScheduler).WithFields(map[string]interface{}{
			"queue": q.Name(),
		}),
		stopChan: make(chan struct{}),
	}
}

// Upsert creates or replaces a scheduler record. Fire history (last run
// and fire counter) of an existing record survives the replace, so
// re-upserting a live scheduler re-shapes it without double-firing.
func (s *Scheduler) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		rec.LastRun = existing.LastRun
		rec.FiresSoFar = existing.FiresSoFar
	}

	nextRun, err := rec.ComputeNextRun(time.Now())
	if err != nil {
		return nil, err
	}
	rec.NextRun = nextRun

	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info("Scheduler upserted",
		"scheduler_id", rec.ID,
		"pattern", rec.Pattern,
		"every", rec.Every,
		"next_run", rec.NextRun.Format(time.RFC3339))
	return rec, nil
}

// Remove deletes a scheduler record. Removing an absent id is a no-op.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	k := s.store.Keys(s.queue.Name())
	pipe := s.store.Client().TxPipeline()
	pipe.Del(ctx, k.Scheduler(id))
	pipe.ZRem(ctx, k.Schedulers(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return qerrors.Wrap(qerrors.KindConnection, "failed to remove scheduler", err)
	}
	return nil
}

// Get loads one scheduler record. Returns nil when absent.
func (s *Scheduler) Get(ctx context.Context, id string) (*Record, error) {
	k := s.store.Keys(s.queue.Name())
	fields, err := s.store.Client().HGetAll(ctx, k.Scheduler(id)).Result()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConnection, "failed to load scheduler", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return FromHash(fields)
}

// List returns scheduler records ordered by next run time, sliced by
// zero-based index range [start, end] inclusive
func (s *Scheduler) List(ctx context.Context, start, end int64, asc bool) ([]*Record, error) {
	k := s.store.Keys(s.queue.Name())

	var ids []string
	var err error
	if asc {
		ids, err = s.store.Client().ZRange(ctx, k.Schedulers(), start, end).Result()
	} else {
		ids, err = s.store.Client().ZRevRange(ctx, k.Schedulers(), start, end).Result()
	}
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConnection, "failed to list schedulers", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Start launches the tick loop. The loop competes for the leader lock
// and only the winner emits jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("Scheduler started",
		"tick_interval", s.opts.TickInterval,
		"leader_ttl", s.opts.LeaderTTL)
}

// Stop halts the tick loop and releases leadership if held
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// IsLeader reports whether this instance currently holds the leader lock
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader != nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	lockKey := s.store.Keys(s.queue.Name()).LeaderLock()

	defer func() {
		s.mu.Lock()
		leader := s.leader
		s.leader = nil
		s.mu.Unlock()

		if leader != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := leader.Release(releaseCtx); err != nil {
				s.log.Warn("Failed to release leader lock", "error", err)
			}
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.log.Info("Scheduler stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			leader := s.leader
			s.mu.Unlock()

			if leader == nil {
				lock, err := AcquireLeader(ctx, s.store.Client(), lockKey, s.opts.LeaderTTL)
				if err != nil {
					s.log.Warn("Leader election attempt failed", "error", err)
					continue
				}
				if lock == nil {
					continue
				}
				s.mu.Lock()
				s.leader = lock
				s.mu.Unlock()
				s.log.Info("Became scheduler leader")
			} else {
				if err := leader.Extend(ctx); err != nil {
					if qerrors.IsKind(err, qerrors.KindLeaderLost) {
						s.log.Warn("Scheduler leadership lost")
					} else {
						s.log.Warn("Failed to extend leader lock", "error", err)
					}
					s.mu.Lock()
					s.leader = nil
					s.mu.Unlock()
					continue
				}
			}

			if err := s.tick(ctx, time.Now()); err != nil {
				s.log.Error("Scheduler tick failed", "error", err)
			}
		}
	}
}

// tick fires every scheduler whose next run is due
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	k := s.store.Keys(s.queue.Name())

	ids, err := s.store.Client().ZRangeByScore(ctx, k.Schedulers(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return qerrors.Wrap(qerrors.KindConnection, "failed to scan due schedulers", err)
	}

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			s.log.Error("Failed to load due scheduler", "scheduler_id", id, "error", err)
			continue
		}
		if rec == nil {
			// Removed between scan and load
			_ = s.store.Client().ZRem(ctx, k.Schedulers(), id).Err()
			continue
		}
		if err := s.fire(ctx, rec, now); err != nil {
			s.log.Error("Scheduler fire failed", "scheduler_id", id, "error", err)
		}
	}
	return nil
}

// fire emits due instances of one scheduler and advances its next run
// past now. At most CatchupMax jobs are emitted; fires missed beyond
// that are collapsed, so a ticker that slept through several instants
// does not flood the queue on wake.
func (s *Scheduler) fire(ctx context.Context, rec *Record, now time.Time) error {
	emitted := 0

	for !rec.NextRun.After(now) {
		if emitted < s.opts.CatchupMax {
			if err := s.emit(ctx, rec); err != nil {
				return err
			}
			emitted++
			rec.LastRun = rec.NextRun
			rec.FiresSoFar++

			if rec.Exhausted() {
				s.log.Info("Scheduler reached fire limit - removing",
					"scheduler_id", rec.ID, "fires", rec.FiresSoFar)
				return s.Remove(ctx, rec.ID)
			}
		} else {
			// Collapse the missed fire: advance without emitting
			rec.LastRun = rec.NextRun
		}

		next, err := rec.ComputeNextRun(now)
		if err != nil {
			return err
		}
		rec.NextRun = next
	}

	return s.persist(ctx, rec)
}

// emit enqueues one job instance from the record's template. The job id
// is derived from the fire counter, so a leader change replaying the
// same instant cannot produce duplicates.
func (s *Scheduler) emit(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(job.Envelope{
		Type:      envelopeType,
		Name:      rec.Template.Name,
		Timestamp: rec.NextRun,
		Data:      rec.Template.Data,
	})
	if err != nil {
		return qerrors.Wrap(qerrors.KindAddJob, "failed to build scheduled payload", err)
	}

	opts := rec.Template.Opts
	opts.JobID = rec.NextJobID()

	j, err := s.queue.Add(ctx, payload, opts)
	if err != nil {
		return err
	}

	s.log.Info("Scheduled job enqueued",
		"scheduler_id", rec.ID,
		"job_id", j.ID,
		"job_name", j.Name,
		"fire", rec.FiresSoFar)
	return nil
}

// persist writes the record hash and refreshes its index score
func (s *Scheduler) persist(ctx context.Context, rec *Record) error {
	fields, err := rec.ToHash()
	if err != nil {
		return err
	}

	k := s.store.Keys(s.queue.Name())
	pipe := s.store.Client().TxPipeline()
	pipe.HSet(ctx, k.Scheduler(rec.ID), fields)
	pipe.ZAdd(ctx, k.Schedulers(), redis.Z{
		Score:  float64(rec.NextRun.UnixMilli()),
		Member: rec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return qerrors.Wrap(qerrors.KindConnection, "failed to persist scheduler", err)
	}
	return nil
}
