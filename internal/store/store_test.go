package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test"), mr
}

func testPayload(name string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"task","name":"%s","timestamp":"2026-08-25T10:00:00Z","data":{}}`, name))
}

func testJob(queue, id string, opts job.Options) *job.Job {
	opts.JobID = id
	return job.New(queue, "sync_bootstrap", testPayload("sync_bootstrap"), opts)
}

func TestEnqueue_Waiting(t *testing.T) {
	st, mr := setupTestStore(t)
	ctx := context.Background()

	j := testJob("events", "j1", job.Options{})
	created, err := st.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !created {
		t.Fatal("expected job to be created")
	}
	if j.State != job.StateWaiting {
		t.Errorf("expected state waiting, got %s", j.State)
	}
	if j.Seq != 1 {
		t.Errorf("expected seq 1, got %d", j.Seq)
	}
	if !mr.Exists("test:events:job:j1") {
		t.Error("job hash not stored")
	}
}

func TestEnqueueBulk_Batch(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	jobs := []*job.Job{
		testJob("events", "j1", job.Options{}),
		testJob("events", "j2", job.Options{Delay: time.Minute}),
		testJob("events", "j3", job.Options{}),
	}
	created, err := st.EnqueueBulk(ctx, jobs)
	if err != nil {
		t.Fatalf("bulk enqueue failed: %v", err)
	}
	for i, c := range created {
		if !c {
			t.Errorf("job %d not created", i)
		}
	}
	if jobs[0].Seq != 1 || jobs[1].Seq != 2 || jobs[2].Seq != 3 {
		t.Errorf("expected sequential seqs, got %d %d %d", jobs[0].Seq, jobs[1].Seq, jobs[2].Seq)
	}
	if jobs[1].State != job.StateDelayed {
		t.Errorf("delayed batch member must land in delayed, got %s", jobs[1].State)
	}

	counts, err := st.Counts(ctx, "events")
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Waiting != 2 || counts.Delayed != 1 {
		t.Errorf("expected 2 waiting and 1 delayed, got %+v", counts)
	}
}

func TestEnqueueBulk_SkipsExisting(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{Priority: 3})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	created, err := st.EnqueueBulk(ctx, []*job.Job{
		testJob("events", "j1", job.Options{Priority: 9}),
		testJob("events", "j2", job.Options{}),
	})
	if err != nil {
		t.Fatalf("bulk enqueue failed: %v", err)
	}
	if created[0] || !created[1] {
		t.Errorf("expected existing skipped and new created, got %v", created)
	}

	existing, err := st.GetJob(ctx, "events", "j1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if existing.Opts.Priority != 3 {
		t.Errorf("existing record must win, got priority %d", existing.Opts.Priority)
	}

	counts, _ := st.Counts(ctx, "events")
	if counts.Waiting != 2 {
		t.Errorf("expected 2 waiting records, got %d", counts.Waiting)
	}
}

func TestEnqueue_Delayed(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	j := testJob("events", "j1", job.Options{Delay: time.Minute})
	if _, err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if j.State != job.StateDelayed {
		t.Errorf("expected state delayed, got %s", j.State)
	}

	fetched, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched != nil {
		t.Error("delayed job must not be fetchable before promotion")
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	created, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{}))
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if created {
		t.Error("duplicate id must not create a second record")
	}

	counts, err := st.Counts(ctx, "events")
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Waiting != 1 {
		t.Errorf("expected 1 waiting job, got %d", counts.Waiting)
	}
}

func TestFetchNext_LocksJob(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	j, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if j == nil {
		t.Fatal("expected a job")
	}
	if j.State != job.StateActive {
		t.Errorf("expected state active, got %s", j.State)
	}
	if j.LockOwner != "w1" {
		t.Errorf("expected lock owner w1, got %q", j.LockOwner)
	}

	second, err := st.FetchNext(ctx, "events", "w2", 30*time.Second)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if second != nil {
		t.Error("locked job must not be fetched twice")
	}
}

func TestFetchNext_PriorityOrder(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "low", job.Options{Priority: 5})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := st.Enqueue(ctx, testJob("events", "high", job.Options{Priority: 0})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	j, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if j == nil || j.ID != "high" {
		t.Fatalf("expected the lower priority number first, got %+v", j)
	}
}

func TestFetchNext_LIFO(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "first", job.Options{LIFO: true})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := st.Enqueue(ctx, testJob("events", "second", job.Options{LIFO: true})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	j, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if j == nil || j.ID != "second" {
		t.Fatalf("expected newest job first under LIFO, got %+v", j)
	}
}

func TestFetchNext_Paused(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := st.Pause(ctx, "events"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	j, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if j != nil {
		t.Error("paused queue must not dispatch")
	}

	if err := st.Resume(ctx, "events"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	j, err = st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("fetch after resume failed: %v", err)
	}
	if j == nil {
		t.Error("resumed queue must dispatch again")
	}
}

func TestComplete_Success(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	j, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil || j == nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if err := st.Complete(ctx, j, "w1", []byte(`{"rows":42}`)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stored, err := st.GetJob(ctx, "events", "j1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.State != job.StateCompleted {
		t.Errorf("expected state completed, got %s", stored.State)
	}
	if string(stored.ReturnValue) != `{"rows":42}` {
		t.Errorf("unexpected return value %q", stored.ReturnValue)
	}

	counts, _ := st.Counts(ctx, "events")
	if counts.Active != 0 || counts.Completed != 1 {
		t.Errorf("unexpected counts after complete: %+v", counts)
	}
}

func TestComplete_LockMismatch(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	j, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)

	err := st.Complete(ctx, j, "intruder", nil)
	if err == nil {
		t.Fatal("expected lock mismatch error")
	}
	if !qerrors.IsKind(err, qerrors.KindProcessing) {
		t.Errorf("expected processing error kind, got %v", err)
	}
}

func TestFail_RetrySchedulesDelayed(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	j := testJob("events", "j1", job.Options{
		Attempts: 3,
		Backoff:  job.Backoff{Type: job.BackoffFixed, Delay: time.Second},
	})
	if _, err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	fetched, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)

	retry, err := st.Fail(ctx, fetched, "w1", "boom")
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if !retry {
		t.Fatal("expected a retry with attempts remaining")
	}

	stored, _ := st.GetJob(ctx, "events", "j1")
	if stored.State != job.StateDelayed {
		t.Errorf("expected state delayed, got %s", stored.State)
	}
	if stored.AttemptsMade != 1 {
		t.Errorf("expected attempts_made 1, got %d", stored.AttemptsMade)
	}
	if stored.LastError != "boom" {
		t.Errorf("expected last error recorded, got %q", stored.LastError)
	}
}

func TestFail_TerminalMovesToFailed(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	j := testJob("events", "j1", job.Options{Attempts: 1})
	if _, err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	fetched, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)

	retry, err := st.Fail(ctx, fetched, "w1", "boom")
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if retry {
		t.Fatal("expected terminal failure on last attempt")
	}

	stored, _ := st.GetJob(ctx, "events", "j1")
	if stored.State != job.StateFailed {
		t.Errorf("expected state failed, got %s", stored.State)
	}

	counts, _ := st.Counts(ctx, "events")
	if counts.Failed != 1 {
		t.Errorf("expected 1 failed job, got %d", counts.Failed)
	}
}

func TestPromoteDelayed_MovesDueJobs(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	j := testJob("events", "j1", job.Options{Delay: time.Millisecond})
	if _, err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	n, err := st.PromoteDelayed(ctx, "events")
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted job, got %d", n)
	}

	stored, _ := st.GetJob(ctx, "events", "j1")
	if stored.State != job.StateWaiting {
		t.Errorf("expected state waiting, got %s", stored.State)
	}
}

func TestStallScan_RequeuesThenFails(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Negative TTL puts the lock expiry in the past immediately
	if _, err := st.FetchNext(ctx, "events", "w1", -time.Second); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	requeued, failed, err := st.StallScan(ctx, "events", 1)
	if err != nil {
		t.Fatalf("stall scan failed: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "j1" {
		t.Fatalf("expected j1 requeued, got %v", requeued)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no stall failures yet, got %v", failed)
	}

	stored, _ := st.GetJob(ctx, "events", "j1")
	if stored.State != job.StateWaiting {
		t.Errorf("expected state waiting after requeue, got %s", stored.State)
	}
	if stored.StalledCount != 1 {
		t.Errorf("expected stalled count 1, got %d", stored.StalledCount)
	}

	// Second stall exceeds the budget and fails the job
	if _, err := st.FetchNext(ctx, "events", "w1", -time.Second); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	requeued, failed, err = st.StallScan(ctx, "events", 1)
	if err != nil {
		t.Fatalf("second stall scan failed: %v", err)
	}
	if len(requeued) != 0 || len(failed) != 1 {
		t.Fatalf("expected terminal stall failure, got requeued=%v failed=%v", requeued, failed)
	}

	stored, _ = st.GetJob(ctx, "events", "j1")
	if stored.State != job.StateFailed {
		t.Errorf("expected state failed, got %s", stored.State)
	}
	if stored.LastError != "stalled" {
		t.Errorf("expected stalled reason, got %q", stored.LastError)
	}
}

func TestExtendLock_OwnerOnly(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	j, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)

	ok, err := st.ExtendLock(ctx, j, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("owner extend should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = st.ExtendLock(ctx, j, "intruder", time.Minute)
	if err != nil {
		t.Fatalf("extend errored: %v", err)
	}
	if ok {
		t.Error("non-owner must not extend the lock")
	}
}

func TestReleaseLock_AllowsRequeue(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	j, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)

	if err := st.ReleaseLock(ctx, j, "w1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	requeued, _, err := st.StallScan(ctx, "events", 5)
	if err != nil {
		t.Fatalf("stall scan failed: %v", err)
	}
	if len(requeued) != 1 {
		t.Fatalf("released job should requeue on next scan, got %v", requeued)
	}
}

func TestRemove_ActiveRefusedUnlessForced(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, testJob("events", "j1", job.Options{})); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := st.FetchNext(ctx, "events", "w1", 30*time.Second); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if _, err := st.Remove(ctx, "events", "j1", false); err == nil {
		t.Fatal("removing an active job must fail without force")
	}

	removed, err := st.Remove(ctx, "events", "j1", true)
	if err != nil {
		t.Fatalf("forced remove failed: %v", err)
	}
	if !removed {
		t.Error("forced remove should report removal")
	}
}

func TestRemove_AbsentIsNoOp(t *testing.T) {
	st, _ := setupTestStore(t)

	removed, err := st.Remove(context.Background(), "events", "ghost", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if removed {
		t.Error("absent job must not report removal")
	}
}

func TestDrain_RemovesWaitingAndDelayed(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, testJob("events", "w", job.Options{}))
	st.Enqueue(ctx, testJob("events", "d", job.Options{Delay: time.Minute}))
	st.Enqueue(ctx, testJob("events", "a", job.Options{}))
	st.FetchNext(ctx, "events", "w1", 30*time.Second)

	n, err := st.Drain(ctx, "events", false)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 drained jobs, got %d", n)
	}

	counts, _ := st.Counts(ctx, "events")
	if counts.Waiting != 0 || counts.Delayed != 0 || counts.Active != 1 {
		t.Errorf("unexpected counts after drain: %+v", counts)
	}
}

func TestClean_RemovesOldJobs(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, testJob("events", "j1", job.Options{}))
	j, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	st.Complete(ctx, j, "w1", nil)

	ids, err := st.Clean(ctx, "events", 0, 10, job.StateCompleted)
	if err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("expected j1 cleaned, got %v", ids)
	}

	stored, _ := st.GetJob(ctx, "events", "j1")
	if stored != nil {
		t.Error("cleaned job record should be gone")
	}
}

func TestObliterate_RefusedWithActiveJobs(t *testing.T) {
	st, mr := setupTestStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, testJob("events", "j1", job.Options{}))
	st.FetchNext(ctx, "events", "w1", 30*time.Second)

	if err := st.Obliterate(ctx, "events", false); err == nil {
		t.Fatal("obliterate must refuse with active jobs")
	}

	if err := st.Obliterate(ctx, "events", true); err != nil {
		t.Fatalf("forced obliterate failed: %v", err)
	}
	if mr.Exists("test:events:job:j1") {
		t.Error("obliterate should remove every queue key")
	}
}

func TestFlow_ParentPromotedAfterLastChild(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	parent := testJob("events", "parent", job.Options{})
	parent.State = job.StateWaitingChildren
	if _, err := st.Enqueue(ctx, parent); err != nil {
		t.Fatalf("parent enqueue failed: %v", err)
	}

	children := []job.ParentRef{
		{ID: "c1", Queue: "events"},
		{ID: "c2", Queue: "events"},
	}
	if err := st.InitFlowParent(ctx, "events", "parent", children); err != nil {
		t.Fatalf("init flow parent failed: %v", err)
	}

	ref := &job.ParentRef{ID: "parent", Queue: "events"}
	for _, id := range []string{"c1", "c2"} {
		c := testJob("events", id, job.Options{Parent: ref})
		if _, err := st.Enqueue(ctx, c); err != nil {
			t.Fatalf("child enqueue failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		c, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
		if err != nil || c == nil {
			t.Fatalf("child fetch %d failed: %v", i, err)
		}
		if err := st.Complete(ctx, c, "w1", []byte(`"ok"`)); err != nil {
			t.Fatalf("child complete failed: %v", err)
		}

		p, _ := st.GetJob(ctx, "events", "parent")
		if i == 0 && p.State != job.StateWaitingChildren {
			t.Errorf("parent must stay gated until the last child, got %s", p.State)
		}
		if i == 1 && p.State != job.StateWaiting {
			t.Errorf("parent must promote after the last child, got %s", p.State)
		}
	}

	// The promoted parent is now dispatchable
	p, err := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if err != nil || p == nil || p.ID != "parent" {
		t.Fatalf("expected to fetch the promoted parent, got %+v err=%v", p, err)
	}
}

func TestFlow_ChildFailureAbortsSiblings(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	parent := testJob("events", "parent", job.Options{})
	parent.State = job.StateWaitingChildren
	if _, err := st.Enqueue(ctx, parent); err != nil {
		t.Fatalf("parent enqueue failed: %v", err)
	}
	children := []job.ParentRef{
		{ID: "c1", Queue: "events"},
		{ID: "c2", Queue: "events"},
	}
	if err := st.InitFlowParent(ctx, "events", "parent", children); err != nil {
		t.Fatalf("init flow parent failed: %v", err)
	}

	ref := &job.ParentRef{ID: "parent", Queue: "events"}
	st.Enqueue(ctx, testJob("events", "c1", job.Options{Parent: ref, Attempts: 1}))
	st.Enqueue(ctx, testJob("events", "c2", job.Options{Parent: ref, Attempts: 1}))

	c1, _ := st.FetchNext(ctx, "events", "w1", 30*time.Second)
	if c1 == nil {
		t.Fatal("expected to fetch first child")
	}
	if _, err := st.Fail(ctx, c1, "w1", "boom"); err != nil {
		t.Fatalf("child fail failed: %v", err)
	}

	p, _ := st.GetJob(ctx, "events", "parent")
	if p.State != job.StateFailed {
		t.Errorf("parent must fail on terminal child failure, got %s", p.State)
	}
	if p.LastError != "child-failed:"+c1.ID {
		t.Errorf("unexpected parent failure reason %q", p.LastError)
	}

	var sibling *job.Job
	if c1.ID == "c1" {
		sibling, _ = st.GetJob(ctx, "events", "c2")
	} else {
		sibling, _ = st.GetJob(ctx, "events", "c1")
	}
	if sibling.State != job.StateFailed {
		t.Errorf("waiting sibling must abort, got %s", sibling.State)
	}
	if sibling.LastError != "sibling-aborted" {
		t.Errorf("unexpected sibling failure reason %q", sibling.LastError)
	}
}
