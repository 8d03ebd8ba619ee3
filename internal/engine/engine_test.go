package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/ledger"
	"taskline/internal/migrate"
	"taskline/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.Now }
	eng.Ledger.Now = eng.Now
	env.Engine = eng
	return env
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	force := engine.MutateOptions{ActorID: "tester", Force: true}

	task, err = env.Engine.Transition(env.Ctx, task.ID, engine.StatusInProgress, force)
	if err != nil || task.Status != engine.StatusInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.Complete(env.Ctx, task.ID, force)
	if err != nil || task.Status != engine.StatusCompleted {
		t.Fatalf("to completed: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	// terminal statuses do not move, even forced
	if _, err = env.Engine.Transition(env.Ctx, task.ID, engine.StatusPending, force); err == nil {
		t.Fatalf("expected terminal transition error")
	}
	// the denial is in the ledger
	entries, err := ledger.Reader{DB: env.Engine.DB}.Latest(env.Ctx, ledger.Filters{Type: ledger.TypeTransitionDenied, TaskID: task.ID})
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 denied entry, got %d", len(entries))
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Type: "manual", Department: "finance", ApprovalRequired: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	force := engine.MutateOptions{ActorID: "tester", Force: true}
	task, err = env.Engine.Transition(env.Ctx, task.ID, engine.StatusInProgress, force)
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.GateForApproval(env.Ctx, task.ID, "needs sign-off", force)
	if err != nil || task.Status != engine.StatusAwaitingApproval {
		t.Fatalf("gate: %v", err)
	}
	if task.OriginalStatus == nil || *task.OriginalStatus != engine.StatusInProgress {
		t.Fatalf("original status not captured: %+v", task.OriginalStatus)
	}
	if task.ExpiresAt == nil {
		t.Fatalf("expiry not set")
	}

	task, err = env.Engine.Approve(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != engine.StatusInProgress {
		t.Fatalf("approve restored %s, want in_progress", task.Status)
	}
	if !task.Approved {
		t.Fatalf("approved flag not set")
	}
	if task.OriginalStatus != nil || task.ExpiresAt != nil {
		t.Fatalf("gate bookkeeping not cleared")
	}
	entries, err := ledger.Reader{DB: env.Engine.DB}.Latest(env.Ctx, ledger.Filters{Type: ledger.TypeApprovalGranted, TaskID: task.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected approval.granted entry, got %d (%v)", len(entries), err)
	}
	if entries[0].ActorID != "alice" {
		t.Fatalf("granted by %s, want alice", entries[0].ActorID)
	}

	// approving twice is an error: not awaiting anymore
	if _, err := env.Engine.Approve(env.Ctx, task.ID, "alice"); err == nil {
		t.Fatalf("expected second approve to fail")
	}
}

func TestGatingMarksApprovalRequired(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if task.ApprovalRequired {
		t.Fatalf("task created approval_required")
	}
	force := engine.MutateOptions{ActorID: "tester", Force: true}
	task, err = env.Engine.GateForApproval(env.Ctx, task.ID, "operator hold", force)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !task.ApprovalRequired {
		t.Fatalf("gated task not marked approval_required")
	}
	// a later grant never yields approved=true on a task that did not
	// require approval
	task, err = env.Engine.Approve(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !task.Approved || !task.ApprovalRequired {
		t.Fatalf("approved=%v approval_required=%v after grant", task.Approved, task.ApprovalRequired)
	}
}

func TestRejectFailsTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalCreateOptions{Type: "payment", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Reject(env.Ctx, task.ID, "bob", "amount too high")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != engine.StatusFailed {
		t.Fatalf("status %s, want failed", task.Status)
	}
	if task.FailureReason == nil || *task.FailureReason != "amount too high" {
		t.Fatalf("failure reason %v", task.FailureReason)
	}
}

func TestApprovalExpiry(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalCreateOptions{Type: "payment", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	// just before the deadline nothing expires
	env.Now = env.Now.Add(24*time.Hour - time.Second)
	n, err := env.Engine.ExpireDueApprovals(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("expired %d before deadline (%v)", n, err)
	}

	env.Now = env.Now.Add(2 * time.Second)
	n, err = env.Engine.ExpireDueApprovals(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("expired %d at deadline (%v)", n, err)
	}
	got, err := env.Engine.Store.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != "approval_timeout" {
		t.Fatalf("failure reason %v, want approval_timeout", got.FailureReason)
	}
	entries, err := ledger.Reader{DB: env.Engine.DB}.Latest(env.Ctx, ledger.Filters{Type: ledger.TypeApprovalExpired, TaskID: task.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected approval.expired entry, got %d (%v)", len(entries), err)
	}
}

func TestRetryCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.MaxRetries = 3
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "email", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	force := engine.MutateOptions{ActorID: "tester", Force: true}

	// retries alternate the two active states while the counter climbs
	task, err = env.Engine.Retry(env.Ctx, task.ID, "flaky", force)
	if err != nil || task.Status != engine.StatusInProgress || task.RetryCount != 1 {
		t.Fatalf("retry 1: status=%s count=%d (%v)", task.Status, task.RetryCount, err)
	}
	task, err = env.Engine.Retry(env.Ctx, task.ID, "flaky", force)
	if err != nil || task.Status != engine.StatusPending || task.RetryCount != 2 {
		t.Fatalf("retry 2: status=%s count=%d (%v)", task.Status, task.RetryCount, err)
	}

	// the retry that reaches the ceiling fails the task in the same
	// mutation; the counter never sits at the ceiling on a live task
	task, err = env.Engine.Retry(env.Ctx, task.ID, "flaky", force)
	if err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if task.RetryCount != 3 {
		t.Fatalf("retry count %d, want 3", task.RetryCount)
	}
	if task.Status != engine.StatusFailed {
		t.Fatalf("count at ceiling but status=%s, want failed", task.Status)
	}
	if task.FailureReason == nil || *task.FailureReason == "" {
		t.Fatalf("exhaustion recorded no failure reason")
	}
	entries, err := ledger.Reader{DB: env.Engine.DB}.Latest(env.Ctx, ledger.Filters{Type: ledger.TypeRetryExhausted, TaskID: task.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected retry_exhausted entry, got %d (%v)", len(entries), err)
	}

	// failed is terminal: no further retries
	if _, err := env.Engine.Retry(env.Ctx, task.ID, "flaky", force); err == nil {
		t.Fatalf("expected retry on failed task to be refused")
	}
}

func TestClaimRequiredForMutation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// no claim, no force: denied
	if _, err := env.Engine.Complete(env.Ctx, task.ID, engine.MutateOptions{OwnerID: "w1"}); err == nil {
		t.Fatalf("expected claim error")
	}
	if _, err := env.Engine.Claim(env.Ctx, task.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// a different owner cannot mutate
	if _, err := env.Engine.Complete(env.Ctx, task.ID, engine.MutateOptions{OwnerID: "w2"}); err == nil {
		t.Fatalf("expected foreign-claim error")
	}
	if _, err := env.Engine.Complete(env.Ctx, task.ID, engine.MutateOptions{OwnerID: "w1"}); err != nil {
		t.Fatalf("complete with claim: %v", err)
	}
	// terminal transition released the claim
	if _, err := env.Engine.Store.GetClaim(env.Ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim not released on completion: %v", err)
	}
}

func TestClaimContention(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = env.Engine.Store.AcquireClaim(env.Ctx, task.ID, string(rune('a'+n)), env.Now, time.Minute)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, store.ErrClaimHeld):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("claim won by %d workers, want exactly 1", won)
	}
}

func TestClaimTakeoverAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Store.AcquireClaim(env.Ctx, task.ID, "w1", env.Now, time.Minute); err != nil {
		t.Fatal(err)
	}
	// a live claim cannot be stolen
	if _, err := env.Engine.Store.AcquireClaim(env.Ctx, task.ID, "w2", env.Now.Add(30*time.Second), time.Minute); !errors.Is(err, store.ErrClaimHeld) {
		t.Fatalf("expected ErrClaimHeld, got %v", err)
	}
	// once the lease lapses it can
	c, err := env.Engine.Store.AcquireClaim(env.Ctx, task.ID, "w2", env.Now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if c.OwnerID != "w2" {
		t.Fatalf("owner %s, want w2", c.OwnerID)
	}
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale := task
	stale.Status = engine.StatusInProgress
	stale.Version = 100
	err = env.Engine.Store.UpdateTaskVersion(env.Ctx, tx, stale, 99)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}
