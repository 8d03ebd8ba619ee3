package trust_test

import (
	"context"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/ledger"
	"taskline/internal/migrate"
	"taskline/internal/trust"
)

func newTestController(t *testing.T) (*trust.Controller, *engine.Engine, context.Context) {
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
	cfg := config.Default()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, cfg)
	eng.Now = now
	eng.Ledger.Now = now
	return trust.NewController(conn, cfg, now), eng, context.Background()
}

func seedOutcomes(t *testing.T, eng *engine.Engine, ctx context.Context, dept string, completed, failed int) {
	t.Helper()
	force := engine.MutateOptions{ActorID: "tester", Force: true}
	for i := 0; i < completed; i++ {
		task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Type: "email", Department: dept, ActorID: "tester"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := eng.Complete(ctx, task.ID, force); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < failed; i++ {
		task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Type: "email", Department: dept, ActorID: "tester"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := eng.Fail(ctx, task.ID, "boom", force); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLevelThresholds(t *testing.T) {
	c, _, _ := newTestController(t)
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, trust.LevelSelfDirect},
		{0.85, trust.LevelSelfDirect},
		{0.84, trust.LevelExecute},
		{0.70, trust.LevelExecute},
		{0.69, trust.LevelRecommend},
		{0.50, trust.LevelRecommend},
		{0.49, trust.LevelObserve},
		{0.0, trust.LevelObserve},
	}
	for _, tc := range cases {
		if got := c.Level(tc.score); got != tc.want {
			t.Errorf("Level(%.2f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestScoreStaysInBounds(t *testing.T) {
	c, eng, ctx := newTestController(t)
	seedOutcomes(t, eng, ctx, "good", 20, 0)
	seedOutcomes(t, eng, ctx, "bad", 0, 20)

	records, err := c.RecomputeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, r := range records {
		if r.TrustScore < 0 || r.TrustScore > 1 {
			t.Fatalf("score %.3f out of bounds for %s", r.TrustScore, r.Department)
		}
	}
}

func TestMostlySuccessfulDepartmentEarnsAutonomy(t *testing.T) {
	c, eng, ctx := newTestController(t)
	seedOutcomes(t, eng, ctx, "ops", 9, 1)

	rec, err := c.Recompute(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	// 0.9 success, clean approvals, zero retries: comfortably above execute
	if rec.TrustScore < 0.85 {
		t.Fatalf("score %.3f, expected >= 0.85", rec.TrustScore)
	}
	if rec.AutonomyLevel != trust.LevelSelfDirect {
		t.Fatalf("level %s, want self_direct", rec.AutonomyLevel)
	}
	if rec.TaskCount != 10 || rec.SuccessCount != 9 {
		t.Fatalf("counts %d/%d, want 10/9", rec.TaskCount, rec.SuccessCount)
	}
}

func TestSmoothingDampensSwings(t *testing.T) {
	c, eng, ctx := newTestController(t)
	seedOutcomes(t, eng, ctx, "ops", 10, 0)
	first, err := c.Recompute(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}

	// a bad streak arrives
	seedOutcomes(t, eng, ctx, "ops", 0, 10)
	second, err := c.Recompute(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if second.TrustScore >= first.TrustScore {
		t.Fatalf("score did not drop: %.3f -> %.3f", first.TrustScore, second.TrustScore)
	}
	// smoothed: the drop is bounded by the smoothing factor, not a cliff
	raw := 0.5*0.5 + 1.0*0.2 + 1.0*0.3 // 50% success, no approvals, no retries
	floor := first.TrustScore*0.7 + raw*0.3 - 0.001
	if second.TrustScore < floor {
		t.Fatalf("score %.3f fell past the smoothed floor %.3f", second.TrustScore, floor)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("version %d, want %d", second.Version, first.Version+1)
	}
}

func TestLevelChangeIsLedgered(t *testing.T) {
	c, eng, ctx := newTestController(t)
	seedOutcomes(t, eng, ctx, "ops", 10, 0)
	if _, err := c.Recompute(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	entries, err := ledger.Reader{DB: eng.DB}.Latest(ctx, ledger.Filters{Type: ledger.TypeAutonomyChanged, Department: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 autonomy.changed entry, got %d", len(entries))
	}
	updated, err := ledger.Reader{DB: eng.DB}.Latest(ctx, ledger.Filters{Type: ledger.TypeTrustUpdated, Department: "ops"})
	if err != nil || len(updated) != 1 {
		t.Fatalf("expected 1 trust.updated entry, got %d (%v)", len(updated), err)
	}
}

func TestUnknownDepartmentObserves(t *testing.T) {
	c, _, ctx := newTestController(t)
	level, err := c.DepartmentLevel(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if level != trust.LevelObserve {
		t.Fatalf("level %s, want observe", level)
	}
}
