package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/coordinator"
	"taskline/internal/db"
	"taskline/internal/ledger"
	"taskline/internal/migrate"
)

func newTestSupervisor(t *testing.T, workers ...coordinator.Worker) *coordinator.Supervisor {
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
	cfg.Coordinator.MaxRestarts = 1
	cfg.Coordinator.BackoffCeiling = config.Duration{Duration: 20 * time.Millisecond}
	return coordinator.NewSupervisor(cfg, ledger.Writer{DB: conn}, workers...)
}

type funcWorker struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
}

func (w funcWorker) Name() string                  { return w.name }
func (w funcWorker) Interval() time.Duration       { return w.every }
func (w funcWorker) RunCycle(ctx context.Context) error { return w.run(ctx) }

func TestSupervisorStopsOnCancel(t *testing.T) {
	cycles := make(chan struct{}, 16)
	w := funcWorker{name: "ticker", every: time.Millisecond, run: func(ctx context.Context) error {
		select {
		case cycles <- struct{}{}:
		default:
		}
		return nil
	}}
	sup := newTestSupervisor(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ran")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestTransientErrorsAreRetriedInPlace(t *testing.T) {
	attempts := 0
	ok := make(chan struct{})
	w := funcWorker{name: "flaky", every: 10 * time.Millisecond, run: func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		select {
		case <-ok:
		default:
			close(ok)
		}
		return nil
	}}
	sup := newTestSupervisor(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never recovered (attempts=%d)", attempts)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts < 3 {
		t.Fatalf("attempts %d, want >= 3", attempts)
	}
}

func TestPanickingWorkerExhaustsRestarts(t *testing.T) {
	w := funcWorker{name: "crasher", every: time.Millisecond, run: func(ctx context.Context) error {
		panic("boom")
	}}
	sup := newTestSupervisor(t, w)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected restart-exhaustion error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor kept a crashing worker alive")
	}
}
