package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"taskline/internal/config"
	"taskline/internal/ledger"
)

// Worker is a periodic engine job. RunCycle must be safe to call again
// after an error; the supervisor will.
type Worker interface {
	Name() string
	Interval() time.Duration
	RunCycle(ctx context.Context) error
}

// Supervisor runs workers on their intervals until the context is
// cancelled. A failing cycle is retried with exponential backoff; a cycle
// that panics counts as a worker crash, and a worker that crashes more than
// MaxRestarts times stops the whole supervisor rather than flap silently.
type Supervisor struct {
	Workers []Worker
	Ledger  ledger.Writer
	Config  *config.Config
	Log     *slog.Logger
}

func NewSupervisor(cfg *config.Config, lw ledger.Writer, workers ...Worker) *Supervisor {
	return &Supervisor{
		Workers: workers,
		Ledger:  lw,
		Config:  cfg,
		Log:     slog.Default(),
	}
}

// Run blocks until ctx is cancelled or a worker exhausts its restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.Workers {
		w := w
		g.Go(func() error {
			return s.runWorker(ctx, w)
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Supervisor) runWorker(ctx context.Context, w Worker) error {
	restarts := 0
	for {
		err := s.workerLoop(ctx, w)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		restarts++
		s.Log.Error("worker crashed", "worker", w.Name(), "restarts", restarts, "err", err)
		s.recordFailure(ctx, w, err, restarts)
		if restarts > s.Config.Coordinator.MaxRestarts {
			return fmt.Errorf("worker %s exceeded %d restarts: %w", w.Name(), s.Config.Coordinator.MaxRestarts, err)
		}
	}
}

// workerLoop ticks until cancellation. A cycle error is retried in place
// with backoff; only a panic escapes to the restart counter.
func (s *Supervisor) workerLoop(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()

	for {
		if cycleErr := s.runCycle(ctx, w); cycleErr != nil && ctx.Err() == nil {
			s.Log.Warn("worker cycle gave up", "worker", w.Name(), "err", cycleErr)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) runCycle(ctx context.Context, w Worker) error {
	policy := backoff.WithContext(newPolicy(s.Config.Coordinator.BackoffCeiling.Duration), ctx)
	return backoff.Retry(func() error {
		err := w.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			s.Log.Debug("worker cycle error", "worker", w.Name(), "err", err)
		}
		return err
	}, policy)
}

func newPolicy(ceiling time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = ceiling
	b.MaxElapsedTime = ceiling
	return b
}

// recordFailure puts the crash in the ledger so operators see it next to
// the decisions it interrupted. Best effort: a dead database must not keep
// the supervisor from counting restarts.
func (s *Supervisor) recordFailure(ctx context.Context, w Worker, cause error, restarts int) {
	tx, err := s.Ledger.DB.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	err = s.Ledger.Append(context.WithoutCancel(ctx), tx, ledger.TypeWorkerFailure, "", "", w.Name(), cause.Error(), ledger.Payload{
		"restarts": restarts,
	})
	if err != nil {
		return
	}
	tx.Commit()
}
