package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/store"
	"taskline/internal/trust"
)

// Action is what the governor decided to do with one task.
type Action string

const (
	ActionComplete     Action = "complete"
	ActionFail         Action = "fail"
	ActionGate         Action = "gate"
	ActionRetry        Action = "retry"
	ActionManualReview Action = "manual_review"
	ActionNone         Action = "none"
)

// Decision pairs an action with the reason it was taken. Reason text ends
// up in the ledger verbatim.
type Decision struct {
	Action Action
	Reason string
}

// Strategy decides what to do with a claimed, non-terminal task.
type Strategy interface {
	Decide(ctx context.Context, t domain.Task) (Decision, error)
}

// HeuristicStrategy is the deterministic rule set. Rules are checked in
// order; the first match wins:
//
//  1. retry counter at the ceiling fails the task
//  2. unapproved approval_required tasks go to the gate
//  3. confidence at or above the completion threshold completes
//  4. low confidence combined with high risk flags manual review
//  5. everything else retries
type HeuristicStrategy struct {
	Store  store.Store
	Trust  *trust.Controller
	Config *config.Config
}

func (h HeuristicStrategy) Decide(ctx context.Context, t domain.Task) (Decision, error) {
	cfg := h.Config
	if t.RetryCount >= cfg.Engine.MaxRetries {
		return Decision{ActionFail, fmt.Sprintf("retry limit reached (%d)", cfg.Engine.MaxRetries)}, nil
	}
	if t.ApprovalRequired && !t.Approved {
		if h.Trust != nil && t.Department != nil && t.RiskFactor < cfg.Governor.RiskThreshold {
			level, err := h.Trust.DepartmentLevel(ctx, *t.Department)
			if err != nil {
				return Decision{}, err
			}
			if level == trust.LevelExecute || level == trust.LevelSelfDirect {
				return Decision{ActionNone, "approval bypassed: department autonomy " + level}, nil
			}
		}
		return Decision{ActionGate, "approval required"}, nil
	}
	confidence := t.ConfidenceScore
	if rate, terminal, err := h.Store.TypeSuccessRate(ctx, t.Type); err == nil && terminal >= 5 {
		// Blend in the type's track record once there is enough of one.
		confidence = confidence*0.8 + rate*0.2
	}
	if confidence >= cfg.Governor.CompletionThreshold {
		return Decision{ActionComplete, fmt.Sprintf("confidence %.2f meets threshold", confidence)}, nil
	}
	if t.ConfidenceScore < cfg.Governor.LowConfidence && t.RiskFactor > cfg.Governor.RiskThreshold {
		return Decision{ActionManualReview, fmt.Sprintf("confidence %.2f with risk %.2f", t.ConfidenceScore, t.RiskFactor)}, nil
	}
	return Decision{ActionRetry, fmt.Sprintf("confidence %.2f below threshold", confidence)}, nil
}

// Governor drives tasks through the lifecycle. Each cycle it claims eligible
// tasks one at a time, asks the strategy, and applies the decision through
// the engine. Tasks claimed by someone else are skipped, not contended.
type Governor struct {
	Engine   *engine.Engine
	Strategy Strategy
	OwnerID  string
	Log      *slog.Logger
}

func New(e *engine.Engine, tc *trust.Controller) *Governor {
	return &Governor{
		Engine:   e,
		Strategy: HeuristicStrategy{Store: e.Store, Trust: tc, Config: e.Config},
		OwnerID:  "governor",
		Log:      slog.Default(),
	}
}

func (g *Governor) Name() string { return "governor" }

func (g *Governor) Interval() time.Duration {
	return g.Engine.Config.Governor.Interval.Duration
}

// RunCycle is one pass over all actionable tasks.
func (g *Governor) RunCycle(ctx context.Context) error {
	tasks, err := g.Engine.Store.ListTasks(ctx, store.TaskFilters{
		Statuses: []string{engine.StatusPending, engine.StatusInProgress},
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.RequiresManualReview {
			continue
		}
		if err := g.step(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (g *Governor) step(ctx context.Context, t domain.Task) error {
	if _, err := g.Engine.Claim(ctx, t.ID, g.OwnerID); err != nil {
		if errors.Is(err, store.ErrClaimHeld) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	defer g.Engine.Release(context.WithoutCancel(ctx), t.ID, g.OwnerID)

	// Re-read under the claim; the listed snapshot may be stale.
	t, err := g.Engine.Store.GetTask(ctx, t.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if engine.IsTerminal(t.Status) || t.Status == engine.StatusAwaitingApproval || t.RequiresManualReview {
		return nil
	}

	d, err := g.Strategy.Decide(ctx, t)
	if err != nil {
		return err
	}
	err = g.apply(ctx, t, d)
	if errors.Is(err, store.ErrVersionConflict) {
		g.Log.Debug("decision lost version race", "task", t.ID)
		return nil
	}
	return err
}

func (g *Governor) apply(ctx context.Context, t domain.Task, d Decision) error {
	opts := engine.MutateOptions{OwnerID: g.OwnerID, Reason: d.Reason}
	switch d.Action {
	case ActionComplete:
		_, err := g.Engine.Complete(ctx, t.ID, opts)
		return err
	case ActionFail:
		_, err := g.Engine.Fail(ctx, t.ID, d.Reason, opts)
		return err
	case ActionGate:
		_, err := g.Engine.GateForApproval(ctx, t.ID, d.Reason, opts)
		return err
	case ActionRetry:
		_, err := g.Engine.Retry(ctx, t.ID, d.Reason, opts)
		return err
	case ActionManualReview:
		_, err := g.Engine.FlagManualReview(ctx, t.ID, d.Reason, opts)
		return err
	case ActionNone:
		return g.logBypass(ctx, t, d)
	default:
		return fmt.Errorf("unknown governor action %q", d.Action)
	}
}

// logBypass records an autonomy-based approval bypass and clears the
// approval requirement so the next cycle treats the task normally.
func (g *Governor) logBypass(ctx context.Context, t domain.Task, d Decision) error {
	opts := engine.MutateOptions{OwnerID: g.OwnerID, Reason: d.Reason}
	_, err := g.Engine.Bypass(ctx, t.ID, d.Reason, opts)
	return err
}
