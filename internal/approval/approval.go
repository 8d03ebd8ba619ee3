package approval

import (
	"context"
	"time"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/store"
)

// Gate is the human decision surface over awaiting_approval tasks. It is a
// thin wrapper: the engine owns the actual state changes, the gate just
// names the operations operators and the API call.
type Gate struct {
	Engine *engine.Engine
}

func New(e *engine.Engine) *Gate {
	return &Gate{Engine: e}
}

// ListPending returns tasks waiting on a human, optionally for one
// department only, oldest first.
func (g *Gate) ListPending(ctx context.Context, department string) ([]domain.Task, error) {
	return g.Engine.Store.ListTasks(ctx, store.TaskFilters{
		Statuses:   []string{engine.StatusAwaitingApproval},
		Department: department,
	})
}

func (g *Gate) Approve(ctx context.Context, taskID, approver string) (domain.Task, error) {
	return g.Engine.Approve(ctx, taskID, approver)
}

func (g *Gate) Reject(ctx context.Context, taskID, approver, reason string) (domain.Task, error) {
	return g.Engine.Reject(ctx, taskID, approver, reason)
}

// Expirer is the worker that fails approvals past their deadline.
type Expirer struct {
	Engine *engine.Engine
}

func (e Expirer) Name() string { return "approval-expiry" }

func (e Expirer) Interval() time.Duration {
	return e.Engine.Config.Approval.Interval.Duration
}

func (e Expirer) RunCycle(ctx context.Context) error {
	_, err := e.Engine.ExpireDueApprovals(ctx)
	return err
}
