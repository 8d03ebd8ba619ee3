package coordinator

import (
	"context"
	"time"

	"taskline/internal/engine"
	"taskline/internal/ledger"
)

// Reaper clears claims whose lease lapsed without a release, usually
// because the holding worker died mid-task. Reaping does not touch the task
// itself: whatever worker picks it up next decides what to do.
type Reaper struct {
	Engine *engine.Engine
	Every  time.Duration
}

func NewReaper(e *engine.Engine) Reaper {
	return Reaper{Engine: e, Every: time.Minute}
}

func (r Reaper) Name() string { return "claim-reaper" }

func (r Reaper) Interval() time.Duration { return r.Every }

func (r Reaper) RunCycle(ctx context.Context) error {
	expired, err := r.Engine.Store.ListExpiredClaims(ctx, r.Engine.Now())
	if err != nil {
		return err
	}
	for _, c := range expired {
		tx, err := r.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id=? AND owner_id=? AND expires_at=?`, c.TaskID, c.OwnerID, c.ExpiresAt); err != nil {
			tx.Rollback()
			return err
		}
		err = r.Engine.Ledger.Append(ctx, tx, ledger.TypeClaimReaped, c.TaskID, "", "claim-reaper", "lease expired", ledger.Payload{
			"owner": c.OwnerID, "expired_at": c.ExpiresAt,
		})
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
