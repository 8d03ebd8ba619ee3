package trust

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/ledger"
	"taskline/internal/store"
)

// Autonomy levels, lowest to highest. A department's level decides how much
// the governor lets it do without a human in the loop.
const (
	LevelObserve    = "observe"
	LevelRecommend  = "recommend"
	LevelExecute    = "execute"
	LevelSelfDirect = "self_direct"
)

// Priors used while a department has too little history to judge. New
// departments start trusted enough to work but not enough to self-direct.
const (
	defaultSuccessRate  = 0.8
	defaultApprovalRate = 1.0
	defaultRetryFreq    = 0.1
)

// Controller recomputes department trust scores from terminal task
// outcomes. Scores are exponentially smoothed so one bad day does not crater
// a department, and one good day does not vault it to self_direct.
type Controller struct {
	DB     *sql.DB
	Store  store.Store
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func NewController(db *sql.DB, cfg *config.Config, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		DB:     db,
		Store:  store.Store{DB: db},
		Ledger: ledger.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

func (c *Controller) Name() string { return "trust" }

func (c *Controller) Interval() time.Duration {
	return c.Config.Trust.Interval.Duration
}

func (c *Controller) RunCycle(ctx context.Context) error {
	_, err := c.RecomputeAll(ctx)
	return err
}

// Level maps a trust score to an autonomy level using the configured
// thresholds.
func (c *Controller) Level(score float64) string {
	l := c.Config.Trust.Levels
	switch {
	case score >= l.SelfDirect:
		return LevelSelfDirect
	case score >= l.Execute:
		return LevelExecute
	case score >= l.Recommend:
		return LevelRecommend
	default:
		return LevelObserve
	}
}

// DepartmentLevel returns the stored autonomy level for a department, or
// observe when the department has no record yet.
func (c *Controller) DepartmentLevel(ctx context.Context, department string) (string, error) {
	r, err := c.Store.GetTrustRecord(ctx, department)
	if errors.Is(err, store.ErrNotFound) {
		return LevelObserve, nil
	}
	if err != nil {
		return "", err
	}
	return r.AutonomyLevel, nil
}

// rawScore combines outcome stats into an unsmoothed score in [0,1].
func (c *Controller) rawScore(st store.DepartmentStats) float64 {
	w := c.Config.Trust.Weights
	terminal := st.Completed + st.Failed

	successRate := defaultSuccessRate
	if terminal > 0 {
		successRate = float64(st.Completed) / float64(terminal)
	}
	approvalRate := defaultApprovalRate
	if st.ApprovalsSeen > 0 {
		approvalRate = float64(st.ApprovalsOK) / float64(st.ApprovalsSeen)
	}
	retryFreq := defaultRetryFreq
	if terminal > 0 {
		retryFreq = st.AvgRetries / 5.0
		if retryFreq > 1 {
			retryFreq = 1
		}
	}

	score := successRate*w.Success + approvalRate*w.Approval + (1-retryFreq)*w.Retry
	return clamp(score)
}

// Recompute recalculates one department's trust record and returns it.
func (c *Controller) Recompute(ctx context.Context, department string) (domain.TrustRecord, error) {
	st, err := c.Store.DepartmentOutcomes(ctx, department)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	raw := c.rawScore(st)

	prev, err := c.Store.GetTrustRecord(ctx, department)
	fresh := errors.Is(err, store.ErrNotFound)
	if err != nil && !fresh {
		return domain.TrustRecord{}, err
	}

	score := raw
	var expected int64
	if !fresh {
		a := c.Config.Trust.Smoothing
		score = clamp(prev.TrustScore*(1-a) + raw*a)
		expected = prev.Version
	}
	level := c.Level(score)

	rec := domain.TrustRecord{
		Department:    department,
		TrustScore:    score,
		AutonomyLevel: level,
		TaskCount:     st.Completed + st.Failed,
		SuccessCount:  st.Completed,
		Version:       expected + 1,
		UpdatedAt:     c.Now().UTC().Format(time.RFC3339),
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	defer tx.Rollback()
	if err := c.Store.UpsertTrustRecord(ctx, tx, rec, expected); err != nil {
		return domain.TrustRecord{}, err
	}
	err = c.Ledger.Append(ctx, tx, ledger.TypeTrustUpdated, "", department, "trust", "", ledger.Payload{
		"raw_score": raw, "score": score, "level": level,
		"completed": st.Completed, "failed": st.Failed, "avg_retries": st.AvgRetries,
	})
	if err != nil {
		return domain.TrustRecord{}, err
	}
	if fresh || prev.AutonomyLevel != level {
		from := ""
		if !fresh {
			from = prev.AutonomyLevel
		}
		err = c.Ledger.Append(ctx, tx, ledger.TypeAutonomyChanged, "", department, "trust", "", ledger.Payload{
			"from": from, "to": level, "score": score,
		})
		if err != nil {
			return domain.TrustRecord{}, err
		}
	}
	return rec, tx.Commit()
}

// RecomputeAll refreshes every department that has ever had a task.
func (c *Controller) RecomputeAll(ctx context.Context) ([]domain.TrustRecord, error) {
	departments, err := c.Store.Departments(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.TrustRecord
	for _, d := range departments {
		rec, err := c.Recompute(ctx, d)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return res, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
