package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/ledger"
	"taskline/internal/store"
)

// Engine owns every task mutation. Callers never write task rows directly:
// they go through an Engine method, which enforces the lifecycle guard,
// the claim discipline, and the audit trail in one transaction.
type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Ledger: ledger.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions carries everything CreateTask needs. Type is required;
// the rest default to a medium-priority pending task.
type TaskCreateOptions struct {
	Type             string
	Priority         string
	Department       string
	Content          string
	ApprovalRequired bool
	ConfidenceScore  float64
	RiskFactor       float64
	ActorID          string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, fmt.Errorf("task type is required")
	}
	if opts.Priority == "" {
		opts.Priority = PriorityMedium
	}
	if opts.ActorID == "" {
		opts.ActorID = "system"
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:               uuid.NewString(),
		Type:             opts.Type,
		Status:           StatusPending,
		Priority:         opts.Priority,
		ApprovalRequired: opts.ApprovalRequired,
		ConfidenceScore:  opts.ConfidenceScore,
		RiskFactor:       opts.RiskFactor,
		Content:          opts.Content,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.Department != "" {
		t.Department = &opts.Department
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Store.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.TypeTaskCreated, t.ID, opts.Department, opts.ActorID, "", ledger.Payload{
		"type": t.Type, "priority": t.Priority, "approval_required": t.ApprovalRequired,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

// ApprovalCreateOptions describes a task born directly into the approval
// gate, typically from a request template with required fields.
type ApprovalCreateOptions struct {
	Type       string
	Priority   string
	Department string
	Content    string
	RiskFactor float64
	ActorID    string
}

// CreateApproval creates a task that starts life awaiting approval. Its
// original status is pending, so a grant releases it into the normal queue,
// and it carries an expiry deadline from config.
func (e *Engine) CreateApproval(ctx context.Context, opts ApprovalCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, fmt.Errorf("task type is required")
	}
	if opts.Priority == "" {
		opts.Priority = PriorityHigh
	}
	if opts.ActorID == "" {
		opts.ActorID = "system"
	}
	now := e.now().UTC()
	original := StatusPending
	expires := now.Add(e.Config.Approval.TTL.Duration).Format(time.RFC3339)
	t := domain.Task{
		ID:               uuid.NewString(),
		Type:             opts.Type,
		Status:           StatusAwaitingApproval,
		Priority:         opts.Priority,
		ApprovalRequired: true,
		RiskFactor:       opts.RiskFactor,
		OriginalStatus:   &original,
		ExpiresAt:        &expires,
		Content:          opts.Content,
		Version:          1,
		CreatedAt:        now.Format(time.RFC3339),
		UpdatedAt:        now.Format(time.RFC3339),
	}
	if opts.Department != "" {
		t.Department = &opts.Department
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Store.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.TypeApprovalGated, t.ID, opts.Department, opts.ActorID, "created awaiting approval", ledger.Payload{
		"type": t.Type, "expires_at": expires,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

// Quarantine records an unprocessable inbound record as a failed task so
// the raw bytes survive and the failure is visible in listings.
func (e *Engine) Quarantine(ctx context.Context, raw, source, reason string) (domain.Task, error) {
	now := e.nowRFC3339()
	t := domain.Task{
		ID:            uuid.NewString(),
		Type:          "manual",
		Status:        StatusFailed,
		Priority:      PriorityLow,
		FailureReason: &reason,
		Content:       raw,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Store.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.TypeTaskQuarantined, t.ID, "", "intake", reason, ledger.Payload{
		"source": source,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

// MutateOptions governs claim checking for task mutations. OwnerID names
// the claim holder performing the change. Force skips the claim check for
// operator intervention; the ledger records that it was forced.
type MutateOptions struct {
	OwnerID string
	ActorID string
	Reason  string
	Force   bool
}

func (o *MutateOptions) actor() string {
	if o.ActorID != "" {
		return o.ActorID
	}
	if o.OwnerID != "" {
		return o.OwnerID
	}
	return "system"
}

// requireClaimOrForce verifies the caller holds a live claim on the task.
func (e *Engine) requireClaimOrForce(ctx context.Context, taskID string, opts MutateOptions) error {
	if opts.Force {
		return nil
	}
	if opts.OwnerID == "" {
		return fmt.Errorf("mutation requires a claim owner (or force)")
	}
	c, err := e.Store.GetClaim(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no claim held on task %s", taskID)
	}
	if err != nil {
		return err
	}
	if c.OwnerID != opts.OwnerID {
		return fmt.Errorf("task %s is claimed by %s", taskID, c.OwnerID)
	}
	if c.ExpiresAt <= e.nowRFC3339() {
		return fmt.Errorf("claim on task %s has expired", taskID)
	}
	return nil
}

// Claim acquires the mutation claim on a task for owner, using the
// configured TTL.
func (e *Engine) Claim(ctx context.Context, taskID, ownerID string) (domain.Claim, error) {
	if _, err := e.Store.GetTask(ctx, taskID); err != nil {
		return domain.Claim{}, err
	}
	return e.Store.AcquireClaim(ctx, taskID, ownerID, e.now(), e.Config.Engine.ClaimTTL.Duration)
}

func (e *Engine) Release(ctx context.Context, taskID, ownerID string) error {
	return e.Store.ReleaseClaim(ctx, taskID, ownerID)
}

// mutate loads a task, applies fn, checks the lifecycle guard, and writes
// the new row conditionally on the loaded version. fn returns the ledger
// entries to append alongside the update.
func (e *Engine) mutate(ctx context.Context, taskID string, opts MutateOptions, fn func(t *domain.Task) ([]ledgerEntry, error)) (domain.Task, error) {
	if err := e.requireClaimOrForce(ctx, taskID, opts); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Store.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	expected := t.Version

	entries, err := fn(&t)
	if err != nil {
		if denied := e.logDenied(ctx, taskID, from, t.Status, opts, err); denied != nil {
			return domain.Task{}, denied
		}
		return domain.Task{}, err
	}
	if err := ensureTransition(from, t.Status); err != nil {
		if denied := e.logDenied(ctx, taskID, from, t.Status, opts, err); denied != nil {
			return domain.Task{}, denied
		}
		return domain.Task{}, err
	}

	t.Version = expected + 1
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Store.UpdateTaskVersion(ctx, tx, t, expected); err != nil {
		return domain.Task{}, err
	}
	dept := ""
	if t.Department != nil {
		dept = *t.Department
	}
	for _, entry := range entries {
		if entry.payload == nil {
			entry.payload = ledger.Payload{}
		}
		if from != t.Status {
			entry.payload["from"] = from
			entry.payload["to"] = t.Status
		}
		if opts.Force {
			entry.payload["forced"] = true
		}
		if err := e.Ledger.Append(ctx, tx, entry.entryType, t.ID, dept, opts.actor(), entry.reason, entry.payload); err != nil {
			return domain.Task{}, err
		}
	}
	if IsTerminal(t.Status) && !IsTerminal(from) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id=?`, t.ID); err != nil {
			return domain.Task{}, err
		}
	}
	return t, tx.Commit()
}

type ledgerEntry struct {
	entryType string
	reason    string
	payload   ledger.Payload
}

// logDenied records a rejected transition in its own transaction, since the
// mutation transaction rolls back.
func (e *Engine) logDenied(ctx context.Context, taskID, from, to string, opts MutateOptions, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Ledger.Append(ctx, tx, ledger.TypeTransitionDenied, taskID, "", opts.actor(), cause.Error(), ledger.Payload{
		"from": from, "to": to,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Transition moves a task to a new status, provided the lifecycle allows it.
func (e *Engine) Transition(ctx context.Context, taskID, to string, opts MutateOptions) (domain.Task, error) {
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		t.Status = to
		if to == StatusCompleted {
			now := e.nowRFC3339()
			t.CompletedAt = &now
		}
		return []ledgerEntry{{entryType: ledger.TypeTransition, reason: opts.Reason}}, nil
	})
}

// Complete marks a task done.
func (e *Engine) Complete(ctx context.Context, taskID string, opts MutateOptions) (domain.Task, error) {
	return e.Transition(ctx, taskID, StatusCompleted, opts)
}

// Fail marks a task failed with a reason. The reason is required: a failed
// task with no recorded cause is useless to operators.
func (e *Engine) Fail(ctx context.Context, taskID, reason string, opts MutateOptions) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, fmt.Errorf("failure reason is required")
	}
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		t.Status = StatusFailed
		t.FailureReason = &reason
		return []ledgerEntry{{entryType: ledger.TypeTransition, reason: reason}}, nil
	})
}

// Retry increments a task's counter and bounces it to the other active
// state: pending work moves to in_progress for another attempt, in_progress
// work re-queues to pending. A counter that reaches the configured ceiling
// fails the task in the same mutation, so it never sits at the ceiling in a
// live state waiting for another cycle.
func (e *Engine) Retry(ctx context.Context, taskID, reason string, opts MutateOptions) (domain.Task, error) {
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if t.RetryCount < e.Config.Engine.MaxRetries {
			t.RetryCount++
		}
		if t.RetryCount >= e.Config.Engine.MaxRetries {
			t.Status = StatusFailed
			msg := fmt.Sprintf("retry limit reached (%d)", e.Config.Engine.MaxRetries)
			t.FailureReason = &msg
			return []ledgerEntry{{entryType: ledger.TypeRetryExhausted, reason: msg, payload: ledger.Payload{"retry_count": t.RetryCount}}}, nil
		}
		if t.Status == StatusInProgress {
			t.Status = StatusPending
		} else {
			t.Status = StatusInProgress
		}
		return []ledgerEntry{{entryType: ledger.TypeRetry, reason: reason, payload: ledger.Payload{"retry_count": t.RetryCount}}}, nil
	})
}

// FlagManualReview marks a task for a human to look at without changing its
// status. The governor stops deciding for flagged tasks.
func (e *Engine) FlagManualReview(ctx context.Context, taskID, reason string, opts MutateOptions) (domain.Task, error) {
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if t.RequiresManualReview {
			return nil, nil
		}
		t.RequiresManualReview = true
		return []ledgerEntry{{entryType: ledger.TypeManualReview, reason: reason, payload: ledger.Payload{
			"confidence": t.ConfidenceScore, "risk": t.RiskFactor,
		}}}, nil
	})
}

// GateForApproval parks a task in awaiting_approval, remembering where it
// came from so a grant can send it back.
func (e *Engine) GateForApproval(ctx context.Context, taskID, reason string, opts MutateOptions) (domain.Task, error) {
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if t.Status == StatusAwaitingApproval {
			return nil, nil
		}
		original := t.Status
		expires := e.now().UTC().Add(e.Config.Approval.TTL.Duration).Format(time.RFC3339)
		// Gating is what makes approval required; approved=true must never
		// appear on a task that was not.
		t.ApprovalRequired = true
		t.OriginalStatus = &original
		t.ExpiresAt = &expires
		t.Status = StatusAwaitingApproval
		return []ledgerEntry{{entryType: ledger.TypeApprovalGated, reason: reason, payload: ledger.Payload{
			"expires_at": expires,
		}}}, nil
	})
}

// Approve grants a pending approval and restores the task to the status it
// held before gating.
func (e *Engine) Approve(ctx context.Context, taskID, approver string) (domain.Task, error) {
	opts := MutateOptions{ActorID: approver, Force: true}
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if t.Status != StatusAwaitingApproval {
			return nil, fmt.Errorf("task %s is not awaiting approval", taskID)
		}
		restored := StatusPending
		if t.OriginalStatus != nil {
			restored = *t.OriginalStatus
		}
		t.Status = restored
		t.Approved = true
		t.OriginalStatus = nil
		t.ExpiresAt = nil
		return []ledgerEntry{{entryType: ledger.TypeApprovalGranted, reason: "approved by " + approver}}, nil
	})
}

// Reject denies a pending approval; the task fails.
func (e *Engine) Reject(ctx context.Context, taskID, approver, reason string) (domain.Task, error) {
	if reason == "" {
		reason = "rejected by " + approver
	}
	opts := MutateOptions{ActorID: approver, Force: true}
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if t.Status != StatusAwaitingApproval {
			return nil, fmt.Errorf("task %s is not awaiting approval", taskID)
		}
		t.Status = StatusFailed
		t.FailureReason = &reason
		t.OriginalStatus = nil
		t.ExpiresAt = nil
		return []ledgerEntry{{entryType: ledger.TypeApprovalRejected, reason: reason}}, nil
	})
}

// Bypass waives the approval requirement on a task. Only the governor calls
// this, and only for departments whose autonomy level has earned it.
func (e *Engine) Bypass(ctx context.Context, taskID, reason string, opts MutateOptions) (domain.Task, error) {
	return e.mutate(ctx, taskID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
		if !t.ApprovalRequired || t.Approved {
			return nil, nil
		}
		t.Approved = true
		return []ledgerEntry{{entryType: ledger.TypeApprovalBypassed, reason: reason, payload: ledger.Payload{
			"risk": t.RiskFactor,
		}}}, nil
	})
}

// ExpireDueApprovals fails every awaiting_approval task whose deadline has
// passed. Unattended approvals do not sit forever: expiry is a decision, and
// it lands in the ledger like any other.
func (e *Engine) ExpireDueApprovals(ctx context.Context) (int, error) {
	due, err := e.Store.ListExpiredApprovals(ctx, StatusAwaitingApproval, e.nowRFC3339())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range due {
		opts := MutateOptions{ActorID: "approval-expiry", Force: true}
		_, err := e.mutate(ctx, t.ID, opts, func(t *domain.Task) ([]ledgerEntry, error) {
			if t.Status != StatusAwaitingApproval {
				return nil, nil
			}
			reason := "approval_timeout"
			t.Status = StatusFailed
			t.FailureReason = &reason
			t.OriginalStatus = nil
			return []ledgerEntry{{entryType: ledger.TypeApprovalExpired, reason: reason, payload: ledger.Payload{
				"expired_at": deref(t.ExpiresAt),
			}}}, nil
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
