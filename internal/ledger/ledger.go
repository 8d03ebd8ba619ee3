package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskline/internal/domain"
)

// Entry types written by the engine. The ledger is the audit trail for
// every decision, so new decision paths must add a type here rather than
// reuse a loosely related one.
const (
	TypeTaskCreated      = "task.created"
	TypeTaskQuarantined  = "task.quarantined"
	TypeTransition       = "task.transition"
	TypeTransitionDenied = "transition.denied"
	TypeRetry            = "task.retry"
	TypeRetryExhausted   = "task.retry_exhausted"
	TypeManualReview     = "task.manual_review"
	TypeApprovalGated    = "approval.gated"
	TypeApprovalGranted  = "approval.granted"
	TypeApprovalRejected = "approval.rejected"
	TypeApprovalExpired  = "approval.expired"
	TypeApprovalBypassed = "approval.bypassed"
	TypeTrustUpdated     = "trust.updated"
	TypeAutonomyChanged  = "autonomy.changed"
	TypeClaimReaped      = "claim.reaped"
	TypeWorkerFailure    = "worker.failure"
)

// Writer appends decision records. Entries are append-only: nothing in this
// package, or anywhere else, updates or deletes ledger rows.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one entry inside the caller's transaction so the decision
// and its audit record commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, taskID, department, actorID, reason string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC()
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ledger payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ledger(ts,day,type,task_id,department,actor_id,reason,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts.Format(time.RFC3339), ts.Format("2006-01-02"), entryType, nullable(taskID), nullable(department), actorID, nullable(reason), string(data))
	return err
}

// Filters narrows ledger reads.
type Filters struct {
	Type       string
	TaskID     string
	Department string
	Day        string
	Limit      int
}

// Reader queries the ledger for the CLI, the API, and the trust controller.
type Reader struct {
	DB *sql.DB
}

func (r Reader) Latest(ctx context.Context, f Filters) ([]domain.LedgerEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.Day != "" {
		clauses = append(clauses, "day=?")
		args = append(args, f.Day)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,day,type,task_id,department,actor_id,reason,payload_json FROM ledger WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var taskID, department, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Day, &e.Type, &taskID, &department, &e.ActorID, &reason, &e.Payload); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if department.Valid {
			e.Department = department.String
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByType returns entry counts per type for one day partition, or all
// days when day is empty.
func (r Reader) CountByType(ctx context.Context, day string) (map[string]int, error) {
	query := `SELECT type, count(*) FROM ledger GROUP BY type`
	var args []any
	if day != "" {
		query = `SELECT type, count(*) FROM ledger WHERE day=? GROUP BY type`
		args = append(args, day)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, err
		}
		res[t] = c
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
