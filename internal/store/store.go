package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskline/internal/domain"
)

// Store is the task record store. All status/retry mutations go through
// UpdateTaskVersion so concurrent workers cannot clobber each other.
type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrClaimHeld       = errors.New("claim held by another owner")
)

const taskColumns = `id,type,status,priority,department,approval_required,approved,requires_manual_review,retry_count,confidence_score,risk_factor,original_status,expires_at,failure_reason,content,version,created_at,updated_at,completed_at`

func (s Store) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Status, t.Priority, nullableStringPtr(t.Department),
		boolToInt(t.ApprovalRequired), boolToInt(t.Approved), boolToInt(t.RequiresManualReview),
		t.RetryCount, t.ConfidenceScore, t.RiskFactor,
		nullableStringPtr(t.OriginalStatus), nullableStringPtr(t.ExpiresAt), nullableStringPtr(t.FailureReason),
		nullable(t.Content), t.Version, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

// UpdateTaskVersion writes t conditionally on expectedVersion. The caller
// sets t.Version to expectedVersion+1 before calling; zero affected rows
// means another worker got there first.
func (s Store) UpdateTaskVersion(ctx context.Context, tx *sql.Tx, t domain.Task, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET type=?, status=?, priority=?, department=?, approval_required=?, approved=?, requires_manual_review=?, retry_count=?, confidence_score=?, risk_factor=?, original_status=?, expires_at=?, failure_reason=?, content=?, version=?, updated_at=?, completed_at=? WHERE id=? AND version=?`,
		t.Type, t.Status, t.Priority, nullableStringPtr(t.Department),
		boolToInt(t.ApprovalRequired), boolToInt(t.Approved), boolToInt(t.RequiresManualReview),
		t.RetryCount, t.ConfidenceScore, t.RiskFactor,
		nullableStringPtr(t.OriginalStatus), nullableStringPtr(t.ExpiresAt), nullableStringPtr(t.FailureReason),
		nullable(t.Content), t.Version, t.UpdatedAt, nullableStringPtr(t.CompletedAt),
		t.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var department, originalStatus, expiresAt, failureReason, content, completedAt sql.NullString
	var approvalRequired, approved, manualReview int
	err := scan(&t.ID, &t.Type, &t.Status, &t.Priority, &department,
		&approvalRequired, &approved, &manualReview,
		&t.RetryCount, &t.ConfidenceScore, &t.RiskFactor,
		&originalStatus, &expiresAt, &failureReason,
		&content, &t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.ApprovalRequired = approvalRequired != 0
	t.Approved = approved != 0
	t.RequiresManualReview = manualReview != 0
	if department.Valid {
		t.Department = &department.String
	}
	if originalStatus.Valid {
		t.OriginalStatus = &originalStatus.String
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.String
	}
	if failureReason.Valid {
		t.FailureReason = &failureReason.String
	}
	if content.Valid {
		t.Content = content.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (s Store) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// TaskFilters narrows ListTasks. Statuses with multiple values produce an
// IN clause; the governor uses that to scan pending+in_progress in one go.
type TaskFilters struct {
	Statuses   []string
	Department string
	Type       string
	Limit      int
}

func (s Store) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s Store) ListByStatus(ctx context.Context, status string) ([]domain.Task, error) {
	return s.ListTasks(ctx, TaskFilters{Statuses: []string{status}})
}

func (s Store) CountTasksByStatus(ctx context.Context, department string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM tasks GROUP BY status`
	var args []any
	if department != "" {
		query = `SELECT status, count(*) FROM tasks WHERE department=? GROUP BY status`
		args = append(args, department)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ListExpiredApprovals returns tasks sitting in awaiting_approval whose
// expiry deadline has passed.
func (s Store) ListExpiredApprovals(ctx context.Context, status, now string) ([]domain.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC`, status, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
