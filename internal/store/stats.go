package store

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

// DepartmentStats aggregates terminal-task outcomes for one department.
// The trust controller turns these into a score; everything here is a plain
// count so the math stays in one place.
type DepartmentStats struct {
	Department    string
	Completed     int
	Failed        int
	ApprovalsSeen int
	ApprovalsOK   int
	AvgRetries    float64
}

func (s Store) DepartmentOutcomes(ctx context.Context, department string) (DepartmentStats, error) {
	st := DepartmentStats{Department: department}
	row := s.DB.QueryRowContext(ctx, `SELECT
		count(CASE WHEN status='completed' THEN 1 END),
		count(CASE WHEN status='failed' THEN 1 END),
		count(CASE WHEN approval_required=1 THEN 1 END),
		count(CASE WHEN approval_required=1 AND approved=1 THEN 1 END),
		coalesce(avg(retry_count), 0)
		FROM tasks WHERE department=? AND status IN ('completed','failed')`, department)
	err := row.Scan(&st.Completed, &st.Failed, &st.ApprovalsSeen, &st.ApprovalsOK, &st.AvgRetries)
	return st, err
}

// Departments lists every department seen on any task, so trust records can
// be created lazily as work arrives.
func (s Store) Departments(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT department FROM tasks WHERE department IS NOT NULL ORDER BY department`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// TypeSuccessRate returns the completed fraction among terminal tasks of a
// type, plus how many terminal tasks that is based on.
func (s Store) TypeSuccessRate(ctx context.Context, taskType string) (float64, int, error) {
	var completed, terminal int
	row := s.DB.QueryRowContext(ctx, `SELECT
		count(CASE WHEN status='completed' THEN 1 END),
		count(*)
		FROM tasks WHERE type=? AND status IN ('completed','failed')`, taskType)
	if err := row.Scan(&completed, &terminal); err != nil {
		return 0, 0, err
	}
	if terminal == 0 {
		return 0, 0, nil
	}
	return float64(completed) / float64(terminal), terminal, nil
}

func (s Store) GetTrustRecord(ctx context.Context, department string) (domain.TrustRecord, error) {
	var r domain.TrustRecord
	row := s.DB.QueryRowContext(ctx, `SELECT department,trust_score,autonomy_level,task_count,success_count,version,updated_at FROM trust_records WHERE department=?`, department)
	err := row.Scan(&r.Department, &r.TrustScore, &r.AutonomyLevel, &r.TaskCount, &r.SuccessCount, &r.Version, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

func (s Store) ListTrustRecords(ctx context.Context) ([]domain.TrustRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT department,trust_score,autonomy_level,task_count,success_count,version,updated_at FROM trust_records ORDER BY department`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrustRecord
	for rows.Next() {
		var r domain.TrustRecord
		if err := rows.Scan(&r.Department, &r.TrustScore, &r.AutonomyLevel, &r.TaskCount, &r.SuccessCount, &r.Version, &r.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// UpsertTrustRecord writes a trust record conditionally on expectedVersion;
// expectedVersion 0 means the record must not exist yet.
func (s Store) UpsertTrustRecord(ctx context.Context, tx *sql.Tx, r domain.TrustRecord, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO trust_records(department,trust_score,autonomy_level,task_count,success_count,version,updated_at) VALUES (?,?,?,?,?,?,?)`,
			r.Department, r.TrustScore, r.AutonomyLevel, r.TaskCount, r.SuccessCount, r.Version, r.UpdatedAt)
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE trust_records SET trust_score=?, autonomy_level=?, task_count=?, success_count=?, version=?, updated_at=? WHERE department=? AND version=?`,
		r.TrustScore, r.AutonomyLevel, r.TaskCount, r.SuccessCount, r.Version, r.UpdatedAt, r.Department, expectedVersion)
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
