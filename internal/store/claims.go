package store

import (
	"context"
	"database/sql"
	"time"

	"taskline/internal/domain"
)

// AcquireClaim takes the claim on a task, or refreshes it when the caller
// already holds it. The conflict clause lets an owner steal a claim only
// once the previous lease has lapsed, so two live workers can never both
// hold the same task.
func (s Store) AcquireClaim(ctx context.Context, taskID, ownerID string, now time.Time, ttl time.Duration) (domain.Claim, error) {
	c := domain.Claim{
		TaskID:     taskID,
		OwnerID:    ownerID,
		AcquiredAt: now.UTC().Format(time.RFC3339),
		ExpiresAt:  now.UTC().Add(ttl).Format(time.RFC3339),
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO claims(task_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
		WHERE claims.expires_at <= excluded.acquired_at OR claims.owner_id = excluded.owner_id`,
		c.TaskID, c.OwnerID, c.AcquiredAt, c.ExpiresAt)
	if err != nil {
		return domain.Claim{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Claim{}, err
	}
	if affected == 0 {
		return domain.Claim{}, ErrClaimHeld
	}
	return c, nil
}

// ReleaseClaim drops the claim if ownerID still holds it. Releasing a claim
// that expired and was taken over is a no-op, not an error.
func (s Store) ReleaseClaim(ctx context.Context, taskID, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM claims WHERE task_id=? AND owner_id=?`, taskID, ownerID)
	return err
}

func (s Store) GetClaim(ctx context.Context, taskID string) (domain.Claim, error) {
	var c domain.Claim
	row := s.DB.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM claims WHERE task_id=?`, taskID)
	err := row.Scan(&c.TaskID, &c.OwnerID, &c.AcquiredAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListExpiredClaims returns claims whose lease lapsed before now. The reaper
// uses this to log takeovers; acquisition itself never needs it.
func (s Store) ListExpiredClaims(ctx context.Context, now time.Time) ([]domain.Claim, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM claims WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.TaskID, &c.OwnerID, &c.AcquiredAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s Store) DeleteClaim(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM claims WHERE task_id=?`, taskID)
	return err
}
