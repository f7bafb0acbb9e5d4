package repo

import (
	"context"
	"database/sql"

	"reelforge/internal/domain"
)

func (r Repo) GetLock(ctx context.Context, key string) (domain.ScheduleLock, error) {
	var l domain.ScheduleLock
	err := r.DB.QueryRowContext(ctx, `SELECT key,owner_id,acquired_at,expires_at FROM schedule_locks WHERE key=?`, key).
		Scan(&l.Key, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// AcquireLock writes the lease only when the slot is free, expired, or held
// by the same owner. The guard lives in the upsert itself, so two racing
// acquirers serialize inside sqlite and exactly one writes a row.
func (r Repo) AcquireLock(ctx context.Context, l domain.ScheduleLock, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO schedule_locks(key,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE schedule_locks.owner_id=excluded.owner_id OR schedule_locks.expires_at<=?`,
		l.Key, l.OwnerID, l.AcquiredAt, l.ExpiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteLock removes a lock only if held by the given owner.
func (r Repo) DeleteLock(ctx context.Context, tx *sql.Tx, key, ownerID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM schedule_locks WHERE key=? AND owner_id=?`, key, ownerID)
	return err
}
