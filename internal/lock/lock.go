// Package lock coordinates schedule slots and request deduplication. Locks
// are TTL leases in sqlite so a crashed worker never wedges a slot.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reelforge/internal/domain"
	"reelforge/internal/repo"
)

type Coordinator struct {
	DB           *sql.DB
	Repo         repo.Repo
	TTL          time.Duration
	DedupeWindow time.Duration
	Now          func() time.Time
}

func New(db *sql.DB, ttl, dedupeWindow time.Duration) *Coordinator {
	return &Coordinator{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		TTL:          ttl,
		DedupeWindow: dedupeWindow,
		Now:          time.Now,
	}
}

// TryAcquire takes the lease for a schedule key. It returns false and the
// current holder when another live owner has it; expired leases are stolen.
// Re-acquiring by the same owner refreshes the expiry.
func (c *Coordinator) TryAcquire(ctx context.Context, key, ownerID string) (bool, domain.ScheduleLock, error) {
	for {
		now := c.Now().UTC()
		l := domain.ScheduleLock{
			Key:        key,
			OwnerID:    ownerID,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(c.TTL).Format(time.RFC3339),
		}
		won, err := c.Repo.AcquireLock(ctx, l, now.Format(time.RFC3339))
		if err != nil {
			return false, domain.ScheduleLock{}, fmt.Errorf("acquire lock: %w", err)
		}
		if won {
			return true, l, nil
		}
		cur, err := c.Repo.GetLock(ctx, key)
		if errors.Is(err, repo.ErrNotFound) {
			// Holder released between the write and the read.
			continue
		}
		if err != nil {
			return false, domain.ScheduleLock{}, err
		}
		return false, cur, nil
	}
}

// Release drops the lease if this owner still holds it. Releasing a lock
// taken over by another owner is a no-op.
func (c *Coordinator) Release(ctx context.Context, key, ownerID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.DeleteLock(ctx, tx, key, ownerID); err != nil {
		return err
	}
	return tx.Commit()
}

// FindDuplicate reports an in-flight or accepted job with the same request
// hash inside the dedupe window. Failed and cancelled jobs never match.
func (c *Coordinator) FindDuplicate(ctx context.Context, requestHash string) (domain.Job, bool, error) {
	cutoff := c.Now().UTC().Add(-c.DedupeWindow).Format(time.RFC3339)
	j, err := c.Repo.RecentJobByHash(ctx, requestHash, cutoff)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return j, true, nil
}
