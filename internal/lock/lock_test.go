package lock_test

import (
	"context"
	"testing"
	"time"

	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/lock"
	"reelforge/internal/migrate"
)

func newCoordinator(t *testing.T, ttl time.Duration) *lock.Coordinator {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return lock.New(conn, ttl, 5*time.Minute)
}

func TestAcquireDeniesSecondOwner(t *testing.T) {
	c := newCoordinator(t, time.Minute)
	ctx := context.Background()

	ok, _, err := c.TryAcquire(ctx, "shorts:daily", "job-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, holder, err := c.TryAcquire(ctx, "shorts:daily", "job-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("live lock handed to a second owner")
	}
	if holder.OwnerID != "job-1" {
		t.Fatalf("holder %s, want job-1", holder.OwnerID)
	}

	// Distinct keys do not contend.
	ok, _, err = c.TryAcquire(ctx, "reels:daily", "job-2")
	if err != nil || !ok {
		t.Fatalf("different key: ok=%v err=%v", ok, err)
	}
}

func TestReacquireBySameOwnerRefreshes(t *testing.T) {
	c := newCoordinator(t, time.Minute)
	ctx := context.Background()

	ok, first, err := c.TryAcquire(ctx, "slot", "job-1")
	if err != nil || !ok {
		t.Fatalf("acquire: %v", err)
	}
	c.Now = func() time.Time { return time.Now().Add(30 * time.Second) }
	ok, second, err := c.TryAcquire(ctx, "slot", "job-1")
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	if second.ExpiresAt <= first.ExpiresAt {
		t.Fatalf("expiry not refreshed: %s -> %s", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestExpiredLockIsStolen(t *testing.T) {
	c := newCoordinator(t, time.Minute)
	ctx := context.Background()

	if ok, _, err := c.TryAcquire(ctx, "slot", "dead-job"); err != nil || !ok {
		t.Fatalf("acquire: %v", err)
	}
	// Advance past the TTL; the lease is now stealable.
	c.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, l, err := c.TryAcquire(ctx, "slot", "job-2")
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if !ok || l.OwnerID != "job-2" {
		t.Fatalf("expired lock not stolen: ok=%v owner=%s", ok, l.OwnerID)
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	c := newCoordinator(t, time.Minute)
	ctx := context.Background()

	if ok, _, err := c.TryAcquire(ctx, "slot", "job-1"); err != nil || !ok {
		t.Fatalf("acquire: %v", err)
	}
	// A release by someone else is a no-op.
	if err := c.Release(ctx, "slot", "job-2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if ok, _, err := c.TryAcquire(ctx, "slot", "job-3"); err != nil || ok {
		t.Fatalf("lock vanished after foreign release")
	}

	if err := c.Release(ctx, "slot", "job-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if ok, _, err := c.TryAcquire(ctx, "slot", "job-3"); err != nil || !ok {
		t.Fatalf("slot not free after owner release: %v", err)
	}
}

func TestFindDuplicateHonorsWindowAndState(t *testing.T) {
	c := newCoordinator(t, time.Minute)
	ctx := context.Background()
	r := c.Repo

	insert := func(id, hash, state, createdAt string) {
		t.Helper()
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		err = r.InsertJob(ctx, tx, domain.Job{
			ID:          id,
			TenantID:    "t",
			Platform:    "shorts",
			Topic:       "x",
			RequestHash: hash,
			State:       state,
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now().UTC()
	recent := now.Add(-time.Minute).Format(time.RFC3339)
	stale := now.Add(-time.Hour).Format(time.RFC3339)

	insert("old-job", "hash-a", domain.JobAccepted, stale)
	if _, found, err := c.FindDuplicate(ctx, "hash-a"); err != nil || found {
		t.Fatalf("job outside the window must not dedupe (found=%v err=%v)", found, err)
	}

	insert("failed-job", "hash-b", domain.JobFailed, recent)
	if _, found, err := c.FindDuplicate(ctx, "hash-b"); err != nil || found {
		t.Fatalf("failed job must not dedupe (found=%v err=%v)", found, err)
	}

	insert("live-job", "hash-c", domain.JobRunning, recent)
	dup, found, err := c.FindDuplicate(ctx, "hash-c")
	if err != nil || !found {
		t.Fatalf("running job should dedupe (err=%v)", err)
	}
	if dup.ID != "live-job" {
		t.Fatalf("dedupe returned %s", dup.ID)
	}
}
