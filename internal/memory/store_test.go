package memory_test

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"reelforge/internal/db"
	"reelforge/internal/memory"
	"reelforge/internal/migrate"
	"reelforge/internal/repo"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return memory.New(conn, 0.05)
}

func TestCommitInsertsThenAveragesScore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m, err := s.Commit(ctx, "hook", "question", "shorts", "job-1", 0.6)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if m.ReuseCount != 1 || m.Score != 0.6 {
		t.Fatalf("first commit: reuse=%d score=%.3f", m.ReuseCount, m.Score)
	}

	m, err = s.Commit(ctx, "hook", "question", "shorts", "job-2", 0.8)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	m, err = s.Commit(ctx, "hook", "question", "shorts", "job-3", 1.0)
	if err != nil {
		t.Fatalf("third commit: %v", err)
	}
	if m.ReuseCount != 3 {
		t.Fatalf("reuse count %d, want 3", m.ReuseCount)
	}
	if math.Abs(m.Score-0.8) > 1e-9 {
		t.Fatalf("running mean %.6f, want 0.8", m.Score)
	}

	usages, err := s.Repo.ListMemoryUsage(ctx, m.ID)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usages) != 3 {
		t.Fatalf("usage rows %d, want 3", len(usages))
	}
}

func TestCommitKeysAreIndependent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Commit(ctx, "hook", "question", "shorts", "job-1", 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, "hook", "question", "tiktok", "job-1", 0.3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, "persona", "question", "shorts", "job-1", 0.5); err != nil {
		t.Fatal(err)
	}

	mems, err := s.Repo.ListMemories(ctx, repo.MemoryFilters{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 3 {
		t.Fatalf("expected 3 independent memories, got %d", len(mems))
	}
}

func TestConcurrentCommitsLoseNoUpdates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Commit(ctx, "persona", "hype-friend", "shorts", "job-x", 0.5); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit: %v", err)
	}

	mems, err := s.Repo.ListMemories(ctx, repo.MemoryFilters{Type: "persona", Platform: "shorts"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 {
		t.Fatalf("expected a single memory row, got %d", len(mems))
	}
	if mems[0].ReuseCount != n {
		t.Fatalf("reuse count %d, want %d", mems[0].ReuseCount, n)
	}
	if math.Abs(mems[0].Score-0.5) > 1e-9 {
		t.Fatalf("score drifted to %.6f", mems[0].Score)
	}
}

func TestSampleColdStoreIsUniform(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(1))
	candidates := []string{"a", "b", "c"}

	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		id, err := s.Sample(ctx, "hook", "shorts", candidates, rnd.Float64())
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		counts[id]++
	}
	for _, id := range candidates {
		if counts[id] < 800 {
			t.Fatalf("cold draw heavily skewed: %v", counts)
		}
	}
}

func TestSampleBiasesTowardHigherScores(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Commit(ctx, "hook", "strong", "shorts", "job-1", 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, "hook", "weak", "shorts", "job-2", 0.1); err != nil {
		t.Fatal(err)
	}

	rnd := rand.New(rand.NewSource(7))
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		id, err := s.Sample(ctx, "hook", "shorts", []string{"strong", "weak", "unseen"}, rnd.Float64())
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		counts[id]++
	}
	if counts["strong"] <= counts["weak"] {
		t.Fatalf("bias inverted: %v", counts)
	}
	// The floor keeps patterns without history reachable.
	if counts["unseen"] == 0 {
		t.Fatalf("floor failed to surface unseen candidate: %v", counts)
	}
	// weight(strong)=0.95 vs weight(weak)=0.15: expect a large gap.
	if counts["strong"] < 4*counts["weak"] {
		t.Fatalf("bias weaker than weights imply: %v", counts)
	}
}

func TestSampleScopedByPlatform(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Commit(ctx, "hook", "question", "tiktok", "job-1", 1.0); err != nil {
		t.Fatal(err)
	}

	// Scores for tiktok must not bias shorts sampling.
	rnd := rand.New(rand.NewSource(3))
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		id, err := s.Sample(ctx, "hook", "shorts", []string{"question", "shock"}, rnd.Float64())
		if err != nil {
			t.Fatal(err)
		}
		counts[id]++
	}
	if counts["shock"] < 700 {
		t.Fatalf("cross-platform leak in sampling: %v", counts)
	}
}
