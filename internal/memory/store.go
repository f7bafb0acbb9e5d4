// Package memory is the store of previously accepted creative patterns.
// Reads bias future planning toward high scorers; Commit is the only
// mutator and is atomic per (type, reference_id, platform) key.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/domain"
	"reelforge/internal/events"
	"reelforge/internal/repo"
)

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Floor is the minimum sampling weight so rarely-tried patterns keep
	// getting occasional exposure.
	Floor float64
	Now   func() time.Time

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func New(db *sql.DB, floor float64) *Store {
	return &Store{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Floor:    floor,
		Now:      time.Now,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// Sample picks one candidate reference id, weighted floor+score over the
// stored memories for (memType, platform). Candidates without a memory row
// carry the bare floor, so a cold store degenerates to a uniform draw. The
// caller supplies draw, uniform in [0, 1), and keeps its random source out
// of the query path.
func (s *Store) Sample(ctx context.Context, memType, platform string, candidates []string, draw float64) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates for %s sampling", memType)
	}
	known, err := s.Repo.ListMemories(ctx, repo.MemoryFilters{Type: memType, Platform: platform})
	if err != nil {
		return "", err
	}
	scores := make(map[string]float64, len(known))
	for _, m := range known {
		scores[m.ReferenceID] = m.Score
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, id := range candidates {
		weights[i] = s.Floor + scores[id]
		total += weights[i]
	}
	target := draw * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// Commit records an accepted outcome for a pattern: inserts a new memory on
// first acceptance, otherwise folds observedScore into the running average
// and increments reuse_count. The read-modify-write runs under a per-key
// lock and a single transaction so concurrent acceptances of the same
// pattern never lose updates. A memory_committed event and a usage row are
// written in the same transaction.
func (s *Store) Commit(ctx context.Context, memType, referenceID, platform, jobID string, observedScore float64) (domain.Memory, error) {
	key := memType + "|" + referenceID + "|" + platform
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Memory{}, err
	}
	defer tx.Rollback()

	m, err := s.Repo.GetMemoryTx(ctx, tx, memType, referenceID, platform)
	switch {
	case err == nil:
		m.Score += (observedScore - m.Score) / float64(m.ReuseCount+1)
		m.ReuseCount++
		m.UpdatedAt = now
		if err := s.Repo.UpdateMemory(ctx, tx, m); err != nil {
			return domain.Memory{}, fmt.Errorf("update memory: %w", err)
		}
	case err == repo.ErrNotFound:
		m = domain.Memory{
			ID:          uuid.New().String(),
			Type:        memType,
			ReferenceID: referenceID,
			Platform:    platform,
			Score:       observedScore,
			ReuseCount:  1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.InsertMemory(ctx, tx, m); err != nil {
			return domain.Memory{}, fmt.Errorf("insert memory: %w", err)
		}
	default:
		return domain.Memory{}, err
	}

	if err := s.Repo.InsertMemoryUsage(ctx, tx, m.ID, jobID, now); err != nil {
		return domain.Memory{}, fmt.Errorf("insert memory usage: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.MemoryCommitted, jobID, "memory", m.ID, events.EventPayload{
		"type":         memType,
		"reference_id": referenceID,
		"platform":     platform,
		"score":        m.Score,
		"reuse_count":  m.ReuseCount,
	}); err != nil {
		return domain.Memory{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Memory{}, err
	}
	return m, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
