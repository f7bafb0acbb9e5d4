package repo

import (
	"context"
	"database/sql"
	"strings"

	"reelforge/internal/domain"
)

const memoryColumns = `id,type,reference_id,platform,score,reuse_count,created_at,updated_at`

func scanMemory(scan func(dest ...any) error) (domain.Memory, error) {
	var m domain.Memory
	err := scan(&m.ID, &m.Type, &m.ReferenceID, &m.Platform, &m.Score, &m.ReuseCount, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// GetMemoryTx reads one memory row inside a transaction so the caller's
// read-modify-write of the running average is not interleaved with another
// commit for the same key.
func (r Repo) GetMemoryTx(ctx context.Context, tx *sql.Tx, memType, referenceID, platform string) (domain.Memory, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE type=? AND reference_id=? AND platform=?`,
		memType, referenceID, platform)
	return scanMemory(row.Scan)
}

func (r Repo) InsertMemory(ctx context.Context, tx *sql.Tx, m domain.Memory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memories(`+memoryColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Type, m.ReferenceID, m.Platform, m.Score, m.ReuseCount, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) UpdateMemory(ctx context.Context, tx *sql.Tx, m domain.Memory) error {
	_, err := tx.ExecContext(ctx, `UPDATE memories SET score=?, reuse_count=?, updated_at=? WHERE id=?`,
		m.Score, m.ReuseCount, m.UpdatedAt, m.ID)
	return err
}

type MemoryFilters struct {
	Type     string
	Platform string
	Limit    int
}

// ListMemories returns memories ordered by score descending.
func (r Repo) ListMemories(ctx context.Context, f MemoryFilters) ([]domain.Memory, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform=?")
		args = append(args, f.Platform)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + memoryColumns + ` FROM memories ` + where + ` ORDER BY score DESC, reuse_count DESC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertMemoryUsage(ctx context.Context, tx *sql.Tx, memoryID, jobID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memory_usage(memory_id,job_id,created_at) VALUES (?,?,?)`,
		memoryID, jobID, createdAt)
	return err
}

// ListMemoryUsage returns the jobs that consumed a memory entry.
func (r Repo) ListMemoryUsage(ctx context.Context, memoryID string) ([]domain.MemoryUsage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,memory_id,job_id,created_at FROM memory_usage WHERE memory_id=? ORDER BY id ASC`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemoryUsage
	for rows.Next() {
		var u domain.MemoryUsage
		if err := rows.Scan(&u.ID, &u.MemoryID, &u.JobID, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
