package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"reelforge/internal/domain"
)

// InsertStory writes a story and its scenes in one transaction.
func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(id,job_id,plan_id,attempt,total_duration,superseded,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.JobID, s.PlanID, s.Attempt, s.TotalDuration, boolInt(s.Superseded), s.CreatedAt)
	if err != nil {
		return err
	}
	for _, sc := range s.Scenes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO story_scenes(id,story_id,idx,start_offset,end_offset,purpose,narration,visual_directive) VALUES (?,?,?,?,?,?,?,?)`,
			sc.ID, s.ID, sc.Index, sc.Start, sc.End, sc.Purpose, sc.Narration, sc.VisualDirective); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	var s domain.Story
	var superseded int
	err := r.DB.QueryRowContext(ctx, `SELECT id,job_id,plan_id,attempt,total_duration,superseded,created_at FROM stories WHERE id=?`, id).
		Scan(&s.ID, &s.JobID, &s.PlanID, &s.Attempt, &s.TotalDuration, &superseded, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Superseded = superseded != 0
	s.Scenes, err = r.listScenes(ctx, s.ID)
	return s, err
}

func (r Repo) listScenes(ctx context.Context, storyID string) ([]domain.Scene, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,story_id,idx,start_offset,end_offset,purpose,narration,visual_directive FROM story_scenes WHERE story_id=? ORDER BY idx ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		var sc domain.Scene
		if err := rows.Scan(&sc.ID, &sc.StoryID, &sc.Index, &sc.Start, &sc.End, &sc.Purpose, &sc.Narration, &sc.VisualDirective); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// SupersedeStories marks every story of a job superseded. Called before a
// retry attempt writes its replacement; history rows are never deleted.
func (r Repo) SupersedeStories(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stories SET superseded=1 WHERE job_id=?`, jobID)
	return err
}

func (r Repo) InsertScore(ctx context.Context, tx *sql.Tx, s domain.Score) error {
	dims, err := json.Marshal(s.Dimensions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO critic_scores(id,story_id,job_id,total,dimensions_json,verdict,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.StoryID, s.JobID, s.Total, string(dims), s.Verdict, s.CreatedAt)
	return err
}

func (r Repo) GetScoreByStory(ctx context.Context, storyID string) (domain.Score, error) {
	var s domain.Score
	var dims string
	err := r.DB.QueryRowContext(ctx, `SELECT id,story_id,job_id,total,dimensions_json,verdict,created_at FROM critic_scores WHERE story_id=?`, storyID).
		Scan(&s.ID, &s.StoryID, &s.JobID, &s.Total, &dims, &s.Verdict, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(dims), &s.Dimensions); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	weak, err := json.Marshal(f.WeakDimensions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO critic_feedback(score_id,weak_dimensions_json,notes) VALUES (?,?,?)`,
		f.ScoreID, string(weak), f.Notes)
	return err
}

func (r Repo) GetFeedback(ctx context.Context, scoreID string) (domain.Feedback, error) {
	var f domain.Feedback
	var weak string
	err := r.DB.QueryRowContext(ctx, `SELECT score_id,weak_dimensions_json,notes FROM critic_feedback WHERE score_id=?`, scoreID).
		Scan(&f.ScoreID, &weak, &f.Notes)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(weak), &f.WeakDimensions); err != nil {
		return f, err
	}
	return f, nil
}
