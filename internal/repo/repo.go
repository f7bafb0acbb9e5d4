package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reelforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,tenant_id,platform,topic,audience,schedule_key,request_hash,state,failure_reason,accepted_story_id,created_at,updated_at,completed_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var audience, scheduleKey, failureReason, acceptedStoryID, completedAt sql.NullString
	err := scan(&j.ID, &j.TenantID, &j.Platform, &j.Topic, &audience, &scheduleKey, &j.RequestHash,
		&j.State, &failureReason, &acceptedStoryID, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if audience.Valid {
		j.Audience = audience.String
	}
	if scheduleKey.Valid {
		j.ScheduleKey = scheduleKey.String
	}
	if failureReason.Valid {
		j.FailureReason = &failureReason.String
	}
	if acceptedStoryID.Valid {
		j.AcceptedStoryID = &acceptedStoryID.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.Platform, j.Topic, nullable(j.Audience), nullable(j.ScheduleKey), j.RequestHash,
		j.State, nullableStringPtr(j.FailureReason), nullableStringPtr(j.AcceptedStoryID),
		j.CreatedAt, j.UpdatedAt, nullableStringPtr(j.CompletedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// UpdateJobState moves a job to a new state, recording the failure reason
// and accepted story reference on terminal states.
func (r Repo) UpdateJobState(ctx context.Context, tx *sql.Tx, id, state, updatedAt string, failureReason, acceptedStoryID, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, failure_reason=?, accepted_story_id=?, updated_at=?, completed_at=? WHERE id=?`,
		state, nullableStringPtr(failureReason), nullableStringPtr(acceptedStoryID), updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentJobByHash returns the newest job with the given request hash
// submitted at or after the cutoff. Terminal failed/cancelled jobs do not
// dedupe: resubmitting a failed request is allowed.
func (r Repo) RecentJobByHash(ctx context.Context, hash, cutoff string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE request_hash=? AND created_at>=? AND state NOT IN ('failed','cancelled')
ORDER BY created_at DESC, id DESC LIMIT 1`, hash, cutoff)
	return scanJob(row.Scan)
}

// ActiveJobByScheduleKey returns the in-flight job holding a schedule key.
func (r Repo) ActiveJobByScheduleKey(ctx context.Context, key string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE schedule_key=? AND state IN ('queued','running')
ORDER BY created_at DESC, id DESC LIMIT 1`, key)
	return scanJob(row.Scan)
}

type JobFilters struct {
	TenantID        string
	Platform        string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform=?")
		args = append(args, f.Platform)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountJobsByState(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM jobs WHERE tenant_id=? GROUP BY state`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

const planColumns = `id,job_id,persona_id,emotion_curve_id,hook_type,retry_limit,current_retry,status,explored,superseded,created_at,updated_at`

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var explored, superseded int
	err := scan(&p.ID, &p.JobID, &p.PersonaID, &p.EmotionCurveID, &p.HookType,
		&p.RetryLimit, &p.CurrentRetry, &p.Status, &explored, &superseded, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Explored = explored != 0
	p.Superseded = superseded != 0
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.JobID, p.PersonaID, p.EmotionCurveID, p.HookType, p.RetryLimit, p.CurrentRetry,
		p.Status, boolInt(p.Explored), boolInt(p.Superseded), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `UPDATE plans SET persona_id=?, emotion_curve_id=?, hook_type=?, current_retry=?, status=?, superseded=?, updated_at=? WHERE id=?`,
		p.PersonaID, p.EmotionCurveID, p.HookType, p.CurrentRetry, p.Status, boolInt(p.Superseded), p.UpdatedAt, p.ID)
	return err
}

// CurrentPlan returns the job's non-superseded plan.
func (r Repo) CurrentPlan(ctx context.Context, jobID string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE job_id=? AND superseded=0 ORDER BY created_at DESC, id DESC LIMIT 1`, jobID)
	return scanPlan(row.Scan)
}

// ListPlans returns all plans for a job, oldest first, including the
// superseded history.
func (r Repo) ListPlans(ctx context.Context, jobID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest-first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, jobID, evtType, entityKind string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, jobID, evtType, entityKind)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, jobID, evtType, entityKind string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. This is the single-job ordered view used for audit.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var jobID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &jobID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
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
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
