package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the orchestration loop.
const (
	JobSubmitted      = "job.submitted"
	JobStarted        = "job.started"
	JobCancelled      = "job.cancelled"
	PlanCreated       = "plan.created"
	GenerationStarted = "generation.started"
	ScoringStarted    = "scoring.started"
	Accepted          = "accepted"
	RetryTriggered    = "retry_triggered"
	MutationApplied   = "mutation_applied"
	RetriesExhausted  = "retries_exhausted"
	ExecutorFailed    = "executor_failed"
	MemoryCommitted   = "memory_committed"
	LockDenied        = "lock_denied"
	DedupeHit         = "dedupe_hit"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// execer lets Append run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one audit event inside the given transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, jobID, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, tx, evtType, jobID, entityKind, entityID, payload)
}

// AppendDirect writes one audit event outside a transaction. Used for
// write-ahead records that must survive even if the step that follows
// crashes before committing.
func (w Writer) AppendDirect(ctx context.Context, evtType, jobID, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, w.DB, evtType, jobID, entityKind, entityID, payload)
}

func (w Writer) append(ctx context.Context, ex execer, evtType, jobID, entityKind, entityID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(jobID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
