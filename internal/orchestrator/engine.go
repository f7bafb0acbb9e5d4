// Package orchestrator drives the generate/score/retry loop for video jobs.
// All state transitions are persisted before the step they announce runs, so
// a crashed worker leaves an audit trail that explains where it died.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/catalog"
	"reelforge/internal/config"
	"reelforge/internal/critic"
	"reelforge/internal/domain"
	"reelforge/internal/events"
	"reelforge/internal/executor"
	"reelforge/internal/lock"
	"reelforge/internal/memory"
	"reelforge/internal/policy"
	"reelforge/internal/repo"
)

var (
	ErrJobTerminal = errors.New("job already in a terminal state")
	ErrTenantBusy  = errors.New("tenant concurrency limit reached")
)

// ScheduleLockedError reports a denied schedule slot along with its holder.
type ScheduleLockedError struct {
	Key    string
	Holder string
}

func (e ScheduleLockedError) Error() string {
	return fmt.Sprintf("schedule key %q is held by job %s", e.Key, e.Holder)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Policies policy.Catalog
	Catalog  catalog.Catalog
	Memory   *memory.Store
	Locks    *lock.Coordinator
	Critic   critic.Critic
	Executor executor.StoryExecutor
	Now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, exec executor.StoryExecutor, cr critic.Critic) *Engine {
	maxJobs := cfg.Loop.MaxJobsPerTenant
	if maxJobs <= 0 {
		maxJobs = 1
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Policies: policy.NewCatalog(cfg),
		Catalog:  catalog.New(cfg.Catalogs),
		Memory:   memory.New(db, cfg.Loop.SampleFloor),
		Locks: lock.New(db,
			time.Duration(cfg.Loop.LockTTLSeconds)*time.Second,
			time.Duration(cfg.Loop.DedupeWindowSeconds)*time.Second),
		Critic:   cr,
		Executor: exec,
		Now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cancels:  map[string]context.CancelFunc{},
		baseCtx:  baseCtx,
		stop:     stop,
		sem:      make(chan struct{}, maxJobs),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitRequest is one creative brief from a caller.
type SubmitRequest struct {
	TenantID    string
	Platform    string
	Topic       string
	Audience    string
	ScheduleKey string
}

// SubmitResult reports the job a request resolved to. Deduped is true when
// an equivalent in-flight request already existed and no new job was made.
type SubmitResult struct {
	Job     domain.Job
	Deduped bool
}

// Submit validates, dedupes and enqueues a job, then starts its loop in the
// background. A request whose platform has no policy is recorded as a failed
// job rather than rejected silently, so the miss shows up in the audit log.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Topic == "" {
		return SubmitResult{}, errors.New("topic is required")
	}
	if req.Platform == "" {
		return SubmitResult{}, errors.New("platform is required")
	}
	if req.TenantID == "" {
		req.TenantID = e.Config.Tenant.ID
	}

	hash := RequestHash(req)

	if dup, ok, err := e.Locks.FindDuplicate(ctx, hash); err != nil {
		return SubmitResult{}, fmt.Errorf("dedupe lookup: %w", err)
	} else if ok {
		if err := e.Events.AppendDirect(ctx, events.DedupeHit, dup.ID, "job", dup.ID,
			events.EventPayload{"request_hash": hash}); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Job: dup, Deduped: true}, nil
	}

	counts, err := e.Repo.CountJobsByState(ctx, req.TenantID)
	if err != nil {
		return SubmitResult{}, err
	}
	if max := e.Config.Loop.MaxJobsPerTenant; max > 0 && counts[domain.JobQueued]+counts[domain.JobRunning] >= max {
		return SubmitResult{}, ErrTenantBusy
	}

	jobID := uuid.NewString()

	if req.ScheduleKey != "" {
		ok, holder, err := e.Locks.TryAcquire(ctx, req.ScheduleKey, jobID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("acquire schedule lock: %w", err)
		}
		if !ok {
			if err := e.Events.AppendDirect(ctx, events.LockDenied, holder.OwnerID, "schedule_lock", req.ScheduleKey,
				events.EventPayload{"holder": holder.OwnerID, "expires_at": holder.ExpiresAt}); err != nil {
				return SubmitResult{}, err
			}
			return SubmitResult{}, ScheduleLockedError{Key: req.ScheduleKey, Holder: holder.OwnerID}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	job := domain.Job{
		ID:          jobID,
		TenantID:    req.TenantID,
		Platform:    req.Platform,
		Topic:       req.Topic,
		Audience:    req.Audience,
		ScheduleKey: req.ScheduleKey,
		RequestHash: hash,
		State:       domain.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := e.Policies.Get(req.Platform); err != nil {
		var nf policy.NotFoundError
		if !errors.As(err, &nf) {
			return SubmitResult{}, err
		}
		job.State = domain.JobFailed
		reason := domain.ReasonPolicyMissing
		job.FailureReason = &reason
		job.CompletedAt = &now
		if err := e.persistSubmitted(ctx, job, events.EventPayload{"failure_reason": reason}); err != nil {
			return SubmitResult{}, err
		}
		e.releaseLock(job)
		return SubmitResult{Job: job}, nil
	}

	if err := e.persistSubmitted(ctx, job, events.EventPayload{"platform": job.Platform, "request_hash": hash}); err != nil {
		e.releaseLock(job)
		return SubmitResult{}, err
	}

	e.start(job.ID)
	return SubmitResult{Job: job}, nil
}

func (e *Engine) persistSubmitted(ctx context.Context, job domain.Job, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobSubmitted, job.ID, "job", job.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// start launches the run loop for a queued job.
func (e *Engine) start(jobID string) {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, jobID)
			e.mu.Unlock()
		}()
		e.run(runCtx, jobID)
	}()
}

// Cancel requests cooperative cancellation of a queued or running job. The
// loop observes it at the next suspension point; if no loop is live (for
// example after a restart), the job is finalized here directly.
func (e *Engine) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	switch job.State {
	case domain.JobQueued, domain.JobRunning:
	default:
		return job, ErrJobTerminal
	}

	e.mu.Lock()
	cancel, live := e.cancels[jobID]
	e.mu.Unlock()
	if live {
		cancel()
		return job, nil
	}

	if err := e.finalize(context.WithoutCancel(ctx), job, domain.JobCancelled, domain.ReasonCancelled, nil); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, jobID)
}

// Recover restarts loops for jobs that were queued or running when the
// process last stopped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	restarted := 0
	for _, state := range []string{domain.JobQueued, domain.JobRunning} {
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{State: state, Limit: 1000})
		if err != nil {
			return restarted, err
		}
		for _, j := range jobs {
			e.start(j.ID)
			restarted++
		}
	}
	return restarted, nil
}

// Shutdown cancels every live loop and waits for them to finalize.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

// Status is the composed view of one job for callers polling progress.
type Status struct {
	Job      domain.Job       `json:"job"`
	Plan     *domain.Plan     `json:"plan,omitempty"`
	History  []domain.Plan    `json:"history,omitempty"`
	Story    *domain.Story    `json:"story,omitempty"`
	Score    *domain.Score    `json:"score,omitempty"`
	Feedback *domain.Feedback `json:"feedback,omitempty"`
	Events   []domain.Event   `json:"events,omitempty"`
}

func (e *Engine) GetStatus(ctx context.Context, jobID string) (Status, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Job: job}

	if plan, err := e.Repo.CurrentPlan(ctx, jobID); err == nil {
		st.Plan = &plan
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Status{}, err
	}
	history, err := e.Repo.ListPlans(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	if len(history) > 1 {
		st.History = history
	}

	if job.AcceptedStoryID != nil {
		story, err := e.Repo.GetStory(ctx, *job.AcceptedStoryID)
		if err != nil {
			return Status{}, err
		}
		st.Story = &story
		if score, err := e.Repo.GetScoreByStory(ctx, story.ID); err == nil {
			st.Score = &score
			if fb, err := e.Repo.GetFeedback(ctx, score.ID); err == nil {
				st.Feedback = &fb
			} else if !errors.Is(err, repo.ErrNotFound) {
				return Status{}, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return Status{}, err
		}
	}

	evts, err := e.Repo.LatestEvents(ctx, 50, jobID, "", "")
	if err != nil {
		return Status{}, err
	}
	st.Events = evts
	return st, nil
}

func (e *Engine) releaseLock(job domain.Job) {
	if job.ScheduleKey == "" {
		return
	}
	// Release runs on a background context so cancellation of the job does
	// not leak its schedule slot until the TTL expires.
	ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	_ = e.Locks.Release(ctx, job.ScheduleKey, job.ID)
}
