package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/config"
	"reelforge/internal/critic"
	"reelforge/internal/domain"
	"reelforge/internal/events"
	"reelforge/internal/executor"
	"reelforge/internal/repo"
)

// run owns one job from queued to a terminal state. Persistence errors here
// have no caller to return to, so they are logged and the job is failed.
func (e *Engine) run(ctx context.Context, jobID string) {
	job, err := e.Repo.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		log.Printf("orchestrator: load job %s: %v", jobID, err)
		return
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.abort(job, domain.ReasonCancelled)
		return
	}

	pol, err := e.Policies.Get(job.Platform)
	if err != nil {
		e.failJob(job, domain.Plan{}, domain.ReasonPolicyMissing, nil)
		return
	}

	if err := e.markRunning(ctx, job); err != nil {
		log.Printf("orchestrator: job %s start: %v", jobID, err)
		return
	}

	plan, err := e.resumeOrPlan(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			e.abort(job, domain.ReasonCancelled)
			return
		}
		log.Printf("orchestrator: job %s planning: %v", jobID, err)
		e.failJob(job, domain.Plan{}, domain.ReasonExecutorUnavailable, events.EventPayload{"error": err.Error()})
		return
	}

	e.loop(ctx, job, plan, pol)
}

func (e *Engine) markRunning(ctx context.Context, job domain.Job) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateJobState(ctx, tx, job.ID, domain.JobRunning, now, nil, nil, nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.JobStarted, job.ID, "job", job.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// resumeOrPlan returns the job's current plan, creating one from memory
// sampling when the job has never been planned. Restarted jobs keep their
// plan and retry budget.
func (e *Engine) resumeOrPlan(ctx context.Context, job domain.Job) (domain.Plan, error) {
	plan, err := e.Repo.CurrentPlan(ctx, job.ID)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Plan{}, err
	}

	personaID, explored, err := e.pick(ctx, domain.MemoryPersona, job.Platform, e.Catalog.PersonaIDs())
	if err != nil {
		return domain.Plan{}, err
	}
	curveID, curveExplored, err := e.pick(ctx, domain.MemoryEmotionCurve, job.Platform, e.Catalog.EmotionCurveIDs())
	if err != nil {
		return domain.Plan{}, err
	}
	hookID, hookExplored, err := e.pick(ctx, domain.MemoryHook, job.Platform, e.Catalog.HookTypeIDs())
	if err != nil {
		return domain.Plan{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	plan = domain.Plan{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		PersonaID:      personaID,
		EmotionCurveID: curveID,
		HookType:       hookID,
		RetryLimit:     e.Config.Loop.RetryLimit,
		Status:         domain.PlanPlanning,
		Explored:       explored || curveExplored || hookExplored,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
		return domain.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.PlanCreated, job.ID, "plan", plan.ID, events.EventPayload{
		"persona_id":       plan.PersonaID,
		"emotion_curve_id": plan.EmotionCurveID,
		"hook_type":        plan.HookType,
		"explored":         plan.Explored,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// pick draws one catalog candidate. With probability exploration_rate it
// bypasses memory weighting and draws uniformly, which is how untried
// patterns enter the store in the first place.
func (e *Engine) pick(ctx context.Context, memType, platform string, candidates []string) (string, bool, error) {
	if len(candidates) == 0 {
		return "", false, fmt.Errorf("catalog for %s is empty", memType)
	}
	e.rngMu.Lock()
	explore := e.rng.Float64() < e.Config.Loop.ExplorationRate
	idx := e.rng.Intn(len(candidates))
	draw := e.rng.Float64()
	e.rngMu.Unlock()

	if explore {
		return candidates[idx], true, nil
	}
	id, err := e.Memory.Sample(ctx, memType, platform, candidates, draw)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// loop is the creative retry cycle: generate, score, accept or mutate until
// the retry budget runs out. Cancellation is observed at each suspension
// point, never mid-write.
func (e *Engine) loop(ctx context.Context, job domain.Job, plan domain.Plan, pol config.PlatformPolicy) {
	var prior domain.Story
	var mut Mutation

	for {
		if ctx.Err() != nil {
			e.abort(job, domain.ReasonCancelled)
			return
		}

		attempt := plan.CurrentRetry
		if err := e.Events.AppendDirect(context.WithoutCancel(ctx), events.GenerationStarted, job.ID, "plan", plan.ID,
			events.EventPayload{"attempt": attempt}); err != nil {
			log.Printf("orchestrator: job %s event: %v", job.ID, err)
		}
		if err := e.setPlanStatus(ctx, &plan, domain.PlanGenerating); err != nil {
			if ctx.Err() != nil {
				e.abort(job, domain.ReasonCancelled)
				return
			}
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, nil)
			return
		}

		story, err := e.generate(ctx, job, plan, pol, prior, mut, attempt)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(job, domain.ReasonCancelled)
				return
			}
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, events.EventPayload{"error": err.Error()})
			return
		}
		if err := e.persistStory(ctx, job, story); err != nil {
			log.Printf("orchestrator: job %s store story: %v", job.ID, err)
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, nil)
			return
		}
		prior = story

		if ctx.Err() != nil {
			e.abort(job, domain.ReasonCancelled)
			return
		}

		if err := e.Events.AppendDirect(context.WithoutCancel(ctx), events.ScoringStarted, job.ID, "story", story.ID,
			events.EventPayload{"attempt": attempt}); err != nil {
			log.Printf("orchestrator: job %s event: %v", job.ID, err)
		}
		if err := e.setPlanStatus(ctx, &plan, domain.PlanScoring); err != nil {
			if ctx.Err() != nil {
				e.abort(job, domain.ReasonCancelled)
				return
			}
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, nil)
			return
		}

		result, err := e.Critic.Score(ctx, story, pol)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(job, domain.ReasonCancelled)
				return
			}
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, events.EventPayload{"error": err.Error()})
			return
		}
		score, err := e.persistScore(ctx, job, story, result)
		if err != nil {
			log.Printf("orchestrator: job %s store score: %v", job.ID, err)
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, nil)
			return
		}

		if result.Verdict == critic.VerdictAccept {
			e.accept(ctx, job, plan, story, score)
			return
		}

		if plan.CurrentRetry >= plan.RetryLimit {
			if err := e.Events.AppendDirect(context.WithoutCancel(ctx), events.RetriesExhausted, job.ID, "plan", plan.ID,
				events.EventPayload{"retries": plan.CurrentRetry, "score": score.Total}); err != nil {
				log.Printf("orchestrator: job %s event: %v", job.ID, err)
			}
			e.failJob(job, plan, domain.ReasonQualityThresholdNotMet, events.EventPayload{"score": score.Total})
			return
		}

		mut = e.chooseMutation(plan, result)
		next, err := e.applyMutation(ctx, job, plan, mut, score)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(job, domain.ReasonCancelled)
				return
			}
			log.Printf("orchestrator: job %s mutation: %v", job.ID, err)
			// plan still names the committed row, so failJob can mark it.
			e.failJob(job, plan, domain.ReasonExecutorUnavailable, nil)
			return
		}
		plan = next
	}
}

// generate calls the executor with bounded exponential backoff on transport
// errors. Backoff retries are infrastructure retries and never consume the
// creative retry budget.
func (e *Engine) generate(ctx context.Context, job domain.Job, plan domain.Plan, pol config.PlatformPolicy, prior domain.Story, mut Mutation, attempt int) (domain.Story, error) {
	persona, err := e.Catalog.Persona(plan.PersonaID)
	if err != nil {
		return domain.Story{}, err
	}
	curve, err := e.Catalog.EmotionCurve(plan.EmotionCurveID)
	if err != nil {
		return domain.Story{}, err
	}
	hook, err := e.Catalog.HookType(plan.HookType)
	if err != nil {
		return domain.Story{}, err
	}
	req := executor.Request{
		JobID:        job.ID,
		PlanID:       plan.ID,
		Attempt:      attempt,
		Platform:     job.Platform,
		Topic:        job.Topic,
		Audience:     job.Audience,
		Persona:      persona,
		EmotionCurve: curve,
		HookType:     hook,
		Policy:       pol,
	}

	hookOnly := false
	if _, ok := mut.(RegenerateHook); ok && len(prior.Scenes) > 0 {
		hookOnly = true
	}

	bo := e.Config.Backoff
	delay := time.Duration(bo.InitialMs) * time.Millisecond
	maxDelay := time.Duration(bo.MaxMs) * time.Millisecond
	var lastErr error
	for try := 0; try < max(bo.MaxAttempts, 1); try++ {
		if try > 0 {
			if err := e.Events.AppendDirect(context.WithoutCancel(ctx), events.ExecutorFailed, job.ID, "plan", plan.ID,
				events.EventPayload{"try": try, "error": lastErr.Error()}); err != nil {
				log.Printf("orchestrator: job %s event: %v", job.ID, err)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Story{}, ctx.Err()
			}
			delay *= 2
			if maxDelay > 0 && delay > maxDelay {
				delay = maxDelay
			}
		}
		var story domain.Story
		if hookOnly {
			story, lastErr = e.Executor.RegenerateHook(ctx, prior, req)
		} else {
			story, lastErr = e.Executor.Generate(ctx, req)
		}
		if lastErr == nil {
			return story, nil
		}
		if ctx.Err() != nil {
			return domain.Story{}, ctx.Err()
		}
	}
	return domain.Story{}, fmt.Errorf("executor exhausted %d attempts: %w", max(bo.MaxAttempts, 1), lastErr)
}

func (e *Engine) persistStory(ctx context.Context, job domain.Job, story domain.Story) error {
	tx, err := e.DB.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SupersedeStories(ctx, tx, job.ID); err != nil {
		return err
	}
	if err := e.Repo.InsertStory(ctx, tx, story); err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return tx.Commit()
}

func (e *Engine) persistScore(ctx context.Context, job domain.Job, story domain.Story, result critic.Result) (domain.Score, error) {
	score := domain.Score{
		ID:         uuid.NewString(),
		StoryID:    story.ID,
		JobID:      job.ID,
		Total:      result.Total,
		Dimensions: result.Dimensions,
		Verdict:    result.Verdict,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return domain.Score{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScore(ctx, tx, score); err != nil {
		return domain.Score{}, fmt.Errorf("insert score: %w", err)
	}
	if err := e.Repo.InsertFeedback(ctx, tx, domain.Feedback{
		ScoreID:        score.ID,
		WeakDimensions: result.WeakDimensions,
		Notes:          result.Notes,
	}); err != nil {
		return domain.Score{}, fmt.Errorf("insert feedback: %w", err)
	}
	return score, tx.Commit()
}

// accept commits memories before the terminal transition so a crash between
// the two surfaces as a running job that re-finalizes, never as an accepted
// job with missing memories.
func (e *Engine) accept(ctx context.Context, job domain.Job, plan domain.Plan, story domain.Story, score domain.Score) {
	bg := context.WithoutCancel(ctx)
	persona, err := e.Catalog.Persona(plan.PersonaID)
	if err != nil {
		log.Printf("orchestrator: job %s accept: %v", job.ID, err)
	}
	commits := []struct {
		memType string
		refID   string
	}{
		{domain.MemoryHook, plan.HookType},
		{domain.MemoryPersona, persona.ID},
		{domain.MemoryEmotionCurve, plan.EmotionCurveID},
	}
	for _, c := range commits {
		if c.refID == "" {
			continue
		}
		if _, err := e.Memory.Commit(bg, c.memType, c.refID, job.Platform, job.ID, score.Total); err != nil {
			log.Printf("orchestrator: job %s memory commit %s/%s: %v", job.ID, c.memType, c.refID, err)
		}
	}

	tx, err := e.DB.BeginTx(bg, nil)
	if err != nil {
		log.Printf("orchestrator: job %s accept tx: %v", job.ID, err)
		return
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	plan.Status = domain.PlanAccepted
	plan.UpdatedAt = now
	if err := e.Repo.UpdatePlan(bg, tx, plan); err != nil {
		log.Printf("orchestrator: job %s accept plan: %v", job.ID, err)
		return
	}
	if err := e.Repo.UpdateJobState(bg, tx, job.ID, domain.JobAccepted, now, nil, &story.ID, &now); err != nil {
		log.Printf("orchestrator: job %s accept state: %v", job.ID, err)
		return
	}
	if err := e.Events.Append(bg, tx, events.Accepted, job.ID, "story", story.ID,
		events.EventPayload{"score": score.Total, "attempt": plan.CurrentRetry}); err != nil {
		log.Printf("orchestrator: job %s accept event: %v", job.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("orchestrator: job %s accept commit: %v", job.ID, err)
		return
	}
	e.releaseLock(job)
}

func (e *Engine) setPlanStatus(ctx context.Context, plan *domain.Plan, status string) error {
	tx, err := e.DB.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	plan.Status = status
	plan.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdatePlan(ctx, tx, *plan); err != nil {
		return err
	}
	return tx.Commit()
}

// failJob finalizes a job with a failure reason; abort is the cancellation
// variant. Both release the schedule slot.
func (e *Engine) failJob(job domain.Job, plan domain.Plan, reason string, payload events.EventPayload) {
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("orchestrator: job %s fail tx: %v", job.ID, err)
		return
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if plan.ID != "" {
		plan.Status = domain.PlanFailed
		plan.UpdatedAt = now
		if err := e.Repo.UpdatePlan(ctx, tx, plan); err != nil {
			log.Printf("orchestrator: job %s fail plan: %v", job.ID, err)
			return
		}
	}
	if err := e.Repo.UpdateJobState(ctx, tx, job.ID, domain.JobFailed, now, &reason, nil, &now); err != nil {
		log.Printf("orchestrator: job %s fail state: %v", job.ID, err)
		return
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["failure_reason"] = reason
	evtType := events.RetriesExhausted
	if reason != domain.ReasonQualityThresholdNotMet {
		evtType = events.ExecutorFailed
	}
	if err := e.Events.Append(ctx, tx, evtType, job.ID, "job", job.ID, payload); err != nil {
		log.Printf("orchestrator: job %s fail event: %v", job.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("orchestrator: job %s fail commit: %v", job.ID, err)
		return
	}
	e.releaseLock(job)
}

// abort finalizes a cancelled job. Infrastructure failures never come here;
// they go through failJob so the terminal state stays failed.
func (e *Engine) abort(job domain.Job, reason string) {
	if err := e.finalize(context.Background(), job, domain.JobCancelled, reason, nil); err != nil {
		log.Printf("orchestrator: job %s cancel: %v", job.ID, err)
	}
}

func (e *Engine) finalize(ctx context.Context, job domain.Job, state, reason string, acceptedStoryID *string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if plan, err := e.Repo.CurrentPlan(ctx, job.ID); err == nil {
		plan.Status = domain.PlanFailed
		plan.UpdatedAt = now
		if err := e.Repo.UpdatePlan(ctx, tx, plan); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.Repo.UpdateJobState(ctx, tx, job.ID, state, now, &reason, acceptedStoryID, &now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.JobCancelled, job.ID, "job", job.ID,
		events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.releaseLock(job)
	return nil
}
