package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/critic"
	"reelforge/internal/domain"
	"reelforge/internal/events"
)

// Mutation is the retry directive derived from critic feedback. The closed
// set of implementations keeps applyMutation's switch exhaustive.
type Mutation interface {
	Kind() string
	mutation()
}

// RegenerateHook keeps the plan and rewrites only the opening scene.
type RegenerateHook struct{}

// RegenerateStory keeps the plan's creative knobs and regenerates the whole
// story from scratch.
type RegenerateStory struct{}

// RegenerateEmotionCurve supersedes the plan with one carrying a different
// emotion curve; the retry budget carries over.
type RegenerateEmotionCurve struct {
	NewCurveID string
}

func (RegenerateHook) Kind() string         { return "regenerate_hook" }
func (RegenerateStory) Kind() string        { return "regenerate_story" }
func (RegenerateEmotionCurve) Kind() string { return "regenerate_emotion_curve" }

func (RegenerateHook) mutation()         {}
func (RegenerateStory) mutation()        {}
func (RegenerateEmotionCurve) mutation() {}

// chooseMutation maps feedback to the cheapest fix that addresses it. A run
// of full-story retries that keeps failing escalates to swapping the
// emotion curve itself.
func (e *Engine) chooseMutation(plan domain.Plan, result critic.Result) Mutation {
	if len(result.WeakDimensions) == 1 && result.WeakDimensions[0] == "hook" {
		return RegenerateHook{}
	}
	if after := e.Config.Loop.MutateEmotionAfter; after > 0 && plan.CurrentRetry+1 >= after {
		if id := e.otherCurve(plan.EmotionCurveID); id != "" {
			return RegenerateEmotionCurve{NewCurveID: id}
		}
	}
	return RegenerateStory{}
}

func (e *Engine) otherCurve(current string) string {
	ids := e.Catalog.EmotionCurveIDs()
	var candidates []string
	for _, id := range ids {
		if id != current {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return candidates[e.rng.Intn(len(candidates))]
}

// applyMutation persists the retry decision and returns the plan the next
// attempt runs under. On error the caller's plan is returned unchanged so
// failure handling still points at the committed row.
func (e *Engine) applyMutation(ctx context.Context, job domain.Job, plan domain.Plan, mut Mutation, score domain.Score) (domain.Plan, error) {
	bg := context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(bg, nil)
	if err != nil {
		return plan, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	next := plan
	next.CurrentRetry = plan.CurrentRetry + 1
	next.Status = domain.PlanRetrying
	next.UpdatedAt = now

	switch m := mut.(type) {
	case RegenerateHook, RegenerateStory:
		if err := e.Repo.UpdatePlan(bg, tx, next); err != nil {
			return plan, fmt.Errorf("update plan: %w", err)
		}
	case RegenerateEmotionCurve:
		old := plan
		old.Status = domain.PlanRetrying
		old.Superseded = true
		old.UpdatedAt = now
		if err := e.Repo.UpdatePlan(bg, tx, old); err != nil {
			return plan, fmt.Errorf("supersede plan: %w", err)
		}
		next.ID = uuid.NewString()
		next.EmotionCurveID = m.NewCurveID
		next.Superseded = false
		next.CreatedAt = now
		if err := e.Repo.InsertPlan(bg, tx, next); err != nil {
			return plan, fmt.Errorf("insert successor plan: %w", err)
		}
	default:
		return plan, fmt.Errorf("unknown mutation %T", mut)
	}

	if err := e.Events.Append(bg, tx, events.RetryTriggered, job.ID, "plan", next.ID, events.EventPayload{
		"retry": next.CurrentRetry,
		"score": score.Total,
	}); err != nil {
		return plan, err
	}
	if err := e.Events.Append(bg, tx, events.MutationApplied, job.ID, "plan", next.ID, events.EventPayload{
		"mutation": mut.Kind(),
	}); err != nil {
		return plan, err
	}
	if err := tx.Commit(); err != nil {
		return plan, err
	}
	return next, nil
}
