package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/domain"
)

// TemplateExecutor builds stories deterministically from the plan's creative
// knobs. It is the default backend: no network, no credentials, and the same
// request always yields the same structure, which keeps the loop testable.
type TemplateExecutor struct {
	Now func() time.Time
}

func NewTemplateExecutor() *TemplateExecutor {
	return &TemplateExecutor{Now: time.Now}
}

func (e *TemplateExecutor) Generate(ctx context.Context, req Request) (domain.Story, error) {
	if err := ctx.Err(); err != nil {
		return domain.Story{}, err
	}

	stages := req.EmotionCurve.Stages
	if len(stages) == 0 {
		stages = []string{"build", "peak"}
	}

	story := domain.Story{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		PlanID:    req.PlanID,
		Attempt:   req.Attempt,
		CreatedAt: e.Now().UTC().Format(time.RFC3339),
	}

	// One scene per emotion stage, bracketed by a hook and a loop scene.
	// The hook gets the policy's hook window; the remaining duration is
	// split evenly so total lands on the platform ideal.
	total := req.Policy.IdealDurationSeconds
	hookLen := req.Policy.HookWindowSeconds
	if hookLen <= 0 || hookLen >= total {
		hookLen = total / 6
	}
	bodyCount := len(stages) + 1 // stages plus the closing loop scene
	bodyLen := (total - hookLen) / float64(bodyCount)

	cursor := 0.0
	add := func(purpose, narration, visual string, length float64) {
		story.Scenes = append(story.Scenes, domain.Scene{
			ID:              uuid.NewString(),
			StoryID:         story.ID,
			Index:           len(story.Scenes),
			Start:           cursor,
			End:             cursor + length,
			Purpose:         purpose,
			Narration:       narration,
			VisualDirective: visual,
		})
		cursor += length
	}

	add(domain.SceneHook,
		e.hookLine(req),
		fmt.Sprintf("hard cut, close-up on %s", req.Topic),
		hookLen)

	for i, stage := range stages {
		purpose := domain.SceneEscalate
		if i == len(stages)-1 && len(stages) > 1 {
			purpose = domain.SceneTwist
		}
		add(purpose,
			fmt.Sprintf("%s beat %d for %s: %s angle on %s, told for %s.",
				req.Persona.Name, i+1, stage, req.Persona.Voice, req.Topic, req.Audience),
			fmt.Sprintf("%s pacing, b-roll of %s", stage, req.Topic),
			bodyLen)
	}

	add(domain.SceneLoop,
		fmt.Sprintf("And that is exactly why %s matters. Watch again.", req.Topic),
		"match final frame to opening frame",
		bodyLen)

	story.TotalDuration = story.Scenes[len(story.Scenes)-1].End
	return story, nil
}

// RegenerateHook replaces only the opening scene, keeping the body and loop
// of the prior attempt. The new story gets fresh IDs so the old attempt's
// rows stay intact as history.
func (e *TemplateExecutor) RegenerateHook(ctx context.Context, prior domain.Story, req Request) (domain.Story, error) {
	if err := ctx.Err(); err != nil {
		return domain.Story{}, err
	}
	if len(prior.Scenes) == 0 {
		return e.Generate(ctx, req)
	}

	story := domain.Story{
		ID:            uuid.NewString(),
		JobID:         req.JobID,
		PlanID:        req.PlanID,
		Attempt:       req.Attempt,
		TotalDuration: prior.TotalDuration,
		CreatedAt:     e.Now().UTC().Format(time.RFC3339),
	}
	for i, sc := range prior.Scenes {
		sc.ID = uuid.NewString()
		sc.StoryID = story.ID
		if i == 0 {
			sc.Purpose = domain.SceneHook
			sc.Narration = e.hookLine(req)
			sc.End = sc.Start + e.hookLength(req, sc.End-sc.Start)
		}
		story.Scenes = append(story.Scenes, sc)
	}
	// Re-anchor offsets in case the hook length moved.
	cursor := 0.0
	for i := range story.Scenes {
		length := story.Scenes[i].End - story.Scenes[i].Start
		story.Scenes[i].Start = cursor
		story.Scenes[i].End = cursor + length
		cursor += length
	}
	story.TotalDuration = cursor
	return story, nil
}

func (e *TemplateExecutor) hookLength(req Request, fallback float64) float64 {
	if w := req.Policy.HookWindowSeconds; w > 0 {
		return w
	}
	return fallback
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (e *TemplateExecutor) hookLine(req Request) string {
	topic := req.Topic
	switch req.HookType.ID {
	case "question":
		return fmt.Sprintf("What nobody tells %s about %s?", req.Audience, topic)
	case "shock":
		return fmt.Sprintf("%s is broken and %s proves it.", capitalize(topic), req.Persona.Name)
	case "countdown":
		return fmt.Sprintf("Three things about %s, fast. Number three changes everything.", topic)
	case "pattern_interrupt":
		return fmt.Sprintf("Stop scrolling. %s, in the next few seconds.", capitalize(topic))
	default:
		return fmt.Sprintf("Here is the one thing about %s you actually need.", topic)
	}
}
