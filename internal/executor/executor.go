// Package executor produces structured micro-scene stories from a fully
// specified creative plan. Media rendering sits behind this contract and is
// not part of the orchestration core.
package executor

import (
	"context"

	"reelforge/internal/config"
	"reelforge/internal/domain"
)

// Request is a fully resolved creative plan for one generation attempt.
type Request struct {
	JobID    string
	PlanID   string
	Attempt  int
	Platform string
	Topic    string
	Audience string

	Persona      config.Persona
	EmotionCurve config.EmotionCurve
	HookType     config.HookType
	Policy       config.PlatformPolicy
}

// StoryExecutor generates stories and supports partial regeneration of the
// hook so a weak opening does not force a full rewrite. Implementations
// must honor ctx cancellation; calls are network-bound in production.
type StoryExecutor interface {
	Generate(ctx context.Context, req Request) (domain.Story, error)
	RegenerateHook(ctx context.Context, story domain.Story, req Request) (domain.Story, error)
}
