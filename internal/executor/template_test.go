package executor

import (
	"context"
	"math"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/domain"
)

func templateRequest() Request {
	return Request{
		JobID:    "job-1",
		PlanID:   "plan-1",
		Attempt:  1,
		Platform: "shorts",
		Topic:    "deep sea anglerfish",
		Audience: "curious commuters",
		Persona:  config.Persona{ID: "calm-narrator", Name: "Calm Narrator", Voice: "soft"},
		EmotionCurve: config.EmotionCurve{
			ID:     "steady-rise",
			Stages: []string{"interest", "escalation", "peak"},
		},
		HookType: config.HookType{ID: "question"},
		Policy: config.PlatformPolicy{
			IdealDurationSeconds: 45,
			HookWindowSeconds:    3,
		},
	}
}

func TestGenerateMatchesPolicyTiming(t *testing.T) {
	exec := NewTemplateExecutor()
	story, err := exec.Generate(context.Background(), templateRequest())
	if err != nil {
		t.Fatal(err)
	}

	// Hook, one scene per curve stage, closing loop scene.
	if got, want := len(story.Scenes), 5; got != want {
		t.Fatalf("scene count %d, want %d", got, want)
	}
	if story.Scenes[0].Purpose != domain.SceneHook {
		t.Fatalf("first scene purpose %s", story.Scenes[0].Purpose)
	}
	if story.Scenes[0].End != 3 {
		t.Fatalf("hook ends at %.2f, want the policy window", story.Scenes[0].End)
	}
	last := story.Scenes[len(story.Scenes)-1]
	if last.Purpose != domain.SceneLoop {
		t.Fatalf("last scene purpose %s", last.Purpose)
	}
	if math.Abs(story.TotalDuration-45) > 1e-9 {
		t.Fatalf("total duration %.4f, want 45", story.TotalDuration)
	}

	for i, sc := range story.Scenes {
		if sc.Index != i {
			t.Fatalf("scene %d has index %d", i, sc.Index)
		}
		if i > 0 && sc.Start != story.Scenes[i-1].End {
			t.Fatalf("scene %d starts at %.2f, previous ends at %.2f", i, sc.Start, story.Scenes[i-1].End)
		}
	}
}

func TestGenerateMarksLastStageAsTwist(t *testing.T) {
	exec := NewTemplateExecutor()
	story, err := exec.Generate(context.Background(), templateRequest())
	if err != nil {
		t.Fatal(err)
	}
	// Scenes: hook, interest, escalation, peak(twist), loop.
	if story.Scenes[3].Purpose != domain.SceneTwist {
		t.Fatalf("stage scene purpose %s, want twist", story.Scenes[3].Purpose)
	}
	if story.Scenes[1].Purpose != domain.SceneEscalate {
		t.Fatalf("stage scene purpose %s, want escalate", story.Scenes[1].Purpose)
	}
}

func TestHookLineFollowsHookType(t *testing.T) {
	exec := NewTemplateExecutor()
	req := templateRequest()
	seen := map[string]bool{}
	for _, id := range []string{"question", "shock", "countdown", "pattern_interrupt", "unknown"} {
		req.HookType = config.HookType{ID: id}
		story, err := exec.Generate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		line := story.Scenes[0].Narration
		if line == "" {
			t.Fatalf("hook type %s produced empty narration", id)
		}
		if seen[line] {
			t.Fatalf("hook type %s reuses another type's line", id)
		}
		seen[line] = true
	}
}

func TestRegenerateHookKeepsBody(t *testing.T) {
	exec := NewTemplateExecutor()
	req := templateRequest()
	prior, err := exec.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	req.Attempt = 2
	req.HookType = config.HookType{ID: "shock"}
	next, err := exec.RegenerateHook(context.Background(), prior, req)
	if err != nil {
		t.Fatal(err)
	}

	if next.ID == prior.ID {
		t.Fatal("regenerated story reuses the prior story id")
	}
	if next.Scenes[0].Narration == prior.Scenes[0].Narration {
		t.Fatal("hook narration did not change")
	}
	if len(next.Scenes) != len(prior.Scenes) {
		t.Fatalf("scene count changed: %d -> %d", len(prior.Scenes), len(next.Scenes))
	}
	for i := 1; i < len(next.Scenes); i++ {
		if next.Scenes[i].Narration != prior.Scenes[i].Narration {
			t.Fatalf("body scene %d narration changed", i)
		}
	}
	if math.Abs(next.TotalDuration-prior.TotalDuration) > 1e-9 {
		t.Fatalf("total duration drifted: %.4f -> %.4f", prior.TotalDuration, next.TotalDuration)
	}
}
