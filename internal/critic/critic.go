// Package critic scores produced stories against a platform policy and
// returns an accept/retry verdict with per-dimension feedback.
//
// The rule scorers are deterministic given identical inputs. A
// non-deterministic model can be plugged in behind the Model seam; the
// combination of dimension scores into a total and a verdict stays in
// Combine so it is testable on its own.
package critic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"reelforge/internal/config"
	"reelforge/internal/domain"
)

// Model is the seam for an external (possibly non-deterministic) scoring
// model. When present its dimensions override the rule scorers'.
type Model interface {
	ScoreStory(ctx context.Context, story domain.Story, policy config.PlatformPolicy) (map[string]float64, error)
}

// Result carries one attempt's verdict plus the feedback that drives the
// mutation choice.
type Result struct {
	Total          float64
	Dimensions     map[string]float64
	Verdict        string
	WeakDimensions []string
	Notes          string
}

const (
	VerdictAccept = "accept"
	VerdictRetry  = "retry"
)

type Critic struct {
	// Model is optional; nil means rule scorers only.
	Model Model
}

// Score evaluates a story. Dimensions without a weight in the policy are
// computed but do not contribute to the total.
func (c Critic) Score(ctx context.Context, story domain.Story, policy config.PlatformPolicy) (Result, error) {
	dims := map[string]float64{
		"hook":   hookScore(story, policy),
		"pacing": pacingScore(story, policy),
		"loop":   loopScore(story, policy),
	}
	if c.Model != nil {
		modelDims, err := c.Model.ScoreStory(ctx, story, policy)
		if err != nil {
			return Result{}, fmt.Errorf("model scoring: %w", err)
		}
		for k, v := range modelDims {
			dims[k] = clamp01(v)
		}
	}
	total, verdict := Combine(dims, policy)
	weak := weakDimensions(dims, policy)
	return Result{
		Total:          total,
		Dimensions:     dims,
		Verdict:        verdict,
		WeakDimensions: weak,
		Notes:          feedbackNotes(weak, dims),
	}, nil
}

// Combine folds per-dimension scores into a weighted total and applies the
// verdict rule: accept iff total >= policy threshold.
func Combine(dims map[string]float64, policy config.PlatformPolicy) (float64, string) {
	var total, weightSum float64
	for dim, w := range policy.DimensionWeights {
		if w == 0 {
			continue
		}
		total += clamp01(dims[dim]) * w
		weightSum += w
	}
	if weightSum > 0 {
		total /= weightSum
	}
	if total >= policy.Threshold {
		return total, VerdictAccept
	}
	return total, VerdictRetry
}

// weakDimensions lists weighted dimensions scoring below the acceptance
// threshold, weakest first.
func weakDimensions(dims map[string]float64, policy config.PlatformPolicy) []string {
	var weak []string
	for dim, w := range policy.DimensionWeights {
		if w == 0 {
			continue
		}
		if dims[dim] < policy.Threshold {
			weak = append(weak, dim)
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if dims[weak[i]] != dims[weak[j]] {
			return dims[weak[i]] < dims[weak[j]]
		}
		return weak[i] < weak[j]
	})
	return weak
}

func feedbackNotes(weak []string, dims map[string]float64) string {
	if len(weak) == 0 {
		return "all weighted dimensions at or above threshold"
	}
	parts := make([]string, len(weak))
	for i, dim := range weak {
		parts[i] = fmt.Sprintf("%s_score low (%.2f)", dim, dims[dim])
	}
	return strings.Join(parts, "; ")
}

// hookScore rewards opening on a hook scene that resolves inside the
// platform's hook window.
func hookScore(story domain.Story, policy config.PlatformPolicy) float64 {
	if len(story.Scenes) == 0 {
		return 0
	}
	first := story.Scenes[0]
	if first.Purpose != domain.SceneHook {
		return 0.2
	}
	if strings.TrimSpace(first.Narration) == "" {
		return 0.3
	}
	if first.End <= policy.HookWindowSeconds {
		return 1
	}
	// Hooks running past the window decay with the overshoot.
	return clamp01(policy.HookWindowSeconds / first.End)
}

// pacingScore compares total duration to the platform ideal and expects
// enough scenes to carry an arc.
func pacingScore(story domain.Story, policy config.PlatformPolicy) float64 {
	if story.TotalDuration <= 0 || policy.IdealDurationSeconds <= 0 {
		return 0
	}
	deviation := math.Abs(story.TotalDuration-policy.IdealDurationSeconds) / policy.IdealDurationSeconds
	score := clamp01(1 - deviation)
	if len(story.Scenes) < 3 {
		score *= 0.6
	}
	return score
}

// loopScore checks the story ends on a loop scene; the penalty for a
// missing loop scales with the platform's loop weight.
func loopScore(story domain.Story, policy config.PlatformPolicy) float64 {
	if len(story.Scenes) == 0 {
		return 0
	}
	last := story.Scenes[len(story.Scenes)-1]
	if last.Purpose == domain.SceneLoop {
		return 1
	}
	return clamp01(1 - policy.LoopWeight)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
