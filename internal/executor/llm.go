package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"reelforge/internal/domain"
)

// LLMExecutor generates stories through a chat-completion API. The model
// returns scene text and relative lengths; timing is re-anchored locally so
// scene contiguity never depends on model arithmetic.
type LLMExecutor struct {
	Client *openai.Client
	Model  string
	Now    func() time.Time
}

func NewLLMExecutor(apiKey, baseURL, model string) *LLMExecutor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMExecutor{Client: openai.NewClientWithConfig(cfg), Model: model, Now: time.Now}
}

type llmScene struct {
	Purpose         string  `json:"purpose"`
	Narration       string  `json:"narration"`
	VisualDirective string  `json:"visual_directive"`
	Seconds         float64 `json:"seconds"`
}

type llmStory struct {
	Scenes []llmScene `json:"scenes"`
}

func (e *LLMExecutor) Generate(ctx context.Context, req Request) (domain.Story, error) {
	return e.complete(ctx, req, generatePrompt(req))
}

func (e *LLMExecutor) RegenerateHook(ctx context.Context, prior domain.Story, req Request) (domain.Story, error) {
	if len(prior.Scenes) == 0 {
		return e.Generate(ctx, req)
	}
	out, err := e.complete(ctx, req, regenerateHookPrompt(prior, req))
	if err != nil {
		return domain.Story{}, err
	}
	// Keep only the model's new hook; the body and loop come from the prior
	// attempt so the retry stays a partial regeneration.
	story := domain.Story{
		ID:        out.ID,
		JobID:     req.JobID,
		PlanID:    req.PlanID,
		Attempt:   req.Attempt,
		CreatedAt: out.CreatedAt,
	}
	story.Scenes = append(story.Scenes, out.Scenes[0])
	for _, sc := range prior.Scenes[1:] {
		sc.ID = uuid.NewString()
		sc.StoryID = story.ID
		story.Scenes = append(story.Scenes, sc)
	}
	anchor(&story)
	return story, nil
}

func (e *LLMExecutor) complete(ctx context.Context, req Request, prompt string) (domain.Story, error) {
	resp, err := e.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.Model,
		Temperature: 0.8,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: storySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return domain.Story{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Story{}, fmt.Errorf("no choices returned from model")
	}
	var out llmStory
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return domain.Story{}, fmt.Errorf("parse model story: %w", err)
	}
	if len(out.Scenes) == 0 {
		return domain.Story{}, fmt.Errorf("model returned no scenes")
	}

	story := domain.Story{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		PlanID:    req.PlanID,
		Attempt:   req.Attempt,
		CreatedAt: e.Now().UTC().Format(time.RFC3339),
	}
	for _, sc := range out.Scenes {
		purpose := sc.Purpose
		switch purpose {
		case domain.SceneHook, domain.SceneEscalate, domain.SceneTwist, domain.SceneLoop:
		default:
			purpose = domain.SceneEscalate
		}
		length := sc.Seconds
		if length <= 0 {
			length = req.Policy.IdealDurationSeconds / float64(len(out.Scenes))
		}
		story.Scenes = append(story.Scenes, domain.Scene{
			ID:              uuid.NewString(),
			StoryID:         story.ID,
			End:             length, // placeholder, anchored below
			Purpose:         purpose,
			Narration:       sc.Narration,
			VisualDirective: sc.VisualDirective,
		})
	}
	anchor(&story)
	return story, nil
}

// anchor rewrites indexes and offsets so scenes are contiguous from zero and
// TotalDuration equals the last scene's end.
func anchor(story *domain.Story) {
	cursor := 0.0
	for i := range story.Scenes {
		length := story.Scenes[i].End - story.Scenes[i].Start
		story.Scenes[i].Index = i
		story.Scenes[i].Start = cursor
		story.Scenes[i].End = cursor + length
		cursor += length
	}
	story.TotalDuration = cursor
}

const storySystemPrompt = `You write short-form video scripts as ordered ` +
	`micro-scenes. Respond with a JSON object {"scenes": [{"purpose", ` +
	`"narration", "visual_directive", "seconds"}]}. Purpose is one of hook, ` +
	`escalate, twist, loop. The first scene must be a hook and the last a ` +
	`loop back to the opening. Nothing but JSON.`

func generatePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nAudience: %s\nPlatform: %s\n", req.Topic, req.Audience, req.Platform)
	fmt.Fprintf(&b, "Persona: %s (%s). %s\n", req.Persona.Name, req.Persona.Voice, req.Persona.Description)
	fmt.Fprintf(&b, "Emotion curve %s: %s\n", req.EmotionCurve.Name, strings.Join(req.EmotionCurve.Stages, " -> "))
	fmt.Fprintf(&b, "Hook type: %s. %s\n", req.HookType.ID, req.HookType.Description)
	fmt.Fprintf(&b, "Target duration: %.0f seconds, hook within the first %.0f seconds.\n",
		req.Policy.IdealDurationSeconds, req.Policy.HookWindowSeconds)
	if req.Attempt > 0 {
		fmt.Fprintf(&b, "This is retry %d; take a noticeably different creative angle.\n", req.Attempt)
	}
	return b.String()
}

func regenerateHookPrompt(prior domain.Story, req Request) string {
	var b strings.Builder
	b.WriteString(generatePrompt(req))
	fmt.Fprintf(&b, "Rewrite ONLY the opening hook scene; it scored poorly. Previous hook: %q\n",
		prior.Scenes[0].Narration)
	fmt.Fprintf(&b, "Return a single hook scene no longer than %.0f seconds.\n", req.Policy.HookWindowSeconds)
	return b.String()
}
