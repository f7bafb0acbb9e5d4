package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"reelforge/internal/config"
	"reelforge/internal/domain"
)

// LLMModel scores stories with a chat-completion API. It only produces raw
// dimension scores; weighting and the verdict stay in Combine.
type LLMModel struct {
	Client *openai.Client
	Model  string
}

func NewLLMModel(apiKey, baseURL, model string) *LLMModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMModel{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (m *LLMModel) ScoreStory(ctx context.Context, story domain.Story, policy config.PlatformPolicy) (map[string]float64, error) {
	prompt, err := scoringPrompt(story, policy)
	if err != nil {
		return nil, err
	}
	resp, err := m.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.Model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scoringSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from model")
	}
	var dims map[string]float64
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &dims); err != nil {
		return nil, fmt.Errorf("parse model scores: %w", err)
	}
	return dims, nil
}

const scoringSystemPrompt = `You are a short-form video critic. Score the ` +
	`story on each requested dimension from 0.0 to 1.0. Respond with a JSON ` +
	`object mapping dimension name to score, nothing else.`

func scoringPrompt(story domain.Story, policy config.PlatformPolicy) (string, error) {
	scenes, err := json.Marshal(story.Scenes)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dimensions: %s\n", strings.Join(policy.PriorityMetrics, ", "))
	fmt.Fprintf(&b, "Ideal duration: %.0fs, hook window: %.0fs\n", policy.IdealDurationSeconds, policy.HookWindowSeconds)
	fmt.Fprintf(&b, "Total duration: %.1fs\n", story.TotalDuration)
	fmt.Fprintf(&b, "Scenes: %s\n", scenes)
	return b.String(), nil
}
