package server

import "reelforge/internal/domain"

type SubmitJobRequest struct {
	Platform    string `json:"platform" example:"shorts"`
	Topic       string `json:"topic" example:"why sourdough fails"`
	Audience    string `json:"audience,omitempty" example:"home bakers"`
	ScheduleKey string `json:"schedule_key,omitempty" example:"shorts:daily-0900"`
}

type SubmitJobResponse struct {
	Job     domain.Job `json:"job"`
	Deduped bool       `json:"deduped"`
}

type JobListResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type EventListResponse struct {
	Events     []domain.Event `json:"events"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type MemoryListResponse struct {
	Memories []domain.Memory `json:"memories"`
}

type PolicyResponse struct {
	Platform             string             `json:"platform"`
	IdealDurationSeconds float64            `json:"ideal_duration_seconds"`
	HookWindowSeconds    float64            `json:"hook_window_seconds"`
	LoopWeight           float64            `json:"loop_weight"`
	Threshold            float64            `json:"threshold"`
	PriorityMetrics      []string           `json:"priority_metrics"`
	DimensionWeights     map[string]float64 `json:"dimension_weights"`
}

type PolicyListResponse struct {
	Policies []PolicyResponse `json:"policies"`
}
