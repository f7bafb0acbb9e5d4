package domain

// Job states visible to callers.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobAccepted  = "accepted"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Plan statuses. Retries re-enter at "generating" with a mutated plan;
// "planning" happens once per job.
const (
	PlanPlanning   = "planning"
	PlanGenerating = "generating"
	PlanScoring    = "scoring"
	PlanAccepted   = "accepted"
	PlanRetrying   = "retrying"
	PlanFailed     = "failed"
)

// Terminal failure reasons. Quality exhaustion is deliberately distinct
// from infrastructure failure so operators can tell "the request is hard"
// from "the system is broken".
const (
	ReasonQualityThresholdNotMet = "quality_threshold_not_met"
	ReasonExecutorUnavailable    = "executor_unavailable"
	ReasonPolicyMissing          = "policy_missing"
	ReasonCancelled              = "cancelled"
)

// Scene purpose tags.
const (
	SceneHook     = "hook"
	SceneEscalate = "escalate"
	SceneTwist    = "twist"
	SceneLoop     = "loop"
)

// Memory pattern types.
const (
	MemoryHook         = "hook"
	MemoryPersona      = "persona"
	MemoryEmotionCurve = "emotion_curve"
)

// Job is one end-to-end request to produce an accepted, scored short-form
// video creative.
type Job struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Platform        string  `json:"platform"`
	Topic           string  `json:"topic"`
	Audience        string  `json:"audience,omitempty"`
	ScheduleKey     string  `json:"schedule_key,omitempty"`
	RequestHash     string  `json:"request_hash"`
	State           string  `json:"state" enum:"queued,running,accepted,failed,cancelled"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	AcceptedStoryID *string `json:"accepted_story_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

// Plan is one concrete set of creative choices attempted for a job. A job
// has exactly one current plan; superseded plans are kept for audit.
type Plan struct {
	ID             string `json:"id"`
	JobID          string `json:"job_id"`
	PersonaID      string `json:"persona_id"`
	EmotionCurveID string `json:"emotion_curve_id"`
	HookType       string `json:"hook_type"`
	RetryLimit     int    `json:"retry_limit"`
	CurrentRetry   int    `json:"current_retry"`
	Status         string `json:"status" enum:"planning,generating,scoring,accepted,retrying,failed"`
	Explored       bool   `json:"explored"`
	Superseded     bool   `json:"superseded"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// Story is the structured output of one generation attempt.
type Story struct {
	ID            string  `json:"id"`
	JobID         string  `json:"job_id"`
	PlanID        string  `json:"plan_id"`
	Attempt       int     `json:"attempt"`
	TotalDuration float64 `json:"total_duration"`
	Superseded    bool    `json:"superseded"`
	Scenes        []Scene `json:"scenes"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Scene is one contiguous micro-scene: scenes are ordered and
// Scenes[i].End == Scenes[i+1].Start; the story's TotalDuration equals the
// last scene's End.
type Scene struct {
	ID              string  `json:"id"`
	StoryID         string  `json:"story_id"`
	Index           int     `json:"index"`
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	Purpose         string  `json:"purpose" enum:"hook,escalate,twist,loop"`
	Narration       string  `json:"narration"`
	VisualDirective string  `json:"visual_directive"`
}

// Score is the critic's verdict for one scored story attempt. Immutable
// once written.
type Score struct {
	ID         string             `json:"id"`
	StoryID    string             `json:"story_id"`
	JobID      string             `json:"job_id"`
	Total      float64            `json:"total"`
	Dimensions map[string]float64 `json:"dimensions"`
	Verdict    string             `json:"verdict" enum:"accept,retry"`
	CreatedAt  string             `json:"created_at" format:"date-time"`
}

// Feedback explains a score and drives the mutation choice.
type Feedback struct {
	ScoreID        string   `json:"score_id"`
	WeakDimensions []string `json:"weak_dimensions"`
	Notes          string   `json:"notes"`
}

// Memory is a persisted, score-weighted record of a previously accepted
// creative pattern. reuse_count is monotonically non-decreasing; the score
// only moves on accepted outcomes.
type Memory struct {
	ID          string  `json:"id"`
	Type        string  `json:"type" enum:"hook,persona,emotion_curve"`
	ReferenceID string  `json:"reference_id"`
	Platform    string  `json:"platform"`
	Score       float64 `json:"score"`
	ReuseCount  int     `json:"reuse_count"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// MemoryUsage links a memory entry to the job that consumed it.
type MemoryUsage struct {
	ID        int64  `json:"id"`
	MemoryID  string `json:"memory_id"`
	JobID     string `json:"job_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ScheduleLock guarantees at-most-one in-flight execution per schedule key.
type ScheduleLock struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Event is one append-only audit record. Events for a single job are
// strictly ordered by id.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
