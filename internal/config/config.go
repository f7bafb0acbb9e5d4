package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reelforge.yml.
type Config struct {
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Platforms map[string]PlatformPolicy `yaml:"platforms"`
	Loop      LoopConfig                `yaml:"loop"`
	Backoff   BackoffConfig             `yaml:"backoff"`
	Catalogs  Catalogs                  `yaml:"catalogs"`
	Executor  ExecutorConfig            `yaml:"executor"`
}

// PlatformPolicy is the per-platform generation contract: pacing
// constraints, the acceptance threshold and how dimension scores are
// weighted into a total.
type PlatformPolicy struct {
	IdealDurationSeconds float64            `yaml:"ideal_duration_seconds" json:"ideal_duration_seconds"`
	HookWindowSeconds    float64            `yaml:"hook_window_seconds" json:"hook_window_seconds"`
	LoopWeight           float64            `yaml:"loop_weight" json:"loop_weight"`
	Threshold            float64            `yaml:"threshold" json:"threshold"`
	PriorityMetrics      []string           `yaml:"priority_metrics" json:"priority_metrics"`
	DimensionWeights     map[string]float64 `yaml:"dimension_weights" json:"dimension_weights"`
}

type LoopConfig struct {
	RetryLimit          int     `yaml:"retry_limit"`
	ExplorationRate     float64 `yaml:"exploration_rate"`
	SampleFloor         float64 `yaml:"sample_floor"`
	DedupeWindowSeconds int     `yaml:"dedupe_window_seconds"`
	LockTTLSeconds      int     `yaml:"lock_ttl_seconds"`
	MaxJobsPerTenant    int     `yaml:"max_jobs_per_tenant"`
	MutateEmotionAfter  int     `yaml:"mutate_emotion_after"`
}

type BackoffConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	InitialMs   int `yaml:"initial_ms"`
	MaxMs       int `yaml:"max_ms"`
}

type Catalogs struct {
	Personas      []Persona      `yaml:"personas"`
	EmotionCurves []EmotionCurve `yaml:"emotion_curves"`
	HookTypes     []HookType     `yaml:"hook_types"`
}

type Persona struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Voice       string `yaml:"voice" json:"voice,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type EmotionCurve struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	Stages []string `yaml:"stages" json:"stages"`
}

type HookType struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// ExecutorConfig selects the story executor backend. Mode "template"
// generates deterministic stories locally; "llm" calls a chat-completion
// API and requires an API key (REELFORGE_LLM_API_KEY overrides api_key).
type ExecutorConfig struct {
	Mode    string `yaml:"mode"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return fmt.Errorf("config.platforms is required")
	}
	for name, p := range c.Platforms {
		if p.Threshold <= 0 || p.Threshold > 1 {
			return fmt.Errorf("platform %s threshold must be in (0,1]", name)
		}
		if p.IdealDurationSeconds <= 0 {
			return fmt.Errorf("platform %s ideal_duration_seconds must be positive", name)
		}
		if p.HookWindowSeconds <= 0 || p.HookWindowSeconds >= p.IdealDurationSeconds {
			return fmt.Errorf("platform %s hook_window_seconds must be in (0, ideal_duration)", name)
		}
		if len(p.DimensionWeights) == 0 {
			return fmt.Errorf("platform %s dimension_weights is required", name)
		}
		var sum float64
		for dim, w := range p.DimensionWeights {
			if w < 0 {
				return fmt.Errorf("platform %s weight for %s is negative", name, dim)
			}
			sum += w
		}
		if sum == 0 {
			return fmt.Errorf("platform %s dimension_weights sum to zero", name)
		}
		for _, m := range p.PriorityMetrics {
			if _, ok := p.DimensionWeights[m]; !ok {
				return fmt.Errorf("platform %s priority metric %s has no weight", name, m)
			}
		}
	}
	if c.Loop.RetryLimit < 1 {
		return fmt.Errorf("config.loop.retry_limit must be >= 1")
	}
	if c.Loop.ExplorationRate < 0 || c.Loop.ExplorationRate > 1 {
		return fmt.Errorf("config.loop.exploration_rate must be in [0,1]")
	}
	if c.Loop.SampleFloor <= 0 {
		return fmt.Errorf("config.loop.sample_floor must be positive")
	}
	if c.Loop.LockTTLSeconds < 1 {
		return fmt.Errorf("config.loop.lock_ttl_seconds must be >= 1")
	}
	if c.Loop.MaxJobsPerTenant < 1 {
		return fmt.Errorf("config.loop.max_jobs_per_tenant must be >= 1")
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("config.backoff.max_attempts must be >= 1")
	}
	if len(c.Catalogs.Personas) == 0 {
		return fmt.Errorf("config.catalogs.personas is required")
	}
	if len(c.Catalogs.EmotionCurves) == 0 {
		return fmt.Errorf("config.catalogs.emotion_curves is required")
	}
	if len(c.Catalogs.HookTypes) == 0 {
		return fmt.Errorf("config.catalogs.hook_types is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Catalogs.Personas {
		if p.ID == "" {
			return fmt.Errorf("persona with empty id")
		}
		if seen["persona:"+p.ID] {
			return fmt.Errorf("duplicate persona id %s", p.ID)
		}
		seen["persona:"+p.ID] = true
	}
	for _, ec := range c.Catalogs.EmotionCurves {
		if ec.ID == "" {
			return fmt.Errorf("emotion curve with empty id")
		}
		if len(ec.Stages) == 0 {
			return fmt.Errorf("emotion curve %s has no stages", ec.ID)
		}
	}
	for _, h := range c.Catalogs.HookTypes {
		if h.ID == "" {
			return fmt.Errorf("hook type with empty id")
		}
	}
	switch c.Executor.Mode {
	case "", "template", "llm":
	default:
		return fmt.Errorf("config.executor.mode must be template or llm")
	}
	return nil
}

// Policy returns the platform policy; ok is false for unknown platforms.
func (c *Config) Policy(platform string) (PlatformPolicy, bool) {
	p, ok := c.Platforms[platform]
	return p, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reelforge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s

platforms:
  shorts:
    ideal_duration_seconds: 45
    hook_window_seconds: 3
    loop_weight: 0.25
    threshold: 0.7
    priority_metrics: [hook, pacing, loop]
    dimension_weights:
      hook: 0.4
      pacing: 0.35
      loop: 0.25

  reels:
    ideal_duration_seconds: 30
    hook_window_seconds: 2
    loop_weight: 0.3
    threshold: 0.72
    priority_metrics: [hook, loop]
    dimension_weights:
      hook: 0.45
      pacing: 0.25
      loop: 0.3

  tiktok:
    ideal_duration_seconds: 21
    hook_window_seconds: 2
    loop_weight: 0.35
    threshold: 0.68
    priority_metrics: [hook, loop, pacing]
    dimension_weights:
      hook: 0.45
      pacing: 0.2
      loop: 0.35

loop:
  retry_limit: 3
  exploration_rate: 0.15
  sample_floor: 0.05
  dedupe_window_seconds: 300
  lock_ttl_seconds: 600
  max_jobs_per_tenant: 4
  mutate_emotion_after: 2

backoff:
  max_attempts: 5
  initial_ms: 200
  max_ms: 5000

catalogs:
  personas:
    - id: deadpan-expert
      name: "Deadpan Expert"
      voice: flat
      description: "Dry delivery, lets absurd facts speak for themselves"
    - id: hype-friend
      name: "Hype Friend"
      voice: energetic
      description: "Talks at you like a friend who just found out"
    - id: calm-narrator
      name: "Calm Narrator"
      voice: soft
      description: "Documentary cadence, unhurried reveals"
    - id: chaotic-gremlin
      name: "Chaotic Gremlin"
      voice: fast
      description: "Jump cuts, interruptions, zero patience"

  emotion_curves:
    - id: slow-burn
      name: "Slow Burn"
      stages: [curiosity, tension, tension, release]
    - id: rollercoaster
      name: "Rollercoaster"
      stages: [shock, calm, shock, cliffhanger]
    - id: steady-rise
      name: "Steady Rise"
      stages: [interest, escalation, peak, loop-back]

  hook_types:
    - id: question
      description: "Open with a question the viewer must see answered"
    - id: shock
      description: "Lead with the most surprising frame"
    - id: pattern_interrupt
      description: "Start mid-action with no context"
    - id: countdown
      description: "Promise a ranked payoff"

executor:
  mode: template
  model: gpt-4o-mini
`
