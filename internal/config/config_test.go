package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("tenant-1")))
	if err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Tenant.ID != "tenant-1" {
		t.Fatalf("tenant %q", cfg.Tenant.ID)
	}
	for _, platform := range []string{"shorts", "reels", "tiktok"} {
		if _, ok := cfg.Policy(platform); !ok {
			t.Fatalf("default config missing platform %s", platform)
		}
	}
	if len(cfg.Catalogs.Personas) == 0 || len(cfg.Catalogs.EmotionCurves) == 0 || len(cfg.Catalogs.HookTypes) == 0 {
		t.Fatal("default catalogs are empty")
	}
	if cfg.Loop.RetryLimit < 1 {
		t.Fatalf("retry limit %d", cfg.Loop.RetryLimit)
	}
}

func TestDefaultMatchesGenerated(t *testing.T) {
	cfg := Default("tenant-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	parsed, err := FromYAML([]byte(GenerateDefault("tenant-1")))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Loop != parsed.Loop || cfg.Backoff != parsed.Backoff {
		t.Fatal("Default() diverges from GenerateDefault()")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no platforms", func(c *Config) { c.Platforms = nil }, "platforms"},
		{"threshold above one", func(c *Config) { p := c.Platforms["shorts"]; p.Threshold = 1.2; c.Platforms["shorts"] = p }, "threshold"},
		{"hook window at ideal", func(c *Config) {
			p := c.Platforms["shorts"]
			p.HookWindowSeconds = p.IdealDurationSeconds
			c.Platforms["shorts"] = p
		}, "hook_window_seconds"},
		{"no weights", func(c *Config) { p := c.Platforms["shorts"]; p.DimensionWeights = nil; c.Platforms["shorts"] = p }, "dimension_weights"},
		{"priority metric without weight", func(c *Config) {
			p := c.Platforms["shorts"]
			p.PriorityMetrics = append(p.PriorityMetrics, "virality")
			c.Platforms["shorts"] = p
		}, "virality"},
		{"zero retry limit", func(c *Config) { c.Loop.RetryLimit = 0 }, "retry_limit"},
		{"exploration above one", func(c *Config) { c.Loop.ExplorationRate = 1.5 }, "exploration_rate"},
		{"empty personas", func(c *Config) { c.Catalogs.Personas = nil }, "personas"},
		{"duplicate persona id", func(c *Config) {
			c.Catalogs.Personas = append(c.Catalogs.Personas, c.Catalogs.Personas[0])
		}, "duplicate"},
		{"curve without stages", func(c *Config) { c.Catalogs.EmotionCurves[0].Stages = nil }, "stages"},
		{"unknown executor mode", func(c *Config) { c.Executor.Mode = "grpc" }, "executor.mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("tenant-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFromYAMLRejectsMalformedInput(t *testing.T) {
	if _, err := FromYAML([]byte("platforms: [not a map")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadMissingFilePointsAtInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rf config init") {
		t.Fatalf("error %q does not mention rf config init", err)
	}
}

func TestLoadOptionalMissingFileIsNil(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for missing file")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "reelforge.yml"), []byte(GenerateDefault("acme")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(ws)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant %q", cfg.Tenant.ID)
	}
}
