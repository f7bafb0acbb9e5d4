package orchestrator

import (
	"context"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/critic"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/executor"
	"reelforge/internal/migrate"
)

type unhandledMutation struct{}

func (unhandledMutation) Kind() string { return "unhandled" }
func (unhandledMutation) mutation()    {}

// Failure handling marks the plan row the loop was running under, so
// applyMutation must hand back the caller's plan when it cannot commit a
// successor.
func TestApplyMutationErrorKeepsCallerPlan(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default("tenant-1"), executor.NewTemplateExecutor(), critic.Critic{})
	t.Cleanup(e.Shutdown)

	plan := domain.Plan{ID: "plan-1", JobID: "job-1", Status: domain.PlanScoring, CurrentRetry: 1}
	got, err := e.applyMutation(context.Background(), domain.Job{ID: "job-1"}, plan, unhandledMutation{}, domain.Score{})
	if err == nil {
		t.Fatal("expected an error for an unhandled mutation")
	}
	if got.ID != plan.ID {
		t.Fatalf("returned plan id %q, want caller's %q", got.ID, plan.ID)
	}
	if got.Status != plan.Status || got.CurrentRetry != plan.CurrentRetry {
		t.Fatalf("returned plan diverged from caller's: %+v vs %+v", got, plan)
	}
}
