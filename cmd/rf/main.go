package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reelforge/internal/config"
	"reelforge/internal/critic"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/executor"
	"reelforge/internal/migrate"
	"reelforge/internal/orchestrator"
	"reelforge/internal/repo"
	"reelforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "ReelForge CLI",
	Long: `ReelForge runs a creative feedback loop for short-form video jobs.
Core concepts:
- Workspace: your .reelforge directory holding the database; reelforge.yml holds policy and catalogs.
- Job: one request to produce a video for a platform; states go queued -> running -> accepted/failed/cancelled.
- Plan: the creative choices (persona, emotion curve, hook type) behind an attempt.
- Story: the structured scene script an attempt produced.
- Critic: scores each story against the platform policy; below threshold triggers a retry with a targeted mutation.
- Memory: accepted patterns are remembered per platform and sampled for future plans.
- Schedule locks: at most one in-flight job per schedule slot.
- Event log: every loop step is recorded; view with 'rf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REELFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var tenantID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "local", "tenant identifier")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func submitCmd() *cobra.Command {
	var platform, topic, audience, scheduleKey string
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a video job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *orchestrator.Engine) error {
				res, err := e.Submit(ctx, orchestrator.SubmitRequest{
					Platform:    platform,
					Topic:       topic,
					Audience:    audience,
					ScheduleKey: scheduleKey,
				})
				if err != nil {
					return err
				}
				if res.Deduped {
					fmt.Printf("deduplicated: request matches job %s (%s)\n", res.Job.ID, res.Job.State)
					return nil
				}
				if !wait {
					return printJSONOrTable(res.Job)
				}
				job, err := waitTerminal(ctx, e, res.Job.ID, timeout)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					st, err := e.GetStatus(ctx, job.ID)
					if err != nil {
						return err
					}
					return printJSON(st)
				}
				printJobSummary(job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "target platform (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "video topic (required)")
	cmd.Flags().StringVar(&audience, "audience", "", "target audience")
	cmd.Flags().StringVar(&scheduleKey, "schedule-key", "", "schedule slot key")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the loop to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "max time to wait")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func waitTerminal(ctx context.Context, e *orchestrator.Engine, jobID string, timeout time.Duration) (domain.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := e.Repo.GetJob(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		switch job.State {
		case domain.JobAccepted, domain.JobFailed, domain.JobCancelled:
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("timed out waiting for job %s (state %s)", jobID, job.State)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}

func printJobSummary(job domain.Job) {
	fmt.Printf("Job %s: %s\n", job.ID, job.State)
	if job.FailureReason != nil {
		fmt.Printf("Reason: %s\n", *job.FailureReason)
	}
	if job.AcceptedStoryID != nil {
		fmt.Printf("Accepted story: %s\n", *job.AcceptedStoryID)
	}
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect and control jobs"}
	job.AddCommand(jobGetCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *orchestrator.Engine) error {
				st, err := e.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				jobs, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Platform", "Topic", "State", "Reason", "Created"})
				for _, j := range jobs {
					reason := ""
					if j.FailureReason != nil {
						reason = *j.FailureReason
					}
					tw.AppendRow(table.Row{j.ID, j.Platform, j.Topic, j.State, reason, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Platform, "platform", "", "platform filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max jobs")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *orchestrator.Engine) error {
				job, err := e.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("cancellation requested for job %s (was %s)\n", job.ID, job.State)
				return nil
			})
		},
	}
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{Use: "story", Short: "Inspect generated stories"}
	story.AddCommand(&cobra.Command{
		Use:   "show <job-id>",
		Short: "Show the accepted story for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *orchestrator.Engine) error {
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if job.AcceptedStoryID == nil {
					return fmt.Errorf("job %s has no accepted story (state %s)", job.ID, job.State)
				}
				st, err := e.Repo.GetStory(ctx, *job.AcceptedStoryID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Story %s (%.1fs, attempt %d)\n", st.ID, st.TotalDuration, st.Attempt)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Purpose", "Start", "End", "Narration"})
				for _, sc := range st.Scenes {
					tw.AppendRow(table.Row{sc.Index, sc.Purpose, fmt.Sprintf("%.1f", sc.Start), fmt.Sprintf("%.1f", sc.End), sc.Narration})
				}
				tw.Render()
				return nil
			})
		},
	})
	return story
}

func memoryCmd() *cobra.Command {
	mem := &cobra.Command{Use: "memory", Short: "Inspect creative memory"}
	var f repo.MemoryFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List memories by weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				mems, err := r.ListMemories(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mems)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Reference", "Platform", "Score", "Reuses"})
				for _, m := range mems {
					tw.AppendRow(table.Row{m.Type, m.ReferenceID, m.Platform, fmt.Sprintf("%.3f", m.Score), m.ReuseCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "memory type (hook, persona, emotion_curve)")
	list.Flags().StringVar(&f.Platform, "platform", "", "platform filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	mem.AddCommand(list)
	return mem
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Inspect platform policies"}
	pol.AddCommand(&cobra.Command{
		Use:   "show [platform]",
		Short: "Show platform policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				p, ok := cfg.Policy(args[0])
				if !ok {
					return fmt.Errorf("no policy for platform %q", args[0])
				}
				return printJSON(p)
			}
			return printJSON(cfg.Platforms)
		},
	})
	return pol
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, jobID, evtType, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := buildEngine(conn, cfg)
			defer e.Shutdown()
			if n, err := e.Recover(cmd.Context()); err != nil {
				return err
			} else if n > 0 {
				fmt.Printf("recovered %d in-flight jobs\n", n)
			}

			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("REELFORGE_JWT_SECRET"),
				AllowAnonymous: insecure,
			}
			if key := os.Getenv("REELFORGE_API_KEY"); key != "" {
				authCfg.APIKeys = append(authCfg.APIKeys, key)
			}
			if !insecure && authCfg.JWTSecret == "" && len(authCfg.APIKeys) == 0 {
				return fmt.Errorf("set REELFORGE_JWT_SECRET or REELFORGE_API_KEY, or pass --insecure")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving ReelForge API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve without authentication")
	return cmd
}

// --- helpers ---

func buildEngine(conn *sql.DB, cfg *config.Config) *orchestrator.Engine {
	var exec executor.StoryExecutor = executor.NewTemplateExecutor()
	cr := critic.Critic{}
	if cfg.Executor.Mode == "llm" {
		apiKey := cfg.Executor.APIKey
		if env := os.Getenv("REELFORGE_LLM_API_KEY"); env != "" {
			apiKey = env
		}
		exec = executor.NewLLMExecutor(apiKey, cfg.Executor.BaseURL, cfg.Executor.Model)
		cr.Model = critic.NewLLMModel(apiKey, cfg.Executor.BaseURL, cfg.Executor.Model)
	}
	return orchestrator.New(conn, cfg, exec, cr)
}

func withEngine(ctx context.Context, fn func(context.Context, *orchestrator.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := buildEngine(conn, cfg)
	defer e.Shutdown()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
