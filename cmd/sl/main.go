package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storyline/internal/capability"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/provider/agentcli"
	"storyline/internal/provider/github"
	"storyline/internal/repo"
	"storyline/internal/server"
	"storyline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline drives development stories through a staged pipeline:
preparing -> clarifying -> planning -> designing -> coding -> verifying -> done.
Each stage produces a document (requirement, plan, design) that you review and
confirm before the story moves on. Coding and verification happen in rounds,
each on its own branch with its own pull request; roll back from verifying to
iterate on the same round or restart with a fresh one.`,
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
	viper.SetEnvPrefix("STORYLINE")
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
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, repoURL, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreateProject(ctx, name, repoURL, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&repoURL, "repo", "", "repository URL")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Repo", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.RepoURL, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{
		Use:   "story",
		Short: "Manage stories",
		Long: `Stories are units of work moving through the pipeline. Use advance to run
the current stage, confirm to accept its document, and rollback at verifying
to return to coding (iterate) or designing (restart).`,
	}
	story.AddCommand(storyCreateCmd())
	story.AddCommand(storyListCmd())
	story.AddCommand(storyShowCmd())
	story.AddCommand(storyAdvanceCmd())
	story.AddCommand(storyRollbackCmd())
	story.AddCommand(storyStopCmd())
	story.AddCommand(storyPreflightCmd())
	story.AddCommand(storyRoundsCmd())
	story.AddCommand(storyMessagesCmd())
	return story
}

func storyCreateCmd() *cobra.Command {
	var projectID, title, input string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := input
			if raw == "-" {
				data, err := readAllStdin()
				if err != nil {
					return err
				}
				raw = data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CreateStory(ctx, projectID, title, raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to first input line)")
	cmd.Flags().StringVar(&input, "input", "", "raw story input, or - for stdin")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func storyListCmd() *cobra.Command {
	var projectID, stageFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListStories(ctx, projectID, stageFilter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Stage, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&stageFilter, "stage", "", "stage filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func storyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func storyAdvanceCmd() *cobra.Command {
	var action, content, answers, feedback string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a story through its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := stage.AdvancePayload{
				Action:   action,
				Content:  content,
				Answers:  answers,
				Feedback: feedback,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Advance(ctx, args[0], payload)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				if res.Background {
					fmt.Printf("Started background task %s; follow it with 'sl story messages %s --follow'\n", res.TaskName, args[0])
					return nil
				}
				return printJSONOrTable(res.Story)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "advance action: empty to generate, confirm, reject")
	cmd.Flags().StringVar(&content, "content", "", "edited document content (with confirm)")
	cmd.Flags().StringVar(&answers, "answers", "", "answers to clarification questions")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for regeneration")
	return cmd
}

func storyRollbackCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll a verifying story back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Rollback(ctx, args[0], mode)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "iterate (same round, back to coding) or restart (new round, back to designing)")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

func storyStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Cancel the story's background task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stopped, err := e.Stop(ctx, args[0])
				if err != nil {
					return err
				}
				if stopped {
					fmt.Println("stop requested")
				} else {
					fmt.Println("nothing running")
				}
				return nil
			})
		},
	}
}

func storyPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <id>",
		Short: "Check capability readiness for the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Preflight(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Capability", "Provider", "Required", "Status"})
				for _, c := range report.Checks {
					status := "ok"
					if c.Problem != "" {
						status = c.Problem
					}
					tw.AppendRow(table.Row{c.Capability, c.Provider, c.Required, status})
				}
				tw.Render()
				if !report.OK() {
					return fmt.Errorf("preflight failed: %s", strings.Join(report.Errors, "; "))
				}
				return nil
			})
		},
	}
}

func storyRoundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rounds <id>",
		Short: "List a story's rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListRounds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Type", "Status", "Branch", "Closed"})
				for _, rd := range items {
					reason := ""
					if rd.CloseReason != nil {
						reason = *rd.CloseReason
					}
					tw.AppendRow(table.Row{rd.Number, rd.Type, rd.Status, rd.BranchName, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func storyMessagesCmd() *cobra.Command {
	var follow bool
	var afterSeq int64
	cmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "Show the active round's message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if !follow {
					round, err := e.Repo.ActiveRound(ctx, args[0])
					if err != nil {
						return err
					}
					items, err := e.Repo.ListMessages(ctx, round.ID, afterSeq)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					for _, m := range items {
						fmt.Printf("%4d %-12s %s\n", m.Seq, m.Type, m.Content)
					}
					return nil
				}
				_, history, live, cancel, err := e.Subscribe(ctx, args[0])
				if err != nil {
					return err
				}
				defer cancel()
				for _, m := range history {
					fmt.Printf("%4d %-12s %s\n", m.Seq, m.Type, m.Content)
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case m, open := <-live:
						if !open {
							return nil
						}
						fmt.Printf("%4d %-12s %s\n", m.Seq, m.Type, m.Content)
						if m.Type == "done" || m.Type == "error" {
							return nil
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "stream live messages until the task ends")
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "only messages after this sequence number")
	return cmd
}

func capabilityCmd() *cobra.Command {
	capCmd := &cobra.Command{
		Use:   "capability",
		Short: "Manage capability bindings",
		Long: `Capabilities are the external services stages depend on: agent, scm, ci,
doc, sandbox, notification. Global defaults live in storyline.yml; per-project
overrides shadow them.`,
	}
	capCmd.AddCommand(capabilitySetCmd())
	capCmd.AddCommand(capabilityListCmd())
	capCmd.AddCommand(capabilityUnsetCmd())
	capCmd.AddCommand(capabilityHealthCmd())
	return capCmd
}

func capabilitySetCmd() *cobra.Command {
	var projectID, provider string
	var settingsList []string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "set <capability>",
		Short: "Set a project capability override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]string{}
			for _, kv := range settingsList {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid setting %q (want key=value)", kv)
				}
				settings[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ov, err := e.SetCapabilityOverride(ctx, projectID, args[0], provider, settings, disabled)
				if err != nil {
					return err
				}
				return printJSONOrTable(ov)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringArrayVar(&settingsList, "setting", []string{}, "provider setting key=value (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "disable the capability for this project")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func capabilityListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project capability overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListCapabilityOverrides(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func capabilityUnsetCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "unset <capability>",
		Short: "Remove a project capability override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteCapabilityOverride(ctx, projectID, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func capabilityHealthCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "health <capability>",
		Short: "Check capability health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				status, err := e.Caps.Health(ctx, capability.Name(args[0]), projectID, force)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the health cache")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is storyline.yml in the workspace: capability defaults and engine settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if a := e.Config.Server.Addr; a != "" && !cmd.Flags().Changed("addr") {
					addr = a
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STORYLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = e.Config.Server.JWTSecret
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()
	return fn(ctx, newEngine(conn, cfg, log))
}

func newEngine(conn *sql.DB, cfg *config.Config, log *zap.Logger) *engine.Engine {
	caps := capability.NewRegistry(cfg, repo.Repo{DB: conn})
	caps.RegisterFactory(capability.NameAgent, "cli", agentcli.New)
	caps.RegisterFactory(capability.NameSCM, "github", github.NewSCM)
	caps.RegisterFactory(capability.NameCI, "github", github.NewCI)
	return engine.New(conn, cfg, caps, log)
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

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
