package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pagegen/internal/app"
	"pagegen/internal/config"
	"pagegen/internal/domain"
	"pagegen/internal/engine"
	"pagegen/internal/repo"
	"pagegen/internal/server"
	"pagegen/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "pagegen",
	Short: "pagegen CLI",
	Long: `pagegen produces pillar and cluster pages through a content backend, with
bounded concurrency and a deterministic fallback generator.
Core concepts:
- Workspace: a directory holding pagegen.yml and the .pagegen database.
- Run: an ordered list of page tasks executed one at a time; runs can be paused, resumed and cancelled between tasks.
- Tracker: times every backend call against a name-derived deadline and keeps success statistics.
- Governor: caps concurrently admitted calls and may preempt lower-priority ones.
- Fallback: when the backend fails, a deterministic page of the requested size is produced instead.
- Event log: every status change and completed page, view with 'pagegen log tail'.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ctx := telemetry.WithLogger(cmd.Context(), viper.GetBool("log-json"), viper.GetBool("debug"))
		cmd.SetContext(ctx)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAGEGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logs")
	for _, name := range []string{"workspace", "json", "actor-id", "log-json", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func generateCmd() *cobra.Command {
	var file, priority, provider, outDir string
	var showStats bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate pages from a task file",
		Long: `Reads a YAML or JSON task file, either a list of tasks or an object with
"tasks" and an optional "priority", and runs it to completion. Ctrl-C cancels
the run after the page in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadTaskFile(file)
			if err != nil {
				return err
			}
			if priority == "" {
				priority = spec.Priority
			}
			return withApp(cmd.Context(), provider, func(ctx context.Context, a *app.App) error {
				a.Start(ctx)
				jsonOut := viper.GetBool("json")
				run, results, err := a.Engine.Generate(ctx, engine.StartOptions{
					Tasks:    spec.Tasks,
					Priority: priority,
					ActorID:  viper.GetString("actor-id"),
				}, func(p domain.Progress) {
					if !jsonOut {
						fmt.Fprintf(os.Stderr, "[%d/%d] %s (eta %s)\n", p.Completed, p.Total, p.CurrentTitle, p.EstimatedRemaining.Round(time.Second))
					}
				})
				if run.RunID == "" {
					return err
				}
				if outDir != "" {
					if werr := writePages(outDir, results); werr != nil {
						return werr
					}
				}
				if jsonOut {
					out := map[string]any{"run": run, "results": results}
					if showStats {
						out["stats"] = a.Engine.Stats()
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Run %s: %s (%d/%d)\n", run.RunID, run.Status, run.Completed, run.Total)
				printResults(results)
				if showStats {
					printStats(a.Engine)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task file (YAML or JSON)")
	cmd.Flags().StringVar(&priority, "priority", "", "run priority: low, medium, high or critical")
	cmd.Flags().StringVar(&provider, "backend", "", "backend provider override: none or anthropic")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write each page to <dir>/<task id>.md")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print operation statistics")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Runs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Priority", "Progress", "Started", "Error"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.RunID, r.Status, r.Priority, fmt.Sprintf("%d/%d", r.Completed, r.Total), r.StartedAt.Local().Format(time.DateTime), r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := a.Engine.Results(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "results": results})
				}
				fmt.Printf("Run: %s\nStatus: %s\nPriority: %s\nProgress: %d/%d\n", run.RunID, run.Status, run.Priority, run.Completed, run.Total)
				if run.Error != "" {
					fmt.Printf("Error: %s\n", run.Error)
				}
				printResults(results)
				return nil
			})
		},
	}
	return cmd
}

func resultsCmd() *cobra.Command {
	res := &cobra.Command{Use: "results", Short: "Work with generated pages"}
	var outDir string
	export := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run's pages as markdown files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				results, err := a.Engine.Results(ctx, args[0])
				if err != nil {
					return err
				}
				if err := writePages(outDir, results); err != nil {
					return err
				}
				fmt.Printf("wrote %d pages to %s\n", len(results), outDir)
				return nil
			})
		},
	}
	export.Flags().StringVarP(&outDir, "out", "o", "pages", "output directory")
	res.AddCommand(export)
	return res
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var runID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&runID, "run", "", "run id filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage pagegen.yml",
		Long:  "pagegen.yml sets the tracker deadlines, governor capacity, backend provider, HTTP server and webhooks. Missing files mean defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pagegen.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pagegen.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				plain, key, err := a.Engine.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key for %s (id %s):\n%s\n", key.ActorID, key.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: legacyActor,
					AllowDevLogin:          devLogin,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" && !legacyActor {
					return fmt.Errorf("PAGEGEN_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				a.Start(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := server.NewWebhookDispatcher(a.Engine, a.Logger); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				fmt.Printf("Serving pagegen API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from pagegen.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from pagegen.yml)")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, provider string, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Provider:  provider,
		APIKey:    viper.GetString("anthropic_api_key"),
		Logger:    telemetry.NewClueLogger(),
		Metrics:   telemetry.NewOTELMetrics(),
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func printResults(results []domain.GenerationResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Title", "Provenance", "Words"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.TaskID, r.Title, r.Provenance, r.Length})
	}
	tw.Render()
}

func printStats(e engine.Engine) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Operation", "Count", "Avg", "Min", "Max", "Success"})
	for _, s := range e.Stats() {
		tw.AppendRow(table.Row{s.Name, s.Count, s.AvgDuration.Round(time.Millisecond), s.MinDuration.Round(time.Millisecond), s.MaxDuration.Round(time.Millisecond), fmt.Sprintf("%.0f%%", s.SuccessRate*100)})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
