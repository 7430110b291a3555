package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"expectline/internal/app"
	"expectline/internal/config"
	"expectline/internal/db"
	"expectline/internal/domain"
	"expectline/internal/engine"
	"expectline/internal/repo"
	"expectline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "xl",
	Short: "Expectline CLI",
	Long: `Expectline scores the expectations attached to simulated attacks and rolls
them up the target hierarchy.
- Expectation: what should happen when an inject runs (detection, prevention, a
  human answer...) for one target, with an expected score.
- Targets: agent -> asset -> asset group for technical kinds, player -> team for
  human kinds. Only leaves take results; parents are always computed.
- Results: one per source. Re-reporting from the same source replaces the old one.
- Sweep: agent expectations with no answer in time are failed as "Expired".
- Event log: every change is recorded, view with 'xl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EXPECTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/expectline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(expectationCmd())
	rootCmd.AddCommand(signatureCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage expectline.yml",
		Long:  "Config holds the expiration windows per type, the sweeper source, logging, the API address and the optional Redis stream for score changes.",
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
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func expectationCmd() *cobra.Command {
	exp := &cobra.Command{Use: "expectation", Aliases: []string{"exp"}, Short: "Inspect and score expectations"}
	exp.AddCommand(expectationListCmd())
	exp.AddCommand(expectationShowCmd())
	exp.AddCommand(expectationSeedCmd())
	exp.AddCommand(expectationRecordCmd())
	exp.AddCommand(expectationVerdictCmd())
	exp.AddCommand(expectationBulkCmd())
	exp.AddCommand(expectationDeleteResultCmd())
	exp.AddCommand(expectationPurgeCmd())
	return exp
}

func expectationListCmd() *cobra.Command {
	var f repo.ExpectationFilters
	var pending, resolved bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expectations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending && resolved {
				return fmt.Errorf("--pending and --resolved are exclusive")
			}
			if pending || resolved {
				f.Resolved = &resolved
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExpectations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printExpectations(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InjectID, "inject", "", "inject id")
	cmd.Flags().StringVar(&f.Type, "type", "", "expectation type")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&f.AssetID, "asset", "", "asset id")
	cmd.Flags().StringVar(&f.AssetGroupID, "asset-group", "", "asset group id")
	cmd.Flags().StringVar(&f.UserID, "user", "", "player id")
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team id")
	cmd.Flags().BoolVar(&pending, "pending", false, "only expectations without a score")
	cmd.Flags().BoolVar(&resolved, "resolved", false, "only scored expectations")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func expectationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one expectation with its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.GetExpectation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				printExpectations([]domain.Expectation{exp})
				if len(exp.Results) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Source", "Name", "Platform", "Score", "Result", "Date"})
				for _, r := range exp.Results {
					tw.AppendRow(table.Row{r.SourceID, r.SourceName, r.SourcePlatform, r.Score, r.Result, r.Date})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func expectationSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the expectations of an inject from a JSON build request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.BuildRequest
			if err := readJSONFile(file, &req); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.BuildExpectations(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				printExpectations(created)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "build request JSON file, - for stdin")
	return cmd
}

func expectationRecordCmd() *cobra.Command {
	var obs engine.Observation
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Record a technical observation from one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.RecordTechnicalObservation(ctx, args[0], obs)
				if err != nil {
					return err
				}
				return printExpectation(exp)
			})
		},
	}
	cmd.Flags().StringVar(&obs.SourceID, "source", "", "source id")
	cmd.Flags().StringVar(&obs.SourceType, "source-type", "", "source type")
	cmd.Flags().StringVar(&obs.SourceName, "source-name", "", "source display name")
	cmd.Flags().StringVar(&obs.SourcePlatform, "source-platform", "", "source platform")
	cmd.Flags().Float64Var(&obs.Score, "score", 0, "reported score")
	cmd.Flags().StringVar(&obs.Result, "result", "", "result label (derived from the score when empty)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func expectationVerdictCmd() *cobra.Command {
	var source string
	var score float64
	cmd := &cobra.Command{
		Use:   "verdict <id>",
		Short: "Grade a human-response expectation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				source = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.RecordHumanVerdict(ctx, args[0], source, score)
				if err != nil {
					return err
				}
				return printExpectation(exp)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "grader label (defaults to --actor-id)")
	cmd.Flags().Float64Var(&score, "score", 0, "score between 0 and the expected score")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

type bulkItem struct {
	ExpectationID string `json:"expectation_id"`
	engine.Observation
}

func expectationBulkCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Record many observations in one pass from a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []bulkItem
			if err := readJSONFile(file, &items); err != nil {
				return err
			}
			batch := make(map[string]engine.Observation, len(items))
			for _, it := range items {
				if _, dup := batch[it.ExpectationID]; dup {
					return fmt.Errorf("expectation %s appears twice", it.ExpectationID)
				}
				batch[it.ExpectationID] = it.Observation
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.BulkRecordTechnicalObservations(ctx, batch); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"recorded": len(batch)})
				}
				fmt.Printf("recorded %d observations\n", len(batch))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file, - for stdin")
	return cmd
}

func expectationDeleteResultCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "delete-result <id>",
		Short: "Remove one source's result and recompute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.DeleteResult(ctx, args[0], source)
				if err != nil {
					return err
				}
				return printExpectation(exp)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source id")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func expectationPurgeCmd() *cobra.Command {
	var injectID string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every expectation and signature of an inject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.DeleteInjectExpectations(ctx, injectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"deleted": n})
				}
				fmt.Printf("deleted %d expectations\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&injectID, "inject", "", "inject id")
	_ = cmd.MarkFlagRequired("inject")
	return cmd
}

func signatureCmd() *cobra.Command {
	var sig domain.Signature
	var kind string
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Record when an agent started or finished executing an inject",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig.Kind = domain.SignatureKind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RecordSignature(ctx, sig)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&sig.InjectID, "inject", "", "inject id")
	cmd.Flags().StringVar(&sig.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&kind, "kind", "", "start or end")
	cmd.Flags().StringVar(&sig.At, "at", "", "RFC3339 time (default now)")
	_ = cmd.MarkFlagRequired("inject")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func sweepCmd() *cobra.Command {
	var types []string
	var cutoff int
	var sourceID string
	var every time.Duration
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue agent expectations",
		Long:  "Fails agent expectations that got no result within their window. With --every the sweep repeats until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected := domain.TechnicalTypes
			if len(types) > 0 {
				selected = nil
				for _, t := range types {
					selected = append(selected, domain.ExpectationType(strings.ToUpper(t)))
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run := func() error {
					var reports []engine.SweepReport
					for _, t := range selected {
						report, err := rt.Engine.SweepExpired(ctx, engine.SweepOptions{Type: t, CutoffMinutes: cutoff, SourceID: sourceID})
						if err != nil {
							return err
						}
						reports = append(reports, report)
					}
					return printSweep(reports)
				}
				if watch && every <= 0 {
					every = rt.Config.SweepInterval()
				}
				if every <= 0 {
					return run()
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					if err := run(); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						rt.Logger.Error("sweep failed", "error", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "types to sweep (default all technical types)")
	cmd.Flags().IntVar(&cutoff, "cutoff", 0, "minutes for records without their own expiration (default from config)")
	cmd.Flags().StringVar(&sourceID, "source", "", "only expire records still missing a result from this source")
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the sweep at this interval")
	cmd.Flags().BoolVar(&watch, "watch", false, "repeat the sweep at expiration.interval from config")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Inject", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.InjectID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.InjectID, "inject", "", "inject id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					Logger:           rt.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("EXPECTLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving expectline API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(engine.WithActor(ctx, viper.GetString("actor-id")), rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func readJSONFile(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printExpectation(exp domain.Expectation) error {
	if viper.GetBool("json") {
		return printJSON(exp)
	}
	printExpectations([]domain.Expectation{exp})
	return nil
}

func printExpectations(items []domain.Expectation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Inject", "Type", "Role", "Target", "Score", "Label", "Results"})
	for _, e := range items {
		role, target := "?", ""
		if r, err := engine.RoleOf(e); err == nil {
			role = string(r)
			target = targetOf(e, r)
		}
		score := "-"
		if e.Score != nil {
			score = fmt.Sprintf("%g/%g", *e.Score, e.ExpectedScore)
		}
		tw.AppendRow(table.Row{e.ID, e.InjectID, e.Type, role, target, score, engine.ResultLabel(e.Type, e.Score, e.ExpectedScore), len(e.Results)})
	}
	tw.Render()
}

func targetOf(e domain.Expectation, role engine.Role) string {
	switch role {
	case engine.RoleAgent:
		return *e.AgentID + "@" + *e.AssetID
	case engine.RoleAsset:
		return *e.AssetID
	case engine.RoleAssetGroup:
		return *e.AssetGroupID
	case engine.RolePlayer:
		return *e.UserID + "@" + *e.TeamID
	case engine.RoleTeam:
		return *e.TeamID
	}
	return ""
}

func printSweep(reports []engine.SweepReport) error {
	if viper.GetBool("json") {
		return printJSON(reports)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Type", "Scanned", "Expired", "Failed"})
	for _, r := range reports {
		tw.AppendRow(table.Row{r.Type, r.Scanned, r.Expired, r.Failed})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
