package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"briefloop/internal/app"
	"briefloop/internal/autopilot"
	"briefloop/internal/config"
	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/repo"
	"briefloop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "briefloop CLI",
	Long: `briefloop runs an agency's client intake and campaign cycle.
- Project: a client engagement that moves BRIEF_RECEIVED -> AUDIT_SEARCH -> STRATEGY_GEN -> ACTION_PLAN -> PRODUCTION -> REPORTING_ROTATION.
- Intake record: the brief a client fills in through a public link; DRAFT -> SENT -> COMPLETED, locked once completed.
- Cycle: the agency-wide autopilot that walks onboarding -> ... -> analytics and rolls over with a retrospective.
- Workspace: the directory holding agency.yml and the .briefloop database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BRIEFLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage agency.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agency.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate agency.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectEventCmd())
	prj.AddCommand(projectAdvanceCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Client", "Sector", "Stage"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.ClientID, p.Sector, p.WorkflowStage})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = viper.GetString("actor-id")
				p, err := a.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(p, fmt.Sprintf("Created project %s (%s)", p.ID, p.WorkflowStage))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Sector, "sector", "", "business sector")
	cmd.Flags().StringVar(&opts.RotationPeriod, "rotation", "", "rotation period, e.g. monthly")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "event <id> <event>",
		Short: "Apply a workflow event (BRIEF_COMPLETED, AUDIT_COMPLETED, STRATEGY_APPROVED)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, moved, err := a.Engine.ApplyEvent(ctx, args[0], strings.ToUpper(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Project %s stays at %s", p.ID, p.WorkflowStage)
				if moved {
					msg = fmt.Sprintf("Project %s moved to %s", p.ID, p.WorkflowStage)
				}
				return printResult(p, msg)
			})
		},
	}
}

func projectAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a project to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.AdvanceStage(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(p, fmt.Sprintf("Project %s moved to %s", p.ID, p.WorkflowStage))
			})
		},
	}
}

func strategyCmd() *cobra.Command {
	st := &cobra.Command{Use: "strategy", Short: "Manage project strategies"}
	var title string
	create := &cobra.Command{
		Use:   "create <project>",
		Short: "Draft a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateStrategy(ctx, args[0], title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(s, fmt.Sprintf("Created strategy %s", s.ID))
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "strategy title")
	st.AddCommand(create)
	st.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List strategies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListStrategies(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return st
}

func intakeCmd() *cobra.Command {
	in := &cobra.Command{Use: "intake", Short: "Manage client briefs"}
	in.AddCommand(intakeCreateCmd())
	in.AddCommand(intakeListCmd())
	in.AddCommand(intakeShowCmd())
	in.AddCommand(intakeAnswersCmd())
	in.AddCommand(intakeTokenCmd("validate", "Complete and lock a brief", func(ctx context.Context, a *app.App, token, actor string) (domain.IntakeRecord, error) {
		return a.Engine.Validate(ctx, token, actor)
	}))
	in.AddCommand(intakeTokenCmd("focus", "Claim the agency editing focus", func(ctx context.Context, a *app.App, token, actor string) (domain.IntakeRecord, error) {
		return a.Engine.ClaimFocus(ctx, token, domain.FocusAgency, actor)
	}))
	in.AddCommand(intakeTokenCmd("release", "Release the agency editing focus", func(ctx context.Context, a *app.App, token, actor string) (domain.IntakeRecord, error) {
		return a.Engine.ReleaseFocus(ctx, token, domain.FocusAgency, actor)
	}))
	in.AddCommand(&cobra.Command{
		Use:   "dispatch <token>",
		Short: "Mark a brief sent and print its mail composer link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, mailto, err := a.Engine.Dispatch(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(map[string]any{"record": rec, "mailto": mailto}, mailto)
			})
		},
	})
	in.AddCommand(&cobra.Command{
		Use:   "delete <token>",
		Short: "Delete a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Delete(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("Deleted")
				return nil
			})
		},
	})
	return in
}

func intakeCreateCmd() *cobra.Command {
	var req engine.IntakeRequest
	cmd := &cobra.Command{
		Use:   "create <project>",
		Short: "Create a brief, or reuse the open one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req.ProjectID = args[0]
				req.ActorID = viper.GetString("actor-id")
				rec, err := a.Engine.CreateOrReuse(ctx, req)
				if err != nil {
					return err
				}
				return printResult(rec, fmt.Sprintf("%s %s\n%s", rec.Status, rec.Token, rec.Link))
			})
		},
	}
	cmd.Flags().StringVar(&req.ClientID, "client", "", "client id (must own the project)")
	cmd.Flags().StringVar(&req.Config.SectorName, "sector", "", "sector (defaults to the project sector)")
	cmd.Flags().StringVar(&req.Config.DistributionContext, "context", "", "distribution context")
	cmd.Flags().StringSliceVar(&req.Config.Channels, "channel", nil, "channels (repeatable)")
	cmd.Flags().StringVar(&req.Dispatch, "dispatch", domain.DispatchManual, "dispatch method (MANUAL, EMAIL)")
	return cmd
}

func intakeListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List briefs of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for i := range statuses {
					statuses[i] = strings.ToUpper(statuses[i])
				}
				items, err := a.Engine.List(ctx, repo.IntakeFilter{ProjectID: args[0], Statuses: statuses})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Token", "Status", "Dispatch", "Answers", "Focus", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Token, r.Status, r.DispatchMethod, len(r.Answers), r.CurrentFocus, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (DRAFT, SENT, COMPLETED)")
	return cmd
}

func intakeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func intakeAnswersCmd() *cobra.Command {
	var file string
	var merge bool
	cmd := &cobra.Command{
		Use:   "answers <token>",
		Short: "Save answers from a JSON object file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			var answers map[string]json.RawMessage
			if err := json.Unmarshal(data, &answers); err != nil {
				return fmt.Errorf("answers must be a JSON object: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				var rec domain.IntakeRecord
				if merge {
					rec, err = a.Engine.MergeAnswers(ctx, args[0], answers, time.Time{}, actor)
				} else {
					rec, err = a.Engine.SaveAnswers(ctx, args[0], answers, actor)
				}
				if err != nil {
					return err
				}
				return printResult(rec, fmt.Sprintf("Saved %d answers", len(rec.Answers)))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "answers file")
	cmd.Flags().BoolVar(&merge, "merge", false, "merge field by field instead of replacing")
	return cmd
}

func intakeTokenCmd(use, short string, fn func(context.Context, *app.App, string, string) (domain.IntakeRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <token>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := fn(ctx, a, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(rec, fmt.Sprintf("%s %s (focus %s)", rec.Token, rec.Status, rec.CurrentFocus))
			})
		},
	}
}

func cycleCmd() *cobra.Command {
	cy := &cobra.Command{Use: "cycle", Short: "Drive the campaign cycle"}
	cy.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the cycle state and log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				st, err := m.State(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Cycle %d at %s (autopilot %s)\n", st.CycleNumber, st.Stage, onOff(st.Enabled))
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Message"})
				for _, e := range st.Log {
					tw.AppendRow(table.Row{e.TS, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	})
	cy.AddCommand(&cobra.Command{
		Use:   "advance",
		Short: "Advance one stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				stage, err := m.Advance(ctx)
				if err != nil {
					return err
				}
				fmt.Println(stage)
				return nil
			})
		},
	})
	var skip bool
	rollover := &cobra.Command{
		Use:   "rollover",
		Short: "Close the cycle at analytics and start the next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				st, err := m.Rollover(ctx, autopilot.RolloverOptions{SkipRetrospective: skip})
				if err != nil {
					return err
				}
				return printResult(st, fmt.Sprintf("Cycle %d started at %s", st.CycleNumber, st.Stage))
			})
		},
	}
	rollover.Flags().BoolVar(&skip, "skip-retrospective", false, "roll over without generating a retrospective")
	cy.AddCommand(rollover)
	cy.AddCommand(&cobra.Command{
		Use:       "toggle <on|off>",
		Short:     "Enable or disable the autopilot",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "enable":
				enabled = true
			case "off", "false", "disable":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				st, err := m.Toggle(ctx, enabled)
				if err != nil {
					return err
				}
				return printResult(st, "Autopilot "+onOff(st.Enabled))
			})
		},
	})
	cy.AddCommand(&cobra.Command{
		Use:   "metrics <json>",
		Short: "Record the previous period metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				st, err := m.RecordMetrics(ctx, json.RawMessage(args[0]))
				if err != nil {
					return err
				}
				return printResult(st, fmt.Sprintf("Metrics recorded for cycle %d", st.CycleNumber))
			})
		},
	})
	var limit int
	retros := &cobra.Command{
		Use:   "retros",
		Short: "List retrospectives as markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, m *autopilot.Machine) error {
				items, err := m.Retrospectives(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, r := range items {
					fmt.Printf("# Cycle %d (%s)\n\n%s\n\n", r.CycleNumber, r.CreatedAt, r.Markdown)
				}
				return nil
			})
		},
	}
	retros.Flags().IntVar(&limit, "limit", 5, "number of retrospectives")
	cy.AddCommand(retros)
	return cy
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit events"}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEventsFrom(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func authCmd() *cobra.Command {
	au := &cobra.Command{Use: "auth", Short: "Staff credentials"}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff bearer token signed with BRIEFLOOP_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	au.AddCommand(token)
	return au
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAutopilot bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhooks and autopilot",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("BRIEFLOOP_JWT_SECRET is required for bearer auth")
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: slog.Default()})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.ApplyAutopilotDefault(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Machine:  a.Machine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Logger},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			go server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger).Run(ctx)
			if !noAutopilot {
				go a.Runner().Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving briefloop API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAutopilot, "no-autopilot", false, "do not run the autopilot ticker")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: slog.Default(), SkipNotify: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withMachine(ctx context.Context, fn func(context.Context, *autopilot.Machine) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(autopilot.WithActor(ctx, viper.GetString("actor-id")), a.Machine)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printResult(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
