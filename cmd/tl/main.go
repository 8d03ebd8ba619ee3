package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/approval"
	"taskline/internal/config"
	"taskline/internal/coordinator"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/governor"
	"taskline/internal/ingest"
	"taskline/internal/ledger"
	"taskline/internal/server"
	"taskline/internal/store"
	"taskline/internal/trust"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline is a durable task lifecycle engine.
Tasks move pending -> in_progress -> completed/failed, with an approval
side-branch (awaiting_approval) for work a human must sign off on. A retry
governor decides each task's next step, a trust controller adjusts how much
each department may do unattended, and every decision lands in an
append-only ledger.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "skip the claim check on mutations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(createApprovalCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default taskline.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	var department string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Store.CountTasksByStatus(ctx, department)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range []string{engine.StatusPending, engine.StatusInProgress, engine.StatusAwaitingApproval, engine.StatusCompleted, engine.StatusFailed} {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "department filter")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskExportCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskRetryCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type (email, file_arrival, approval_required, manual)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&opts.Department, "department", "", "owning department")
	cmd.Flags().StringVar(&opts.Content, "content", "", "task body")
	cmd.Flags().BoolVar(&opts.ApprovalRequired, "approval-required", false, "gate before completion")
	cmd.Flags().Float64Var(&opts.ConfidenceScore, "confidence", 0, "confidence score [0,1]")
	cmd.Flags().Float64Var(&opts.RiskFactor, "risk", 0, "risk factor [0,1]")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Store.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f store.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Statuses = []string{status}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Store.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Dept", "Retries", "Conf"})
				for _, t := range tasks {
					dept := ""
					if t.Department != nil {
						dept = *t.Department
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.Priority, dept, t.RetryCount, fmt.Sprintf("%.2f", t.ConfidenceScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tasks as record files, one directory per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Store.ListTasks(ctx, store.TaskFilters{})
				if err != nil {
					return err
				}
				for _, t := range tasks {
					dir := filepath.Join(outDir, t.Status)
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return err
					}
					dept := ""
					if t.Department != nil {
						dept = *t.Department
					}
					data, err := ingest.Render(ingest.Record{
						Header: ingest.Header{
							Type:             t.Type,
							Priority:         t.Priority,
							Department:       dept,
							ApprovalRequired: t.ApprovalRequired,
							Confidence:       t.ConfidenceScore,
							Risk:             t.RiskFactor,
							Status:           t.Status,
							RetryCount:       t.RetryCount,
							CreatedAt:        t.CreatedAt,
						},
						Body: t.Content,
					})
					if err != nil {
						return err
					}
					if err := os.WriteFile(filepath.Join(dir, t.ID+".md"), data, 0o644); err != nil {
						return err
					}
				}
				fmt.Printf("exported %d tasks to %s\n", len(tasks), outDir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "export", "output directory")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task for mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Claim(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Release(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func mutateOpts() engine.MutateOptions {
	return engine.MutateOptions{
		OwnerID: viper.GetString("actor-id"),
		ActorID: viper.GetString("actor-id"),
		Force:   viper.GetBool("force"),
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Complete(ctx, args[0], mutateOpts())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Fail(ctx, args[0], reason, mutateOpts())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a task, incrementing its counter; fails it at the ceiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Retry(ctx, args[0], reason, mutateOpts())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual retry", "retry reason")
	return cmd
}

func createApprovalCmd() *cobra.Command {
	var reqType, priority, department string
	var risk float64
	var fieldArgs []string
	cmd := &cobra.Command{
		Use:   "create-approval",
		Short: "Create an approval request task",
		Long: `Creates a task directly in awaiting_approval with a 24h expiry.
Known types: ` + strings.Join(approval.RequestTypes(), ", ") + `.
Fields are passed as --field key=value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]string{}
			for _, kv := range fieldArgs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --field %q, expected key=value", kv)
				}
				fields[k] = v
			}
			if err := approval.ValidateRequest(reqType, fields); err != nil {
				return err
			}
			content, err := approval.RenderRequest(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateApproval(ctx, engine.ApprovalCreateOptions{
					Type:       reqType,
					Priority:   priority,
					Department: department,
					Content:    content,
					RiskFactor: risk,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reqType, "type", "", "approval type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&department, "department", "", "owning department")
	cmd.Flags().Float64Var(&risk, "risk", 0, "risk factor [0,1]")
	cmd.Flags().StringArrayVar(&fieldArgs, "field", nil, "request field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an awaiting task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an awaiting task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest record files (the inbox, or one file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ing := ingest.New(a.Engine, a.InboxDir())
				if len(args) == 1 {
					// Single file: stage it into the inbox, then scan.
					if err := os.MkdirAll(a.InboxDir(), 0o755); err != nil {
						return err
					}
					data, err := os.ReadFile(args[0])
					if err != nil {
						return err
					}
					staged := filepath.Join(a.InboxDir(), filepath.Base(args[0]))
					if err := os.WriteFile(staged, data, 0o644); err != nil {
						return err
					}
				}
				tasks, err := ing.Scan(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the inbox and ingest records as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := ingest.NewWatcher(ingest.New(a.Engine, a.InboxDir()))
				fmt.Println("watching", a.InboxDir())
				return w.Run(ctx)
			})
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tc := trust.NewController(a.DB, a.Config, nil)
				sup := coordinator.NewSupervisor(a.Config, a.Engine.Ledger,
					governor.New(a.Engine, tc),
					approval.Expirer{Engine: a.Engine},
					tc,
					ingest.New(a.Engine, a.InboxDir()),
					coordinator.NewReaper(a.Engine),
				)
				fmt.Println("coordinator running; ctrl-c to stop")
				return sup.Run(ctx)
			})
		},
	}
}

func trustCmd() *cobra.Command {
	tr := &cobra.Command{Use: "trust", Short: "Department trust and autonomy"}
	tr.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show trust records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Store.ListTrustRecords(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Score", "Autonomy", "Tasks", "Successes", "Updated"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.Department, fmt.Sprintf("%.3f", r.TrustScore), r.AutonomyLevel, r.TaskCount, r.SuccessCount, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	tr.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute all trust records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := trust.NewController(a.DB, a.Config, nil).RecomputeAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	})
	return tr
}

func ledgerCmd() *cobra.Command {
	lg := &cobra.Command{Use: "ledger", Short: "Inspect the decision ledger"}
	var f ledger.Filters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Latest ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Ledger.Latest(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Task", "Actor", "Reason"})
				for i := len(entries) - 1; i >= 0; i-- {
					e := entries[i]
					tw.AppendRow(table.Row{e.TS, e.Type, e.TaskID, e.ActorID, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&f.Type, "type", "", "entry type filter")
	tail.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	tail.Flags().StringVar(&f.Department, "department", "", "department filter")
	tail.Flags().StringVar(&f.Day, "day", "", "day partition (YYYY-MM-DD)")
	tail.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("TASKLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
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
				fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
