package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mizan/internal/app"
	"mizan/internal/config"
	"mizan/internal/db"
	"mizan/internal/domain"
	"mizan/internal/engine"
	"mizan/internal/migrate"
	"mizan/internal/repo"
	"mizan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mz",
	Short: "Mizan CLI",
	Long: `Mizan turns regulatory obligations into activated controls and tracked tasks.
Core concepts:
- Workspace: your .mizan directory holding only the database; desk configs live in the DB and are imported explicitly.
- Desk: a compliance desk that owns runs, approvers, and webhooks.
- Catalog: the versioned control catalog bundled with the binary; controls are read-only.
- Feeds: per-regulator obligation lists; overlapping obligations are unified strictest-wins.
- Runs: one pipeline execution per deal configuration, from profiling through task publication.
- Gates: human checkpoints on configured phases; a paused run waits for approve/reject.
- Lineage: every published task traces back to control, risk, and obligation within its run.
- Event log: diary of changes, view with 'mz log tail'.`,
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
	viper.SetEnvPrefix("MIZAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("desk", "", "desk id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("desk", rootCmd.PersistentFlags().Lookup("desk"))
}

func registerCommands() {
	rootCmd.AddCommand(deskCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approverCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func deskCmd() *cobra.Command {
	desk := &cobra.Command{Use: "desk", Short: "Manage compliance desks"}
	desk.AddCommand(deskCreateCmd())
	desk.AddCommand(deskShowCmd())
	desk.AddCommand(deskUseCmd())
	desk.AddCommand(deskConfigCmd())
	return desk
}

func deskCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create desk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, err := engine.New(conn, config.Default(id))
			if err != nil {
				return err
			}
			if err := e.InitDesk(cmd.Context(), id, name, viper.GetString("actor-id")); err != nil {
				return err
			}
			return printJSONOrDump(map[string]string{"desk_id": id, "name": name})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "desk id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func deskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active desk config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrDump(e.Config)
			})
		},
	}
	return cmd
}

func deskUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current desk for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deskID := strings.TrimSpace(args[0])
			if deskID == "" {
				return fmt.Errorf("desk id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "MIZAN_DESK", deskID); err != nil {
				return err
			}
			fmt.Printf("Set MIZAN_DESK=%s in %s/.env\n", deskID, workspace)
			return nil
		},
	}
	return cmd
}

func deskConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage desk config",
	}
	cfg.AddCommand(deskConfigShowCmd())
	cfg.AddCommand(deskConfigImportCmd())
	return cfg
}

func deskConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show desk config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrDump(e.Config)
			})
		},
	}
	return cmd
}

func deskConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import desk config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			deskID := cfg.Desk.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if deskID == "" {
					deskID = e.Config.Desk.ID
				}
				if err := e.Repo.UpsertDeskConfig(ctx, deskID, cfg); err != nil {
					return err
				}
				return printJSONOrDump(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the control catalog",
		Long:  "The catalog is versioned and read-only: controls never change inside a run, and every run records the catalog version it used.",
	}
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogShowCmd())
	return cat
}

func catalogListCmd() *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog controls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				controls := e.Catalog.All()
				if bucket != "" {
					controls = e.Catalog.ListByBucket(domain.Bucket(bucket))
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": e.Catalog.Version, "controls": controls})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Bucket", "Name", "Baseline", "Trigger"})
				for _, c := range controls {
					trigger := c.TriggerField
					if c.Baseline {
						trigger = "-"
					}
					tw.AppendRow(table.Row{c.ID, c.Bucket, c.Name, c.Baseline, trigger})
				}
				fmt.Printf("Catalog version %s\n", e.Catalog.Version)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "filter by bucket")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <control_id>",
		Short: "Show one control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctrl, err := e.Catalog.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(ctrl)
			})
		},
	}
	return cmd
}

func feedCmd() *cobra.Command {
	feed := &cobra.Command{
		Use:   "feed",
		Short: "Manage obligation feeds",
		Long:  "Feeds are per-regulator obligation lists. Imported feeds override the bundled feed for the same regulator on subsequent runs.",
	}
	feed.AddCommand(feedImportCmd())
	feed.AddCommand(feedListCmd())
	return feed
}

func feedImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a regulator feed from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				regulator, err := e.ImportFeed(ctx, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(map[string]string{"regulator": regulator})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to feed YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func feedListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List imported feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				feeds, err := e.Repo.ListFeeds(ctx)
				if err != nil {
					return err
				}
				regulators := make([]string, 0, len(feeds))
				for r := range feeds {
					regulators = append(regulators, r)
				}
				return printJSONOrDump(map[string]any{"imported": regulators})
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
		Long:  "A run executes the full pipeline for one deal configuration. Runs pause at configured gates and must be re-submitted after failure; there is no in-place retry.",
	}
	run.AddCommand(runSubmitCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runGetCmd())
	run.AddCommand(runCancelCmd())
	return run
}

func runSubmitCmd() *cobra.Command {
	var filePath string
	var deal domain.DealConfiguration
	var regulators []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run for a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &deal); err != nil {
					return fmt.Errorf("deal file: %w", err)
				}
			}
			if len(regulators) > 0 {
				deal.Regulators = regulators
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.SubmitRun(ctx, engine.SubmitOptions{
					DeskID:  e.Config.Desk.ID,
					Deal:    deal,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s: %s\n", run.ID, run.Status)
				printPhaseTable(run)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "deal configuration JSON file")
	cmd.Flags().StringVar(&deal.DealID, "deal-id", "", "deal id")
	cmd.Flags().StringVar(&deal.Jurisdiction, "jurisdiction", "", "jurisdiction")
	cmd.Flags().StringArrayVar(&regulators, "regulator", []string{}, "regulator (repeatable)")
	cmd.Flags().StringVar(&deal.ProductType, "product-type", "", "product type")
	cmd.Flags().StringVar(&deal.AccountingStandard, "accounting-standard", "", "accounting standard")
	cmd.Flags().StringVar(&deal.Sustainability, "sustainability", "", "none|green|esg-linked")
	cmd.Flags().StringVar(&deal.GovernanceMaturity, "governance-maturity", "", "ssb_only|ssb_plus_audit|full_review")
	cmd.Flags().BoolVar(&deal.InternalAudit, "internal-audit", false, "internal audit function present")
	cmd.Flags().BoolVar(&deal.ExternalAudit, "external-audit", false, "external audit engaged")
	cmd.Flags().StringVar(&deal.CounterpartyRisk, "counterparty-risk", "", "low|medium|high")
	cmd.Flags().StringVar(&deal.Complexity, "complexity", "", "simple|moderate|complex")
	cmd.Flags().StringVar(&deal.CrossBorder, "cross-border", "", "none|gcc|international")
	return cmd
}

func runListCmd() *cobra.Command {
	var status, dealID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
					DeskID: e.Config.Desk.ID,
					DealID: dealID,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deal", "Status", "Catalog", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.DealID, r.Status, r.CatalogVersion, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&dealID, "deal-id", "", "filter by deal")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func runGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run_id>",
		Short: "Show a run with its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s (deal %s): %s\n", run.ID, run.DealID, run.Status)
				printPhaseTable(run)
				return nil
			})
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CancelRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(run)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Decide pending gates",
	}
	gate.AddCommand(gateApproveCmd())
	gate.AddCommand(gateRejectCmd())
	return gate
}

func gateApproveCmd() *cobra.Command {
	var runID, phaseID, feedback string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ResolveGate(ctx, engine.GateDecision{
					RunID:    runID,
					PhaseID:  phaseID,
					Approve:  true,
					ActorID:  viper.GetString("actor-id"),
					Feedback: feedback,
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(run)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "gated phase id")
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var runID, phaseID, reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a pending gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ResolveGate(ctx, engine.GateDecision{
					RunID:   runID,
					PhaseID: phaseID,
					Approve: false,
					ActorID: viper.GetString("actor-id"),
					Reason:  reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(run)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "gated phase id")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect published tasks",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskLineageCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks published by a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Priority", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.Priority, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

func taskLineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage <task_id>",
		Short: "Trace a task back to control, risk, and obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.Lineage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				fmt.Printf("Task       %s  %s\n", chain.Task.ID, chain.Task.Title)
				fmt.Printf("Control    %s\n", chain.ControlID)
				if chain.RiskID != "" {
					fmt.Printf("Risk       %s\n", chain.RiskID)
				}
				fmt.Printf("Obligation %s\n", chain.ObligationID)
				fmt.Printf("Run        %s\n", chain.Lineage.RunID)
				return nil
			})
		},
	}
	return cmd
}

func approverCmd() *cobra.Command {
	appr := &cobra.Command{
		Use:   "approver",
		Short: "Manage desk approvers",
	}
	appr.AddCommand(approverGrantCmd())
	appr.AddCommand(approverListCmd())
	return appr
}

func approverGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Register an actor as gate approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Auth.GrantApprover(ctx, tx, e.Config.Desk.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "approver role")
	return cmd
}

func approverListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List desk approvers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				approvers, err := e.Auth.ListApprovers(ctx, e.Config.Desk.ID)
				if err != nil {
					return err
				}
				return printJSONOrDump(approvers)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					DeskID:  viper.GetString("desk"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": actor, "key": raw}
				if key.DeskID != "" {
					out["desk_id"] = key.DeskID
				}
				return printJSONOrDump(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("desk"), actor)
				if err != nil {
					return err
				}
				return printJSONOrDump(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: run submissions, phase transitions, gate decisions, published tasks.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, runID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrDump(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveDeskAndConfig(cmd.Context(), workspace, viper.GetString("desk"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MIZAN_JWT_SECRET"), DeskID: cfg.Desk.ID}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MIZAN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(cmd.Context(), server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Mizan API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveDeskAndConfig(ctx, workspace, viper.GetString("desk"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
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

func printPhaseTable(run domain.WorkflowExecution) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Phase", "Status", "Gate", "Error"})
	for _, p := range run.Phases {
		gate := "-"
		if p.Gate != nil {
			gate = p.Gate.Status
		}
		errMsg := "-"
		if p.Error != nil {
			errMsg = p.Error.Kind
		}
		tw.AppendRow(table.Row{p.Seq, p.ID, p.Status, gate, errMsg})
	}
	tw.Render()
}

func printJSONOrDump(v any) error {
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
