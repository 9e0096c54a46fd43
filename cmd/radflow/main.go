package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"radflow/internal/clock"
	"radflow/internal/config"
	"radflow/internal/db"
	"radflow/internal/domain"
	"radflow/internal/engine"
	"radflow/internal/migrate"
	"radflow/internal/query"
	"radflow/internal/repo"
	"radflow/internal/server"
	"radflow/internal/status"
	"radflow/internal/tat"
)

var rootCmd = &cobra.Command{
	Use:   "radflow",
	Short: "Radflow CLI",
	Long: `Radflow tracks radiology studies through the reporting workflow.
Studies move received -> assigned -> reporting -> finalized -> downloaded,
every change lands in an append-only audit trail, and turnaround times are
computed fresh from the recorded milestones.`,
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
	viper.SetEnvPrefix("RADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(studyCmd())
	rootCmd.AddCommand(reviewerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(serveCmd())
}

func studyCmd() *cobra.Command {
	study := &cobra.Command{
		Use:   "study",
		Short: "Manage studies",
		Long:  "Studies are the work items. Register one at intake, assign a reviewer, drive it through the reporting states and archive it when done. Illegal jumps are rejected and leave the study untouched.",
	}
	study.AddCommand(studyRegisterCmd())
	study.AddCommand(studyShowCmd())
	study.AddCommand(studyListCmd())
	study.AddCommand(studyAssignCmd())
	study.AddCommand(studyTransitionCmd())
	study.AddCommand(studyReportCmd())
	study.AddCommand(studyDownloadCmd())
	study.AddCommand(studyArchiveCmd())
	study.AddCommand(studyHistoryCmd())
	study.AddCommand(studyTATCmd())
	return study
}

func studyRegisterCmd() *cobra.Command {
	var opts engine.StudyIntakeOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a study at intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RegisterStudy(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "study id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ArchiveID, "archive-id", "", "PACS archive id")
	cmd.Flags().StringVar(&opts.StudyInstanceUID, "study-uid", "", "DICOM study instance UID")
	cmd.Flags().StringVar(&opts.PatientName, "patient", "", "patient name")
	cmd.Flags().StringVar(&opts.Modality, "modality", "", "modality (CT, MR, ...)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "routine", "priority (routine, urgent, stat)")
	cmd.Flags().StringVar(&opts.StudyDate, "study-date", "", "acquisition timestamp (RFC3339)")
	return cmd
}

func studyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a study with its fresh TAT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStudy(ctx, args[0])
				if err != nil {
					return err
				}
				snap := tat.Compute(s, e.Config.BusinessClock().NowUTC(), slaOf(e))
				return printJSONOrTable(map[string]any{
					"study":    s,
					"category": status.CategoryOf(status.Status(s.WorkflowStatus)),
					"tat":      snap,
				})
			})
		},
	}
	return cmd
}

func studyListCmd() *cobra.Command {
	var role, reviewerID, category, dateType, preset, start, end, search, modality, priority string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies (the shared worklist query)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := e.Config.BusinessClock()
				pred, err := query.Build(query.Role(role), reviewerID, query.Filters{
					Category:    status.Category(category),
					DateField:   query.DateField(dateType),
					Preset:      clock.Preset(preset),
					CustomStart: start,
					CustomEnd:   end,
					Search:      search,
					Modality:    modality,
					Priority:    priority,
				}, b, b.NowUTC())
				if err != nil {
					return err
				}
				items, err := e.Repo.ListStudies(ctx, pred, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := b.NowUTC()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Patient", "Modality", "Status", "Reviewer", "TAT (min)", "Overdue"})
				for _, s := range items {
					reviewer := ""
					if cur := s.CurrentAssignment(); cur != nil {
						reviewer = cur.ReviewerID
					}
					snap := tat.Compute(s, now, slaOf(e))
					total := ""
					if snap.TotalMinutes != nil {
						total = fmt.Sprintf("%d", *snap.TotalMinutes)
					}
					overdue := ""
					if snap.IsOverdue {
						overdue = snap.OverduePhase
					}
					tw.AppendRow(table.Row{s.ID, s.PatientName, s.Modality, s.WorkflowStatus, reviewer, total, overdue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "admin", "viewer role (admin, lab, reviewer)")
	cmd.Flags().StringVar(&reviewerID, "reviewer-id", "", "reviewer scope (required for role=reviewer)")
	cmd.Flags().StringVar(&category, "category", "", "category filter (pending, in_progress, completed, all)")
	cmd.Flags().StringVar(&dateType, "date-type", "", "date field (uploadDate, studyDate, assignedDate)")
	cmd.Flags().StringVar(&preset, "preset", "", "date preset (last24h, today, yesterday, thisWeek, thisMonth)")
	cmd.Flags().StringVar(&start, "start", "", "custom range start (YYYY-MM-DD, business local)")
	cmd.Flags().StringVar(&end, "end", "", "custom range end (YYYY-MM-DD, business local)")
	cmd.Flags().StringVar(&search, "search", "", "patient name / id substring")
	cmd.Flags().StringVar(&modality, "modality", "", "modality filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = no limit)")
	return cmd
}

func studyAssignCmd() *cobra.Command {
	var reviewerID, priority string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign or reassign a reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewerID == "" {
				return fmt.Errorf("--reviewer-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Study
				err := engine.RetryOnConflict(3, func() error {
					var opErr error
					s, opErr = e.Assign(ctx, args[0], reviewerID, priority, viper.GetString("actor-id"))
					return opErr
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reviewerID, "reviewer-id", "", "reviewer id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority override for this assignment")
	_ = cmd.MarkFlagRequired("reviewer-id")
	return cmd
}

func studyTransitionCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "transition <id> <to-status>",
		Short: "Apply a workflow transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := status.Status(args[1])
			if !status.IsKnown(to) {
				return fmt.Errorf("unknown status %q (one of %v)", args[1], status.All())
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Study
				err := engine.RetryOnConflict(3, func() error {
					var opErr error
					s, opErr = e.ApplyTransition(ctx, args[0], to, viper.GetString("actor-id"), note)
					return opErr
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "audit note")
	return cmd
}

func studyReportCmd() *cobra.Command {
	var artifactID, kind string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Attach a report artifact reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Study
				err := engine.RetryOnConflict(3, func() error {
					var opErr error
					s, opErr = e.AttachReport(ctx, args[0], artifactID, kind, viper.GetString("actor-id"))
					return opErr
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&artifactID, "artifact-id", "", "report artifact id")
	cmd.Flags().StringVar(&kind, "kind", "finalized", "report kind (draft, finalized)")
	_ = cmd.MarkFlagRequired("artifact-id")
	return cmd
}

func studyDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Record a final report download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Study
				err := engine.RetryOnConflict(3, func() error {
					var opErr error
					s, opErr = e.RecordFinalDownload(ctx, args[0], viper.GetString("actor-id"))
					return opErr
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func studyArchiveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a study (terminal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Study
				err := engine.RetryOnConflict(3, func() error {
					var opErr error
					s, opErr = e.Archive(ctx, args[0], viper.GetString("actor-id"), note)
					return opErr
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "audit note")
	return cmd
}

func studyHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStudy(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.StatusHistory)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Changed At", "Changed By", "Note"})
				for _, h := range s.StatusHistory {
					tw.AppendRow(table.Row{h.Status, h.ChangedAt, h.ChangedBy, h.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func studyTATCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tat <id>",
		Short: "Show a fresh TAT snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStudy(ctx, args[0])
				if err != nil {
					return err
				}
				snap := tat.Compute(s, e.Config.BusinessClock().NowUTC(), slaOf(e))
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func reviewerCmd() *cobra.Command {
	rev := &cobra.Command{Use: "reviewer", Short: "Manage reviewers"}
	rev.AddCommand(reviewerAddCmd())
	rev.AddCommand(reviewerListCmd())
	return rev
}

func reviewerAddCmd() *cobra.Command {
	var id, name, modality string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rev := domain.Reviewer{
					ID:        id,
					Name:      name,
					Modality:  modality,
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertReviewer(ctx, rev); err != nil {
					return err
				}
				return printJSONOrTable(rev)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "reviewer id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&modality, "modality", "", "specialty modality")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reviewerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReviewers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Modality", "Active"})
				for _, rev := range items {
					tw.AppendRow(table.Row{rev.ID, rev.Name, rev.Modality, rev.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once, only the hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			rawKey := uuid.New().String() + uuid.New().String()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k, err := r.CreateAPIKey(ctx, actorID, name, rawKey)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"name":     k.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var studyID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, studyID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&studyID, "study-id", "", "study filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default radflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
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
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	var role, reviewerID string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Per-category study counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := e.Config.BusinessClock()
				pred, err := query.Build(query.Role(role), reviewerID, query.Filters{
					Category: status.CategoryAll,
				}, b, b.NowUTC())
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountByStatus(ctx, pred)
				if err != nil {
					return err
				}
				byCategory := map[string]int64{}
				var total int64
				for st, c := range counts {
					byCategory[string(status.CategoryOf(status.Status(st)))] += c
					total += c
				}
				byCategory["total"] = total
				return printJSONOrTable(byCategory)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "admin", "viewer role")
	cmd.Flags().StringVar(&reviewerID, "reviewer-id", "", "reviewer scope")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
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
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("RADFLOW_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
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
			fmt.Printf("Serving Radflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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

func slaOf(e engine.Engine) tat.SLA {
	return tat.SLA{
		AssignmentMinutes: e.Config.SLA.AssignmentMinutes,
		ReportingMinutes:  e.Config.SLA.ReportingMinutes,
		DownloadMinutes:   e.Config.SLA.DownloadMinutes,
	}
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
