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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crowdloop/internal/config"
	"crowdloop/internal/db"
	"crowdloop/internal/domain"
	"crowdloop/internal/engine"
	"crowdloop/internal/migrate"
	"crowdloop/internal/mturk"
	"crowdloop/internal/repo"
	"crowdloop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crowdloop",
	Short: "Crowdloop CLI",
	Long: `Crowdloop runs the annotation task lifecycle against a crowd marketplace:
publish tasks as HITs, poll worker submissions back into local assignment rows,
and promote submitted answers into durable annotations exactly once.
Workspace state lives in .crowdloop/ next to crowdloop.yml.`,
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
	viper.SetEnvPrefix("CROWDLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier for event attribution")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(taskTypeCmd())
	rootCmd.AddCommand(taskDefCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(annotationCmd())
	rootCmd.AddCommand(mturkCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default crowdloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("initialized workspace: %s, db %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var slug, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.Project{
					ID:          uuid.NewString(),
					Slug:        slug,
					Name:        name,
					Description: desc,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "project slug")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("slug")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Name", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Slug, p.Name, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Manage assets"}
	var projectID, mediaType, storageKey, sha string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a := domain.Asset{
					ID:         uuid.NewString(),
					ProjectID:  projectID,
					MediaType:  mediaType,
					StorageKey: storageKey,
					SHA256:     sha,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAsset(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&mediaType, "media-type", "image", "media type (image, video_frame)")
	create.Flags().StringVar(&storageKey, "storage-key", "", "storage key")
	create.Flags().StringVar(&sha, "sha256", "", "content hash")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("storage-key")

	var listProject string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssets(ctx, listProject, listLimit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "project id filter")
	list.Flags().IntVar(&listLimit, "limit", 100, "max rows")

	asset.AddCommand(create, list)
	return asset
}

func taskTypeCmd() *cobra.Command {
	tt := &cobra.Command{Use: "task-type", Short: "Manage task types"}
	var slug, name, desc string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t := domain.TaskType{ID: uuid.NewString(), Slug: slug, Name: name, Description: desc}
				if err := r.InsertTaskType(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&slug, "slug", "", "task type slug")
	create.Flags().StringVar(&name, "name", "", "task type name")
	create.Flags().StringVar(&desc, "description", "", "description")
	_ = create.MarkFlagRequired("slug")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTaskTypes(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tt.AddCommand(create, list)
	return tt
}

func taskDefCmd() *cobra.Command {
	td := &cobra.Command{Use: "task-def", Short: "Manage task definition versions"}
	var taskTypeID, version, definitionJSON string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task definition version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var definition map[string]any
			if definitionJSON != "" {
				if err := json.Unmarshal([]byte(definitionJSON), &definition); err != nil {
					return fmt.Errorf("invalid --definition JSON: %w", err)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d := domain.TaskDefinition{
					ID:         uuid.NewString(),
					TaskTypeID: taskTypeID,
					Version:    version,
					Definition: definition,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertTaskDefinition(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	create.Flags().StringVar(&taskTypeID, "task-type", "", "task type id")
	create.Flags().StringVar(&version, "version", "1", "definition version")
	create.Flags().StringVar(&definitionJSON, "definition", "", "definition JSON")
	_ = create.MarkFlagRequired("task-type")

	var listType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTaskDefinitions(ctx, listType)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listType, "task-type", "", "task type id filter")
	td.AddCommand(create, list)
	return td
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	var projectID, assetID, defID string
	var priority int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t := domain.Task{
					ID:               uuid.NewString(),
					ProjectID:        projectID,
					AssetID:          assetID,
					TaskDefinitionID: defID,
					Status:           "pending",
					Priority:         priority,
					CreatedAt:        time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertTask(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&assetID, "asset", "", "asset id")
	create.Flags().StringVar(&defID, "definition", "", "task definition id")
	create.Flags().IntVar(&priority, "priority", 0, "priority")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("asset")
	_ = create.MarkFlagRequired("definition")

	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Status", "Priority", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.ProjectID, t.Status, t.Priority, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max rows")

	task.AddCommand(create, list)
	return task
}

func annotationCmd() *cobra.Command {
	ann := &cobra.Command{Use: "annotation", Short: "Manage annotations"}
	var taskID, resultJSON, submissionID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Submit an annotation for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
				return fmt.Errorf("invalid --result JSON: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				row, duplicate, err := e.CreateAnnotation(ctx, engine.CreateAnnotationInput{
					TaskID:       taskID,
					Result:       result,
					Actor:        viper.GetString("actor"),
					SubmissionID: submissionID,
				})
				if err != nil {
					return err
				}
				if duplicate {
					fmt.Println("already recorded:")
				}
				return printJSONOrTable(row)
			})
		},
	}
	create.Flags().StringVar(&taskID, "task", "", "task id")
	create.Flags().StringVar(&resultJSON, "result", "", "result JSON")
	create.Flags().StringVar(&submissionID, "submission-id", "", "idempotency key")
	_ = create.MarkFlagRequired("task")
	_ = create.MarkFlagRequired("result")

	var listTask string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: listTask, Limit: listLimit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listTask, "task", "", "task id filter")
	list.Flags().IntVar(&listLimit, "limit", 100, "max rows")

	ann.AddCommand(create, list)
	return ann
}

func mturkCmd() *cobra.Command {
	mt := &cobra.Command{Use: "mturk", Short: "Marketplace lifecycle operations"}
	mt.AddCommand(mturkIssueCmd())
	mt.AddCommand(mturkSyncCmd())
	mt.AddCommand(mturkIngestCmd())
	mt.AddCommand(mturkSweepCmd())
	mt.AddCommand(mturkAssignmentsCmd())
	return mt
}

func mturkIssueCmd() *cobra.Command {
	var reward string
	var maxAssignments, lifetime, batchSize int
	cmd := &cobra.Command{
		Use:   "issue TASK_ID...",
		Short: "Publish HITs for tasks, skipping ones already in flight",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.IssueForTasks(ctx, args, engine.IssueOptions{
					Reward:          reward,
					MaxAssignments:  maxAssignments,
					LifetimeSeconds: lifetime,
				}, batchSize)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&reward, "reward", "", "reward override (e.g. 0.25)")
	cmd.Flags().IntVar(&maxAssignments, "max-assignments", 0, "max assignments override")
	cmd.Flags().IntVar(&lifetime, "lifetime", 0, "lifetime seconds override")
	cmd.Flags().IntVar(&batchSize, "batch-size", 25, "tasks per batch")
	return cmd
}

func mturkSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync HIT_ID",
		Short: "Reconcile one HIT against remote submission state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.SyncAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
}

func mturkIngestCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Promote submitted assignments into annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.IngestSubmitted(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max assignments to ingest (0 = config default)")
	return cmd
}

func mturkSweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sync a batch of open HITs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.SweepOpenHITs(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max HITs per sweep (0 = config default)")
	return cmd
}

func mturkAssignmentsCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List local assignment rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "HIT", "Assignment", "Worker", "Status", "Ingested"})
				for _, a := range items {
					ingested := ""
					if a.IngestedAt != nil {
						ingested = *a.IngestedAt
					}
					tw.AppendRow(table.Row{a.ID, a.TaskID, a.HITID, a.AssignmentID, a.WorkerID, a.Status, ingested})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.HITID, "hit", "", "HIT id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var open bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:  e.Config.Auth.JWTSecret,
					WriteToken: e.Config.Auth.WriteToken,
					Open:       open,
				}
				if !open && authCfg.JWTSecret == "" && authCfg.WriteToken == "" {
					return fmt.Errorf("configure auth.jwt_secret or auth.write_token, or pass --open")
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
				fmt.Printf("Serving Crowdloop API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&open, "open", false, "disable authentication (local use)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the reconciliation daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				engine.NewSweeper(e).Run(ctx)
				return nil
			})
		},
	}
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
	client := mturk.NewHTTPClient(cfg.MTurk.ActiveEndpoint(), cfg.MTurk.AuthToken)
	e := engine.New(conn, cfg, client)
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
