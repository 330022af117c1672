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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"acceptgate/internal/branch"
	"acceptgate/internal/config"
	"acceptgate/internal/db"
	"acceptgate/internal/domain"
	"acceptgate/internal/gate"
	"acceptgate/internal/migrate"
	"acceptgate/internal/repo"
	"acceptgate/internal/server"
	"acceptgate/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "acceptgate",
	Short: "Acceptance criteria gate",
	Long: `Acceptgate tracks acceptance criteria for project and task branches.
A criteria catalog defines what can be required, per-iteration assignments
select which items govern a project branch and its tasks, and a sign-off
ledger records what has been accepted. Commits from the terminology server
reconcile the classification items automatically, and promotions are gated
on the mandatory items being complete.`,
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
	viper.SetEnvPrefix("ACCEPTGATE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(criteriaCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(signoffCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default acceptgate.yml",
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

func migrateCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if !seed {
					return nil
				}
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				return seedCatalog(ctx, r, cfg)
			})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "seed the criteria catalog from config")
	return cmd
}

// seedCatalog inserts configured catalog items that are not yet present.
// Existing items are left untouched.
func seedCatalog(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	for _, item := range cfg.SeedItems() {
		err := r.InsertCriteriaItem(ctx, item)
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return nil
}

func criteriaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "criteria", Short: "Manage the criteria catalog"}
	cmd.AddCommand(criteriaListCmd())
	cmd.AddCommand(criteriaShowCmd())
	cmd.AddCommand(criteriaCreateCmd())
	cmd.AddCommand(criteriaDeleteCmd())
	return cmd
}

func criteriaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCriteriaItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Level", "Order", "Mandatory", "Manual", "Expires", "Role"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Label, item.AuthoringLevel, item.Order, item.Mandatory, item.Manual, item.ExpiresOnCommit, item.RequiredRole})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func criteriaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a catalog item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetCriteriaItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	return cmd
}

func criteriaCreateCmd() *cobra.Command {
	var item domain.CriteriaItem
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a catalog item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e gate.Engine) error {
				created, err := e.CreateCriteriaItem(ctx, item, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&item.ID, "id", "", "item id")
	cmd.Flags().StringVar(&item.Label, "label", "", "display label")
	cmd.Flags().StringVar(&item.Description, "description", "", "description")
	cmd.Flags().IntVar(&item.Order, "order", 0, "display order")
	cmd.Flags().StringVar(&item.AuthoringLevel, "level", domain.LevelTask, "authoring level (CODE_SYSTEM, PROJECT, TASK)")
	cmd.Flags().BoolVar(&item.Mandatory, "mandatory", false, "block promotion while incomplete")
	cmd.Flags().BoolVar(&item.Manual, "manual", true, "allow manual accept/reject")
	cmd.Flags().BoolVar(&item.ExpiresOnCommit, "expires-on-commit", false, "revoke on new commits")
	cmd.Flags().StringVar(&item.RequiredRole, "role", "", "required branch role")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func criteriaDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a catalog item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e gate.Engine) error {
				return e.DeleteCriteriaItem(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assignment", Short: "Manage criteria assignments"}
	cmd.AddCommand(assignmentListCmd())
	cmd.AddCommand(assignmentSetCmd())
	cmd.AddCommand(assignmentEffectiveCmd())
	return cmd
}

func assignmentListCmd() *cobra.Command {
	var branchPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments for a project branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				assignments, err := r.ListAssignments(ctx, branchPath)
				if err != nil {
					return err
				}
				return printJSON(assignments)
			})
		},
	}
	cmd.Flags().StringVar(&branchPath, "branch", "", "project branch path")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func assignmentSetCmd() *cobra.Command {
	var branchPath string
	var iteration int
	var projectIDs, taskIDs []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace an assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e gate.Engine) error {
				a, err := e.SetCriteria(ctx, domain.AcceptanceCriteria{
					BranchPath:         branchPath,
					ProjectIteration:   iteration,
					SelectedProjectIDs: projectIDs,
					SelectedTaskIDs:    taskIDs,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&branchPath, "branch", "", "project branch path")
	cmd.Flags().IntVar(&iteration, "iteration", 0, "project iteration")
	cmd.Flags().StringSliceVar(&projectIDs, "project-items", nil, "project-level item ids")
	cmd.Flags().StringSliceVar(&taskIDs, "task-items", nil, "task-level item ids")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func assignmentEffectiveCmd() *cobra.Command {
	var branchPath string
	cmd := &cobra.Command{
		Use:   "effective",
		Short: "Resolve the criteria governing a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e gate.Engine) error {
				items, err := e.EffectiveCriteria(ctx, branchPath)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Mandatory", "Complete"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Label, item.Mandatory, item.Complete})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branchPath, "branch", "", "branch path")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func signoffCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "signoff", Short: "Inspect the sign-off ledger"}
	cmd.AddCommand(signoffListCmd())
	return cmd
}

func signoffListCmd() *cobra.Command {
	var branchPath string
	var iteration int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sign-offs for a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			var iterPtr *int
			if cmd.Flags().Changed("iteration") {
				iterPtr = &iteration
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				signOffs, err := r.ListSignOffs(ctx, branchPath, iterPtr, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(signOffs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "User", "Iteration", "Timestamp"})
				for _, s := range signOffs {
					iter := ""
					if s.ProjectIteration != nil {
						iter = fmt.Sprintf("%d", *s.ProjectIteration)
					}
					tw.AppendRow(table.Row{s.CriteriaItemID, s.UserID, iter, s.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branchPath, "branch", "", "branch path")
	cmd.Flags().IntVar(&iteration, "iteration", 0, "project iteration (omit for task-level)")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, branchPath string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, branchPath, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&branchPath, "branch", "", "branch filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "api-key", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			branches := branch.NewClient(cfg.Branches.BaseURL, time.Duration(cfg.Branches.TimeoutSeconds)*time.Second)
			branches.APIKey = cfg.Branches.APIKey
			e := gate.New(conn, branches)
			if err := seedCatalog(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ACCEPTGATE_JWT_SECRET"),
				AdminRole:              cfg.Auth.AdminRole,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ACCEPTGATE_JWT_SECRET is required for bearer auth")
			}

			pool := worker.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, log)
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Pool:     pool,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, cfg.Webhooks, log)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				pool.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving acceptance gate API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, gate.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	branches := branch.NewClient(cfg.Branches.BaseURL, time.Duration(cfg.Branches.TimeoutSeconds)*time.Second)
	branches.APIKey = cfg.Branches.APIKey
	return fn(ctx, gate.New(conn, branches))
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
