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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/queso/the-ai-team-plugin-sub002/internal/app"
	"github.com/queso/the-ai-team-plugin-sub002/internal/config"
	"github.com/queso/the-ai-team-plugin-sub002/internal/db"
	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/engine"
	"github.com/queso/the-ai-team-plugin-sub002/internal/migrate"
	"github.com/queso/the-ai-team-plugin-sub002/internal/repo"
	"github.com/queso/the-ai-team-plugin-sub002/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ateam",
	Short: "A-Team delivery pipeline coordinator",
	Long: `ateam coordinates a crew of agents working one delivery pipeline.
Work items flow briefings -> ready -> testing -> implementing -> review -> probing -> done.
Claims keep two agents off the same item, waves order items by their dependencies,
and repeated rejections escalate an item to blocked for a human to look at.
State lives in the .ateam workspace; view the log with 'ateam log tail'.`,
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
	viper.SetEnvPrefix("ATEAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "local-user", "agent identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(wavesCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage the project workspace"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if id == "" {
				id = "ateam"
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureProject(ctx, id, id, now); err != nil {
					return err
				}
				fmt.Printf("Initialized project %s (config at %s, db at %s)\n", id, cfgPath, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(config.Path(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			if _, err := config.FromYAML(data); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "The scoreboard: item counts per stage, in-flight work against the WIP limit, and the current mission.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				counts, err := e.Repo.CountItemsByStage(ctx, projectID)
				if err != nil {
					return err
				}
				mission, err := e.CurrentMission(ctx, projectID)
				if err != nil {
					return err
				}
				inFlight := 0
				for _, st := range []domain.Stage{domain.StageTesting, domain.StageImplementing, domain.StageReview, domain.StageProbing} {
					inFlight += counts[string(st)]
				}
				out := map[string]any{
					"project_id":   projectID,
					"stage_counts": counts,
					"in_flight":    inFlight,
					"wip_limit":    e.Config.Pipeline.WIPLimit,
					"mission":      mission,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s\n", projectID)
				if mission != nil {
					fmt.Printf("Mission: %s - %s (%s)\n", mission.ID, mission.Name, mission.State)
				} else {
					fmt.Println("Mission: none")
				}
				fmt.Printf("In flight: %d/%d\n", inFlight, e.Config.Pipeline.WIPLimit)
				fmt.Println("Stages:")
				for _, st := range domain.Stages {
					if c := counts[string(st)]; c > 0 {
						fmt.Printf("  %s: %d\n", st, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long: `Work items are the units of delivery (features, bugs, enhancements, tasks).
They start in briefings, wait in ready once their dependencies are done, and pass
through testing, implementing, review and probing on the way to done. An agent
claims an item before working it; a rejected item goes back to ready, and a
twice-rejected item is blocked until a human intervenes.`,
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemClaimCmd())
	item.AddCommand(itemReleaseCmd())
	item.AddCommand(itemRejectCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				opts.Actor = viper.GetString("agent")
				it, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (defaults to WI-<seq>)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "feature|bug|enhancement|task")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "dependency item ids")
	cmd.Flags().StringVar(&opts.ConflictGroup, "conflict-group", "", "conflict group")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Agent", "Rejections", "Depends On"})
				for _, it := range items {
					agent := ""
					if it.AssignedAgent != nil {
						agent = *it.AssignedAgent
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Stage, agent, it.RejectionCount, strings.Join(it.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.Agent, "assigned", "", "assigned agent filter")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				rejections, err := e.Repo.ListRejections(ctx, it.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": it, "rejections": rejections})
			})
		},
	}
	return cmd
}

func itemMoveCmd() *cobra.Command {
	var to, agent string
	cmd := &cobra.Command{
		Use:   "move <item-id>",
		Short: "Move item to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Move(ctx, e.Config.Project.ID, args[0], domain.Stage(to), agent)
				if err != nil {
					return err
				}
				if res.FinalReviewReady {
					fmt.Println("All items done: the pipeline is ready for final review.")
				}
				return printJSONOrTable(res.Item)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	cmd.Flags().StringVar(&agent, "agent", "", "agent to claim for (active stages)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func itemClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <item-id>",
		Short: "Claim item for the calling agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claim, err := e.Claim(ctx, e.Config.Project.ID, args[0], viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	return cmd
}

func itemReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <item-id>",
		Short: "Release item claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				holder, err := e.Release(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Released %s (was held by %s)\n", args[0], holder)
				return nil
			})
		},
	}
	return cmd
}

func itemRejectCmd() *cobra.Command {
	var reason, diagnosis string
	cmd := &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reject(ctx, e.Config.Project.ID, args[0], reason, viper.GetString("agent"), diagnosis)
				if err != nil {
					return err
				}
				if res.Escalate {
					fmt.Printf("Item %s escalated to blocked after %d rejections.\n", args[0], res.RejectionCount)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&diagnosis, "diagnosis", "", "optional diagnosis")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func wavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waves",
		Short: "Resolve dependency waves",
		Long:  "Groups items into waves by dependency depth, lists items ready to pull, and reports any dependency cycles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, _, err := e.ResolveWaves(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, cycle := range res.Cycles {
					fmt.Printf("cycle: %s\n", strings.Join(cycle, " -> "))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Wave", "Items"})
				for depth := 0; ; depth++ {
					ids, ok := res.Waves[depth]
					if !ok {
						break
					}
					tw.AppendRow(table.Row{depth, strings.Join(ids, ", ")})
				}
				tw.Render()
				if len(res.Ready) > 0 {
					fmt.Printf("Ready to pull: %s\n", strings.Join(res.Ready, ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long: `A mission is one run of the pipeline over a spec. Only one mission can be
current at a time; archive it to start another. Missions move
initializing -> prechecking -> running and end failed or completed.`,
	}
	mission.AddCommand(missionStartCmd())
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionAdvanceCmd())
	mission.AddCommand(missionArchiveCmd())
	mission.AddCommand(missionListCmd())
	return mission
}

func missionStartCmd() *cobra.Command {
	var name, specPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.StartMission(ctx, e.Config.Project.ID, name, specPath, viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mission name")
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the mission spec")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CurrentMission(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if m == nil {
					fmt.Println("No current mission.")
					return nil
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionAdvanceCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the current mission's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AdvanceMission(ctx, e.Config.Project.ID, state, viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&state, "to", "", "target state (prechecking|running|failed|completed)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func missionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the current mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ArchiveMission(ctx, e.Config.Project.ID, viper.GetString("agent"))
				if err != nil {
					return err
				}
				fmt.Printf("Archived mission %s (%d items).\n", res.Mission.ID, res.ItemCount)
				return nil
			})
		},
	}
	return cmd
}

func missionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.Repo.ListMissions(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Started", "Archived"})
				for _, m := range missions {
					archived := ""
					if m.ArchivedAt != nil {
						archived = *m.ArchivedAt
					}
					tw.AppendRow(table.Row{m.ID, m.Name, m.State, m.StartedAt, archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Activity log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activity log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestActivity(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("ATEAM_JWT_SECRET"),
				AllowAgentHeader: os.Getenv("ATEAM_REQUIRE_JWT") == "",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAgentHeader {
				return fmt.Errorf("ATEAM_JWT_SECRET is required when ATEAM_REQUIRE_JWT is set")
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
			fmt.Printf("Serving A-Team coordinator API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
