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

	"quorum/internal/app"
	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/repo"
	"quorum/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum CLI",
	Long: `Quorum is a multi-tier authorization and governance engine.
Core concepts:
- Workspace: a directory holding the .quorum database and quorum.yml config.
- Community: a group of actors with owners, governors, roles, and members.
- Entity: anything governed - communities, resources, and permissions themselves.
- Change: a typed mutation (resource.edit, community.add_member, permission.add, ...).
- Action: one attempt to apply a change; it runs through the permissions
  pipeline (foundational -> governing -> specific) and ends implemented,
  rejected, or waiting on a condition.
- Condition: approval, voting, or consensus gates attached to permissions or
  leadership; responders settle them and the waiting action is re-evaluated.
- Event log: append-only diary of everything, view with 'quorum log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("community", "", "community id (overrides the workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("community", rootCmd.PersistentFlags().Lookup("community"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(communityCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(permissionCmd())
	rootCmd.AddCommand(actCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(conditionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func communityCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "community",
		Short: "Manage communities",
		Long:  "Communities own entities and hold the authority structure: members, owners, governors, roles. Mutations other than create go through 'quorum act'.",
	}
	c.AddCommand(communityCreateCmd())
	c.AddCommand(communityListCmd())
	c.AddCommand(communityShowCmd())
	return c
}

func communityCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a community",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCommunity(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "community name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func communityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List communities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCommunities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Members", "Owners", "Governors"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, len(c.Members), leadershipSummary(c.Owners), leadershipSummary(c.Governors)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func communityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a community",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override := viper.GetString("community")
			if len(args) == 1 {
				override = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := app.ResolveCommunity(ctx, override, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func resourceCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "resource",
		Short: "Manage resources",
		Long:  "Resources are governed entities. Creation is direct; every later mutation is an action through the pipeline.",
	}
	r.AddCommand(resourceCreateCmd())
	r.AddCommand(resourceListCmd())
	r.AddCommand(resourceShowCmd())
	return r
}

func resourceCreateCmd() *cobra.Command {
	var name, content, ownerKind, ownerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if ownerKind == domain.OwnerCommunity && ownerID == "" {
					c, err := app.ResolveCommunity(ctx, viper.GetString("community"), e.Repo)
					if err != nil {
						return err
					}
					ownerID = c.ID
				}
				ent, err := e.CreateResource(ctx, name, content, ownerKind, ownerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "resource name")
	cmd.Flags().StringVar(&content, "content", "", "resource content")
	cmd.Flags().StringVar(&ownerKind, "owner-kind", domain.OwnerCommunity, "owner kind (actor or community)")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id (defaults to the workspace community)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var kind, ownerKind, ownerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEntities(ctx, repo.EntityFilters{
					Kind:      kind,
					OwnerKind: ownerKind,
					OwnerID:   ownerID,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Owner"})
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ID, ent.Kind, ent.Name, ent.OwnerKind + ":" + ent.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind filter (community, resource, permission)")
	cmd.Flags().StringVar(&ownerKind, "owner-kind", "", "owner kind filter")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ent, err := r.GetEntity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	return cmd
}

func permissionCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "permission",
		Short: "Inspect permissions",
		Long:  "Permissions are standing grants on a target. Adding or changing one is itself an action: 'quorum act <target> permission.add ...'.",
	}
	p.AddCommand(permissionListCmd())
	p.AddCommand(permissionShowCmd())
	return p
}

func permissionListCmd() *cobra.Command {
	var target, changeType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permissions on a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPermissionsForTarget(ctx, nil, target, changeType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Change", "Actors", "Roles", "Anyone", "Condition", "Active"})
				for _, p := range items {
					condType := ""
					if p.Condition != nil {
						condType = p.Condition.Type
					}
					tw.AppendRow(table.Row{p.ID, p.ChangeType, strings.Join(p.Actors, ","), roleRefSummary(p.Roles), p.Anyone, condType, p.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target entity id")
	cmd.Flags().StringVar(&changeType, "change-type", "", "change type filter")
	return cmd
}

func permissionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPermission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func actCmd() *cobra.Command {
	var paramsJSON string
	var params []string
	cmd := &cobra.Command{
		Use:   "act <target-id> <change-type>",
		Short: "Take an action",
		Long: `Runs a change through the permissions pipeline. Parameters come from
--params-json and/or repeated --param key=value pairs; values that parse as
JSON are typed, anything else stays a string.

Change types: quorum act --list`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list, _ := cmd.Flags().GetBool("list"); list {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Type", "Foundational", "Description"})
					for _, typ := range e.Changes.Types() {
						c, _ := e.Changes.Get(typ)
						tw.AppendRow(table.Row{c.Type(), c.Foundational(), c.Describe()})
					}
					tw.Render()
					return nil
				})
			}
			if len(args) != 2 {
				return fmt.Errorf("usage: quorum act <target-id> <change-type>")
			}
			payload, err := buildParams(paramsJSON, params)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.TakeAction(ctx, viper.GetString("actor-id"), args[0], args[1], payload)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("Action %s: %s\n", a.ID, a.Status)
				for _, line := range a.Resolution.Log {
					fmt.Printf("  %s\n", line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "change parameters as a JSON object")
	cmd.Flags().StringArrayVar(&params, "param", []string{}, "change parameter key=value (repeatable)")
	cmd.Flags().Bool("list", false, "list registered change types")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Inspect actions",
	}
	a.AddCommand(actionListCmd())
	a.AddCommand(actionShowCmd())
	a.AddCommand(actionConditionsCmd())
	return a
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Target", "Change", "Status", "Pipeline"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActorID, a.TargetID, a.ChangeType, a.Status, a.Resolution.Pipeline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TargetID, "target", "", "target filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ChangeType, "change-type", "", "change type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionConditionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conditions <id>",
		Short: "List conditions created for an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListConditionsForAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func conditionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "condition",
		Short: "Respond to and inspect conditions",
	}
	c.AddCommand(conditionShowCmd())
	c.AddCommand(conditionRespondCmd())
	c.AddCommand(conditionSweepCmd())
	return c
}

func conditionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a condition instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ci, err := r.GetConditionInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ci)
			})
		},
	}
	return cmd
}

func conditionRespondCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond <id> <response>",
		Short: "Respond to a condition",
		Long:  "Applies one responder's input (approve, reject, yea, nay, support, block, resolve, ...). If the condition settles, the waiting action is re-evaluated immediately.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ci, a, err := e.RespondToCondition(ctx, args[0], viper.GetString("actor-id"), args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"condition": ci, "action": a})
				}
				fmt.Printf("Condition %s resolved=%t\n", ci.ID, ci.Resolved)
				fmt.Printf("Action %s: %s\n", a.ID, a.Status)
				return nil
			})
		},
	}
	return cmd
}

func conditionSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve expired conditions",
		Long:  "Recomputes the status of unresolved time-based conditions (votes past their deadline, consensus past its minimum duration) and re-drives their waiting actions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepConditions(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"resolved": n})
				}
				fmt.Printf("Resolved %d condition(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, viper.GetString("community"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": plain})
				}
				fmt.Printf("Created key %s\n", key.ID)
				fmt.Printf("Plaintext (shown once): %s\n", plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("QUORUM_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("QUORUM_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
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
			fmt.Printf("Serving Quorum API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e.Repo)
}

// buildParams merges --params-json with --param key=value pairs. A value
// that parses as JSON keeps its type, anything else is a string.
func buildParams(paramsJSON string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &out); err != nil {
			return nil, fmt.Errorf("invalid --params-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			out[key] = typed
		} else {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func leadershipSummary(l domain.Leadership) string {
	parts := append([]string{}, l.Actors...)
	for _, role := range l.Roles {
		parts = append(parts, "role:"+role)
	}
	return strings.Join(parts, ",")
}

func roleRefSummary(refs []domain.RoleRef) string {
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.Community != "" {
			parts = append(parts, ref.Community+"/"+ref.Role)
		} else {
			parts = append(parts, ref.Role)
		}
	}
	return strings.Join(parts, ",")
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
