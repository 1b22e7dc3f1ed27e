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
	"go.uber.org/zap"

	"taskwell/internal/config"
	"taskwell/internal/db"
	"taskwell/internal/domain"
	"taskwell/internal/engine"
	"taskwell/internal/migrate"
	"taskwell/internal/relay"
	"taskwell/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tw",
	Short: "Taskwell CLI",
	Long: `Taskwell tracks projects of todos with dependency ordering.
- Workspace: your .taskwell directory holding the database.
- Project: owns todos; todos may depend on other todos in the same project.
- Dependencies form a DAG: no self-references, no cycles, and a todo can
  only start once everything it depends on is completed.
- Every change is recorded in a transactional outbox; 'tw relay' forwards
  committed events to configured HTTP consumers.`,
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
	viper.SetEnvPrefix("TASKWELL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(todoCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, name, desc)
				if err != nil {
					return err
				}
				fmt.Println(p.ID())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Todos", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.TodoCount, s.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its todos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projectView(p))
				}
				fmt.Printf("Project: %s (%s)\n", p.Name(), p.ID())
				if p.Description() != "" {
					fmt.Println(p.Description())
				}
				renderTodos(p.Todos())
				return nil
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Rename or re-describe a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			var patch engine.ProjectPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &desc
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProject(ctx, id, patch)
				if err != nil {
					return err
				}
				return printJSON(projectView(p))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, id)
			})
		},
	}
	return cmd
}

func todoCmd() *cobra.Command {
	todo := &cobra.Command{
		Use:   "todo",
		Short: "Manage todos",
		Long:  "Todos flow pending -> in_progress -> completed. A todo cannot start until all of its dependencies are completed, and cannot be removed while other todos depend on it.",
	}
	todo.AddCommand(todoAddCmd())
	todo.AddCommand(todoListCmd())
	todo.AddCommand(todoShowCmd())
	todo.AddCommand(todoUpdateCmd())
	todo.AddCommand(todoStartCmd())
	todo.AddCommand(todoCompleteCmd())
	todo.AddCommand(todoRemoveCmd())
	return todo
}

func todoAddCmd() *cobra.Command {
	var projectRaw, title, desc string
	var depsRaw []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a todo to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := uuid.Parse(projectRaw)
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			deps, err := parseUUIDs(depsRaw)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTodo(ctx, projectID, engine.TodoCreateOptions{
					Title:        title,
					Description:  desc,
					Dependencies: deps,
				})
				if err != nil {
					return err
				}
				fmt.Println(t.ID())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&depsRaw, "depends-on", []string{}, "dependency todo id (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func todoListCmd() *cobra.Command {
	var projectRaw string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := uuid.Parse(projectRaw)
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				todos, err := e.ListTodos(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					views := make([]todoViewJSON, 0, len(todos))
					for _, t := range todos {
						views = append(views, todoView(t))
					}
					return printJSON(views)
				}
				renderTodos(todos)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func todoShowCmd() *cobra.Command {
	var projectRaw string
	cmd := &cobra.Command{
		Use:   "show <todo-id>",
		Short: "Show a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, todoID, err := parsePairArgs(projectRaw, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTodo(ctx, projectID, todoID)
				if err != nil {
					return err
				}
				return printJSON(todoView(t))
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func todoUpdateCmd() *cobra.Command {
	var projectRaw, title, desc string
	var depsRaw []string
	cmd := &cobra.Command{
		Use:   "update <todo-id>",
		Short: "Update a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, todoID, err := parsePairArgs(projectRaw, args[0])
			if err != nil {
				return err
			}
			var patch domain.TodoPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &desc
			}
			if cmd.Flags().Changed("depends-on") {
				deps, err := parseUUIDs(depsRaw)
				if err != nil {
					return err
				}
				if deps == nil {
					deps = []uuid.UUID{}
				}
				patch.Dependencies = deps
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTodo(ctx, projectID, todoID, patch)
				if err != nil {
					return err
				}
				return printJSON(todoView(t))
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringArrayVar(&depsRaw, "depends-on", []string{}, "replacement dependency set (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func todoStartCmd() *cobra.Command {
	var projectRaw string
	cmd := &cobra.Command{
		Use:   "start <todo-id>",
		Short: "Start a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, todoID, err := parsePairArgs(projectRaw, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTodo(ctx, projectID, todoID)
				if err != nil {
					return err
				}
				return printJSON(todoView(t))
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func todoCompleteCmd() *cobra.Command {
	var projectRaw string
	cmd := &cobra.Command{
		Use:   "complete <todo-id>",
		Short: "Complete a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, todoID, err := parsePairArgs(projectRaw, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTodo(ctx, projectID, todoID)
				if err != nil {
					return err
				}
				return printJSON(todoView(t))
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func todoRemoveCmd() *cobra.Command {
	var projectRaw string
	cmd := &cobra.Command{
		Use:   "remove <todo-id>",
		Short: "Remove a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, todoID, err := parsePairArgs(projectRaw, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveTodo(ctx, projectID, todoID)
			})
		},
	}
	cmd.Flags().StringVar(&projectRaw, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect the event outbox"}
	ob.AddCommand(outboxListCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var includeDelivered bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries in commit order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Outbox.List(ctx, includeDelivered, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "Aggregate", "Created", "Delivered"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Seq, entry.Kind, entry.AggregateID, entry.CreatedAt.Format(time.RFC3339), entry.Delivered})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDelivered, "delivered", false, "include delivered entries")
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
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
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func serveCmd() *cobra.Command {
	var addr, basePath, logMode string
	var withRelay bool
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			log, err := newLogger(logMode)
			if err != nil {
				return err
			}
			defer log.Sync()
			if withRelay {
				r := relay.New(e.Outbox, cfg, log.Named("relay"))
				go r.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&withRelay, "relay", false, "run the outbox relay in-process")
	cmd.Flags().StringVar(&logMode, "log-mode", "dev", "log mode: dev or prod")
	return cmd
}

func relayCmd() *cobra.Command {
	var logMode string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the outbox relay",
		Long:  "Polls the outbox for undelivered events and forwards them to the consumers configured in taskwell.yml. Delivery is at-least-once; consumers must deduplicate by event id.",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if len(cfg.Relay.Consumers) == 0 {
				return fmt.Errorf("no consumers configured in %s", config.Path(workspace))
			}
			log, err := newLogger(logMode)
			if err != nil {
				return err
			}
			defer log.Sync()
			e := engine.New(conn, cfg)
			r := relay.New(e.Outbox, cfg, log)
			log.Info("relay started", zap.Int("consumers", len(cfg.Relay.Consumers)))
			r.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&logMode, "log-mode", "dev", "log mode: dev or prod")
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

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("invalid todo id %q: %w", r, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func parsePairArgs(projectRaw, todoRaw string) (uuid.UUID, uuid.UUID, error) {
	projectID, err := uuid.Parse(projectRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid project id: %w", err)
	}
	todoID, err := uuid.Parse(todoRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid todo id: %w", err)
	}
	return projectID, todoID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type todoViewJSON struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

type projectViewJSON struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int64          `json:"version"`
	Todos       []todoViewJSON `json:"todos"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

func todoView(t *domain.Todo) todoViewJSON {
	v := todoViewJSON{
		ID:          t.ID().String(),
		ProjectID:   t.ProjectID().String(),
		Title:       t.Title(),
		Description: t.Description(),
		Status:      string(t.Status()),
		CreatedAt:   t.CreatedAt().UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt().UTC().Format(time.RFC3339Nano),
	}
	for _, d := range t.Dependencies() {
		v.Dependencies = append(v.Dependencies, d.String())
	}
	if done := t.CompletedAt(); done != nil {
		s := done.UTC().Format(time.RFC3339Nano)
		v.CompletedAt = &s
	}
	return v
}

func projectView(p *domain.Project) projectViewJSON {
	todos := p.Todos()
	v := projectViewJSON{
		ID:          p.ID().String(),
		Name:        p.Name(),
		Description: p.Description(),
		Version:     p.Version(),
		Todos:       make([]todoViewJSON, 0, len(todos)),
		CreatedAt:   p.CreatedAt().UTC().Format(time.RFC3339Nano),
		UpdatedAt:   p.UpdatedAt().UTC().Format(time.RFC3339Nano),
	}
	for _, t := range todos {
		v.Todos = append(v.Todos, todoView(t))
	}
	return v
}

func renderTodos(todos []*domain.Todo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Deps"})
	for _, t := range todos {
		tw.AppendRow(table.Row{t.ID(), t.Title(), t.Status(), len(t.Dependencies())})
	}
	tw.Render()
}
