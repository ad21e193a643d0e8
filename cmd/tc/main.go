package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"truecoding/internal/app"
	"truecoding/internal/config"
	"truecoding/internal/db"
	"truecoding/internal/migrate"
	"truecoding/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tc",
	Short: "Truecoding CLI",
	Long: `Truecoding orchestrates autonomous development runs for a project.
- Project: owns the business, technical and ux plans a run needs before it may start.
- Run: one autonomous attempt to build the approved plan, iteration by iteration.
- Iteration: a slice of the plan that moves through quality gates, merge and deploy.
- Checkpoint: a pause between iterations that waits for approve, pause or resume.
- Event log: gapless, append-only diary per run; follow it live with 'tc run watch'.
Server commands (serve, migrate, init, apikey) work on the local workspace.
Everything else talks to a running server through --server.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("TRUECODING")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/truecoding.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "http://127.0.0.1:8080", "API server URL")
	flags.String("token", "", "bearer token")
	flags.String("api-key", "", "API key")
	flags.String("actor", "", "actor id sent as X-Actor-Id when the server allows it")
	flags.StringP("project", "p", "", "project id")
	for _, name := range []string{"workspace", "config", "json", "server", "token", "api-key", "actor", "project"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(eventsCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default truecoding.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", latest)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, noMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the run worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "truecoding ", log.LstdFlags|log.LUTC)
			ac, err := openApp(logger, !noMigrate)
			if err != nil {
				return err
			}
			defer ac.Close()
			cfg := ac.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 logger,
			}
			if secret := os.Getenv("TRUECODING_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("TRUECODING_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   ac.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				DevLogin: cfg.Server.DevLogin,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := ac.Worker.Run(ctx); err != nil {
					logger.Printf("worker: %v", err)
				}
			}()
			hooks := server.NewWebhookDispatcher(ac.Engine.Repo, cfg.Webhooks, logger)
			go func() {
				defer wg.Done()
				if err := hooks.Run(ctx); err != nil {
					logger.Printf("webhooks: %v", err)
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Truecoding API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if !cfg.Execution.Enabled {
				fmt.Println("execution is disabled; run creation will be rejected (set execution.enabled in truecoding.yml)")
			}
			err = srv.ListenAndServe()
			cancel()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a credential (local development only)")
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "do not apply migrations on start")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Mint an API key for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := openApp(nil, true)
			if err != nil {
				return err
			}
			defer ac.Close()
			raw, key, err := ac.Engine.CreateAPIKey(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			}
			fmt.Printf("API key for %s (shown once): %s\n", key.ActorID, raw)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	return keys
}

// --- helpers ---

func openApp(logger *log.Logger, migrateSchema bool) (*app.Context, error) {
	return app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Migrate:    migrateSchema,
		Logger:     logger,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
