package app

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"truecoding/internal/config"
	"truecoding/internal/db"
	"truecoding/internal/engine"
	"truecoding/internal/liveness"
	"truecoding/internal/migrate"
	"truecoding/internal/worker"
)

// Context bundles what every command needs: the workspace database, its
// config, and an engine wired to the local worker.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Live      *liveness.Registry
	Engine    engine.Engine
	Worker    *worker.Worker
	Logger    *log.Logger
}

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/truecoding.yml.
	ConfigPath string
	// Migrate applies pending migrations before anything else runs.
	Migrate bool
	Logger  *log.Logger
}

// Open loads config, opens the database and wires the engine and worker.
// The worker is not started; callers that serve traffic run it themselves.
func Open(opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "truecoding ", log.LstdFlags|log.LUTC)
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.Migrate {
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	live := liveness.NewRegistry()
	eng := engine.New(conn, cfg, live)
	eng.Logger = logger
	sim := worker.Simulated{}
	w := worker.New(eng, live, sim, sim)
	eng.Dispatcher = w

	return &Context{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Live:      live,
		Engine:    eng,
		Worker:    w,
		Logger:    logger,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
