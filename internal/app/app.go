// Package app wires a workspace into a ready engine and autopilot machine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"briefloop/internal/autopilot"
	"briefloop/internal/catalog"
	"briefloop/internal/config"
	"briefloop/internal/db"
	"briefloop/internal/engine"
	"briefloop/internal/generate"
	"briefloop/internal/migrate"
	"briefloop/internal/notify"
)

type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Machine   *autopilot.Machine
	Logger    *slog.Logger

	nc *nats.Conn
}

// Options tune Open.
type Options struct {
	Logger *slog.Logger
	// Generator replaces the one built from the generation config.
	Generator generate.Generator
	// SkipNotify leaves NATS disconnected even when notify.nats_url is set.
	SkipNotify bool
}

// Open migrates the workspace database and loads agency.yml and the sector
// catalog. A missing agency.yml falls back to the defaults.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Load(catalogPath(workspace, cfg.Catalog.Path))
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Catalog = store
	e.Logger = logger

	gen := opts.Generator
	if gen == nil {
		gen = generate.FromConfig(cfg.Generation, logger)
	}
	a := &App{Workspace: workspace, DB: conn, Config: cfg, Engine: e, Logger: logger}
	machineOpts := []autopilot.Option{
		autopilot.WithLogger(logger),
		autopilot.WithLogCap(cfg.Autopilot.LogCap),
		autopilot.WithObserver(autopilot.ObserverFunc(func(ctx context.Context, n autopilot.Notification) {
			logger.Info("cycle changed", "kind", n.Kind, "stage", n.State.Stage, "cycle", n.State.CycleNumber, "enabled", n.State.Enabled)
		})),
	}
	if cfg.Notify.NATSURL != "" && !opts.SkipNotify {
		nc, err := notify.Connect(cfg.Notify.NATSURL, "briefloop")
		if err != nil {
			logger.Warn("cycle notifications disabled", "url", cfg.Notify.NATSURL, "error", err)
		} else {
			a.nc = nc
			machineOpts = append(machineOpts, autopilot.WithObserver(notify.NewObserver(nc, cfg.Notify.Subject, logger)))
		}
	}
	a.Machine = autopilot.New(e.Repo, gen, machineOpts...)
	return a, nil
}

func catalogPath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// Runner returns the background driver for the autopilot.
func (a *App) Runner() *autopilot.Runner {
	return &autopilot.Runner{Machine: a.Machine, Interval: a.Config.Autopilot.Interval, Logger: a.Logger}
}

// ApplyAutopilotDefault enables the autopilot when agency.yml asks for it and
// the stored state is still disabled. It never disables a running autopilot.
func (a *App) ApplyAutopilotDefault(ctx context.Context) error {
	if !a.Config.Autopilot.Enabled {
		return nil
	}
	st, err := a.Machine.State(ctx)
	if err != nil {
		return err
	}
	if st.Enabled {
		return nil
	}
	_, err = a.Machine.Toggle(autopilot.WithActor(ctx, "config"), true)
	return err
}

func (a *App) Close() error {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.Logger.Warn("drain nats connection", "error", err)
		}
	}
	return a.DB.Close()
}
