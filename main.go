package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"

	"github.com/derekwayne/facebook-to-db/apiclients/facebook"
	"github.com/derekwayne/facebook-to-db/config"
	"github.com/derekwayne/facebook-to-db/db"
	"github.com/derekwayne/facebook-to-db/internal/mounts"
	"github.com/derekwayne/facebook-to-db/staging"
	"github.com/derekwayne/facebook-to-db/syncer"
)

// app is the central orchestrator for the application's business logic,
// wiring the configuration, database, API client and syncer together.
type app struct{}

// newApp creates and returns a new app instance.
func newApp() *app {
	return &app{}
}

// newLogger builds the application logger at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level, err := charmlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = charmlog.InfoLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return slog.New(handler)
}

// setup loads the configuration and opens the database with the schema
// applied.
func (a *app) setup(cfgPath string) (*config.Config, *slog.Logger, *db.DB, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	logger := newLogger(cfg)

	sqlFS, err := mounts.NewFileMount("sql", db.SQLEmbeddedFS, "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not mount sql fs: %w", err)
	}
	thisDB, err := db.NewConnection(cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database setup error: %w", err)
	}
	if err := thisDB.InitSchema(sqlFS, "schema.sql"); err != nil {
		_ = thisDB.Close()
		return nil, nil, nil, fmt.Errorf("database schema error: %w", err)
	}
	return cfg, logger, thisDB, nil
}

// Init creates the database file and applies the schema, optionally writing
// the runnable sql files to a directory for use on the sqlite command line.
func (a *app) Init(ctx context.Context, cfgPath, sqlDumpDir string) error {
	cfg, logger, thisDB, err := a.setup(cfgPath)
	if err != nil {
		return err
	}
	defer thisDB.Close()

	if sqlDumpDir != "" {
		sqlFS, err := mounts.NewFileMount("sql", db.SQLEmbeddedFS, "")
		if err != nil {
			return err
		}
		if err := sqlFS.Materialize(sqlDumpDir); err != nil {
			return fmt.Errorf("could not write sql files: %w", err)
		}
		logger.Info("sql files written", "dir", sqlDumpDir)
	}
	logger.Info("database initialized", "path", cfg.DatabasePath)
	return nil
}

// Sync runs one sync pass over the configured (or overridden) ad accounts.
func (a *app) Sync(ctx context.Context, cfgPath string, overrides SyncOverrides) error {
	cfg, logger, thisDB, err := a.setup(cfgPath)
	if err != nil {
		return err
	}
	defer thisDB.Close()

	client := facebook.NewClient(ctx, cfg.Facebook.AccessToken, logger)
	client.SetVersion(cfg.Facebook.APIVersion)

	var stage *staging.Dir
	if cfg.StagingDir != "" {
		stage, err = staging.NewDir(cfg.StagingDir)
		if err != nil {
			return err
		}
	}

	opts := syncer.Options{
		PaceInterval:  cfg.Sync.PaceInterval,
		BatchCooldown: cfg.Sync.BatchCooldown,
		DateBatches:   cfg.Sync.DateBatches,
		Since:         cfg.Sync.DateStart,
		Until:         cfg.Sync.DateEnd,
		DatePreset:    cfg.Sync.DatePreset,
		Concurrency:   cfg.Sync.Concurrency,
		Retry: syncer.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Backoff:     cfg.Sync.Backoff,
		},
	}
	if !overrides.Since.IsZero() {
		opts.Since, opts.Until = overrides.Since, overrides.Until
		opts.DatePreset = ""
	}
	if overrides.DatePreset != "" {
		opts.DatePreset = overrides.DatePreset
		opts.Since, opts.Until = overrides.Since, overrides.Until
	}
	if overrides.DateBatches > 0 {
		opts.DateBatches = overrides.DateBatches
	}
	accounts := cfg.Accounts
	if len(overrides.Accounts) > 0 {
		accounts = overrides.Accounts
	}

	s := syncer.New(client, thisDB, stage, opts, logger)
	report, err := s.Run(ctx, accounts)
	if err != nil {
		return err
	}
	logger.Info("sync pass finished", "synced", len(report.Synced), "failed", len(report.Failed))
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d accounts failed to sync", len(report.Failed), len(accounts))
	}
	return nil
}

// main is the entry point for the application. It initializes the core
// application logic, builds the CLI interface, and executes the command
// provided by the user.
func main() {
	application := newApp()

	cmd := BuildCLI(application)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
