package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

// Applicator defines the interface for the core application logic.
// This allows the CLI to be tested independently of the main app implementation.
type Applicator interface {
	Init(ctx context.Context, cfgPath, sqlDumpDir string) error
	Sync(ctx context.Context, cfgPath string, overrides SyncOverrides) error
	Daemon(ctx context.Context, cfgPath string) error
}

// SyncOverrides carry command line values taking precedence over the
// configuration file for a single sync run.
type SyncOverrides struct {
	Since       time.Time
	Until       time.Time
	DatePreset  string
	DateBatches int
	Accounts    []string
}

// BuildCLI creates the full CLI command structure for the application.
// It injects the core application logic (the Applicator) into the command actions.
func BuildCLI(app Applicator) *cli.Command {
	// Define flags that are common across multiple commands.
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "path to the configuration file",
	}

	sinceFlag := &cli.StringFlag{
		Name:    "since",
		Usage:   "start of the reporting period (format: '2006-01-02')",
		Aliases: []string{"s"},
	}

	untilFlag := &cli.StringFlag{
		Name:    "until",
		Usage:   "end of the reporting period (format: '2006-01-02')",
		Aliases: []string{"u"},
	}

	presetFlag := &cli.StringFlag{
		Name:  "preset",
		Usage: "named reporting period (e.g. 'last_30d', 'lifetime')",
	}

	batchesFlag := &cli.IntFlag{
		Name:    "batches",
		Usage:   "split the reporting period into this many report requests",
		Aliases: []string{"b"},
	}

	accountsFlag := &cli.StringSliceFlag{
		Name:    "account",
		Usage:   "sync only this ad account id (repeatable)",
		Aliases: []string{"a"},
	}

	// Define all application commands.
	initCmd := &cli.Command{
		Name:  "init",
		Usage: "Create the database and apply the schema",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "sql-dir",
				Usage: "also write the runnable sql files to this directory",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return app.Init(ctx, c.String("config"), c.String("sql-dir"))
		},
	}

	syncCmd := &cli.Command{
		Name:  "sync",
		Usage: "Run one sync pass over the configured ad accounts",
		Flags: []cli.Flag{configFlag, sinceFlag, untilFlag, presetFlag, batchesFlag, accountsFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			overrides, err := parseSyncFlags(c)
			if err != nil {
				return err
			}
			return app.Sync(ctx, c.String("config"), overrides)
		},
	}

	daemonCmd := &cli.Command{
		Name:  "daemon",
		Usage: "Sync on a fixed cadence, reloading the configuration on change",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return app.Daemon(ctx, c.String("config"))
		},
	}

	// Assemble the root command.
	rootCmd := &cli.Command{
		Name:     "facebook-to-db",
		Usage:    "Sync Marketing API reporting data to a local database",
		Commands: []*cli.Command{initCmd, syncCmd, daemonCmd},
	}

	return rootCmd
}

// parseSyncFlags processes the sync command flags into overrides, enforcing
// that --since and --until come together and are exclusive with --preset.
func parseSyncFlags(c *cli.Command) (SyncOverrides, error) {
	var overrides SyncOverrides

	sinceStr, untilStr := c.String("since"), c.String("until")
	if (sinceStr == "") != (untilStr == "") {
		return overrides, fmt.Errorf("--since and --until must be provided together")
	}
	if sinceStr != "" {
		if c.String("preset") != "" {
			return overrides, fmt.Errorf("--preset and --since/--until are mutually exclusive")
		}
		var err error
		overrides.Since, err = time.Parse("2006-01-02", sinceStr)
		if err != nil {
			return overrides, fmt.Errorf("invalid --since format: %w", err)
		}
		overrides.Until, err = time.Parse("2006-01-02", untilStr)
		if err != nil {
			return overrides, fmt.Errorf("invalid --until format: %w", err)
		}
		if overrides.Until.Before(overrides.Since) {
			return overrides, fmt.Errorf("--until is before --since")
		}
	}

	overrides.DatePreset = c.String("preset")
	overrides.DateBatches = int(c.Int("batches"))
	overrides.Accounts = c.StringSlice("account")
	return overrides, nil
}
