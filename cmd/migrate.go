package cmd

import (
	"context"
	"fmt"

	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/rubiojr/netpulse/pkg/db"
	"github.com/urfave/cli/v3"
)

// MigrateCommand creates the migrate command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runMigrations(ctx, c.String("config"), c.Bool("status"))
		},
	}
}

func runMigrations(ctx context.Context, configPath string, statusOnly bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := activity.OpenUnmigrated(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	manager := store.Migrations()
	if statusOnly {
		return showMigrationStatus(ctx, manager, cfg.DBPath())
	}

	n, err := manager.ApplyPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d migration(s) to %s\n", n, cfg.DBPath())
	return nil
}

func showMigrationStatus(ctx context.Context, manager *db.MigrationManager, dbPath string) error {
	status, err := manager.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(dbPath))
	fmt.Printf("Applied migrations: %d\n", len(status.Applied))
	for _, m := range status.Applied {
		appliedTime := "unknown"
		if m.AppliedAt != nil {
			appliedTime = m.AppliedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %s %03d: %s (applied: %s)\n", checkStyle.Render("✓"), m.Version, m.Name, appliedTime)
	}

	fmt.Printf("Pending migrations: %d\n", len(status.Pending))
	for _, m := range status.Pending {
		fmt.Printf("  • %03d: %s\n", m.Version, m.Name)
	}
	if len(status.Pending) == 0 {
		fmt.Println(noDataStyle.Render("  (none - database is up to date)"))
	}
	return nil
}
