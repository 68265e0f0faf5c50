package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/urfave/cli/v3"
)

// ActivityCommand groups the audit log subcommands.
func ActivityCommand() *cli.Command {
	workspaceFlag := &cli.IntFlag{
		Name:     "workspace",
		Aliases:  []string{"w"},
		Usage:    "Workspace whose activity to read",
		Required: true,
	}
	return &cli.Command{
		Name:  "activity",
		Usage: "Inspect and export the workspace activity log",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Show recent activity, newest first",
				Flags: []cli.Flag{
					workspaceFlag,
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries",
						Value: activity.DefaultListLimit,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print entries as NDJSON",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return listActivity(ctx, c.String("config"), int64(c.Int("workspace")), c.Int("limit"), c.Bool("json"))
				},
			},
			{
				Name:  "export",
				Usage: "Write the full activity log as zstd-compressed NDJSON",
				Flags: []cli.Flag{
					workspaceFlag,
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (- for stdout)",
						Value:   "-",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return exportActivity(ctx, c.String("config"), int64(c.Int("workspace")), c.String("output"))
				},
			},
			{
				Name:      "read",
				Usage:     "Print the entries of an export file",
				ArgsUsage: "FILE",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one export file")
					}
					return readActivityExport(c.Args().First(), os.Stdout)
				},
			},
		},
	}
}

func openActivityStore(ctx context.Context, configPath string) (*activity.Store, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := activity.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening activity store: %w", err)
	}
	return store, nil
}

func listActivity(ctx context.Context, configPath string, workspace int64, limit int, asJSON bool) error {
	store, err := openActivityStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, workspace, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeEntriesJSON(os.Stdout, entries)
	}
	if len(entries) == 0 {
		fmt.Println(noDataStyle.Render(fmt.Sprintf("No activity for workspace %d", workspace)))
		return nil
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("Workspace %d: %d entries", workspace, len(entries))))
	for _, e := range entries {
		fmt.Println(formatEntry(e))
	}
	return nil
}

func exportActivity(ctx context.Context, configPath string, workspace int64, output string) (err error) {
	store, err := openActivityStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var w io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}

	n, err := store.Export(ctx, w, workspace)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d entries for workspace %d\n", n, workspace)
	return nil
}

func readActivityExport(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	entries, err := activity.ReadExport(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return writeEntriesJSON(w, entries)
}

func writeEntriesJSON(w io.Writer, entries []activity.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func formatEntry(e activity.Entry) string {
	var b strings.Builder
	b.WriteString(timeStyle.Render(e.CreatedAt.Local().Format(time.DateTime)))
	b.WriteString(" ")
	b.WriteString(typeStyle.Render(e.Action))
	fmt.Fprintf(&b, " %s %d", e.ResourceType, e.ResourceID)
	if e.UserID > 0 {
		fmt.Fprintf(&b, " by user %d", e.UserID)
	}
	if len(e.Details) > 0 && string(e.Details) != "null" {
		b.WriteString(" ")
		b.WriteString(metaStyle.Render(string(e.Details)))
	}
	return b.String()
}
