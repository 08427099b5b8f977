package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/formatter"
)

// SyncRun syncs one user's recent listening activity immediately.
func (r *Runner) SyncRun(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	stats, err := a.engine.SyncUser(ctx, userID)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(stats, true)
	}

	return r.writePlain("%s", formatter.RenderSyncStats(stats))
}

// SyncAll syncs every connection that is due.
func (r *Runner) SyncAll(ctx context.Context, cmd *cli.Command) error {
	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	agg, err := a.engine.SyncAllDue(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(agg, true)
	}

	return r.writePlain("%s", formatter.RenderAggregate(agg))
}

// SyncExport writes a user's listening history as CSV, Markdown, or text.
func (r *Runner) SyncExport(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")
	format := strings.ToLower(cmd.String("format"))

	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	episodes, err := a.episodes.ListByUser(userID)
	if err != nil {
		return err
	}

	shows, err := a.shows.ListByUser(userID)
	if err != nil {
		return err
	}
	showNames := make(map[string]string, len(shows))
	for _, s := range shows {
		showNames[s.ID] = s.Name
	}

	var data []byte
	switch format {
	case "csv":
		data, err = formatter.ExportToCSV(episodes, showNames)
	case "markdown", "md":
		data, err = formatter.ExportToMarkdown(userID, episodes, showNames)
	case "text", "txt":
		data, err = formatter.ExportToText(userID, episodes)
	default:
		return fmt.Errorf("unknown export format: %s", format)
	}
	if err != nil {
		return err
	}

	if path := cmd.String("output"); path != "" {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		return r.writePlain("✓ Exported %d episodes to %s\n", len(episodes), path)
	}

	return r.writePlain("%s", string(data))
}
