// package formatter provides functions to export listening history to various formats (CSV, Markdown, plain text)
// and to render status and sync summaries for the terminal
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/desertthunder/podsync/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// ExportToCSV converts listening history to CSV format with columns:
// Episode ID, Name, Show, Played At, Duration, Progress, Completion
func ExportToCSV(episodes []*models.Episode, showNames map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Episode ID", "Name", "Show", "Played At", "Duration", "Progress", "Completion"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, ep := range episodes {
		record := []string{
			ep.SpotifyEpisodeID,
			ep.Name,
			showNames[ep.ShowID],
			formatPlayedAt(ep.PlayedAt),
			formatDuration(ep.DurationMS),
			formatDuration(ep.ProgressMS),
			strconv.FormatFloat(ep.CompletionPercentage, 'f', 1, 64) + "%",
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToMarkdown converts listening history to Markdown format grouped under one heading
func ExportToMarkdown(userID string, episodes []*models.Episode, showNames map[string]string) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("# Listening History: %s\n\n", userID))
	buf.WriteString(fmt.Sprintf("**Episodes**: %d\n\n", len(episodes)))

	buf.WriteString("## Episodes\n\n")
	for i, ep := range episodes {
		showPart := ""
		if name := showNames[ep.ShowID]; name != "" {
			showPart = fmt.Sprintf(" (%s)", name)
		}
		buf.WriteString(fmt.Sprintf("%d. %s%s [%s, %.0f%%]\n",
			i+1, ep.Name, showPart, formatDuration(ep.DurationMS), ep.CompletionPercentage))
	}

	return buf.Bytes(), nil
}

// ExportToText converts listening history to plain text format
func ExportToText(userID string, episodes []*models.Episode) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("Listening history: %s\n", userID))
	buf.WriteString(fmt.Sprintf("Episodes: %d\n\n", len(episodes)))

	for i, ep := range episodes {
		buf.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, ep.Name, formatDuration(ep.DurationMS)))
	}

	return buf.Bytes(), nil
}

// RenderStatus renders connection health for the terminal.
func RenderStatus(userID string, status *models.ConnectionStatus) string {
	var buf bytes.Buffer

	buf.WriteString(titleStyle.Render("Connection: "+userID) + "\n")

	if !status.Connected {
		buf.WriteString(errStyle.Render("not connected") + "\n")
		return buf.String()
	}

	buf.WriteString(okStyle.Render("connected") + "\n")

	if status.LastSyncAt != nil {
		buf.WriteString(fmt.Sprintf("last sync: %s\n", status.LastSyncAt.Format(time.RFC3339)))
	} else {
		buf.WriteString(dimStyle.Render("never synced") + "\n")
	}

	if status.NeedsSync {
		buf.WriteString(warnStyle.Render("sync due") + "\n")
	}
	if status.FailureCount > 0 {
		buf.WriteString(warnStyle.Render(fmt.Sprintf("failures: %d (%s)", status.FailureCount, status.LastError)) + "\n")
	}

	return buf.String()
}

// RenderSyncStats renders one user's sync summary for the terminal.
func RenderSyncStats(stats *models.SyncStats) string {
	var buf bytes.Buffer

	buf.WriteString(titleStyle.Render("Sync: "+stats.UserID) + "\n")
	buf.WriteString(fmt.Sprintf("new shows: %d  updated shows: %d  new episodes: %d\n",
		stats.NewShows, stats.UpdatedShows, stats.NewEpisodes))
	buf.WriteString(dimStyle.Render(fmt.Sprintf("took %s", stats.Duration.Round(time.Millisecond))) + "\n")

	for _, e := range stats.Errors {
		buf.WriteString(errStyle.Render("skipped: "+e) + "\n")
	}

	return buf.String()
}

// RenderAggregate renders a full sync pass summary.
func RenderAggregate(agg *models.AggregateStats) string {
	var buf bytes.Buffer

	buf.WriteString(titleStyle.Render("Sync pass") + "\n")
	buf.WriteString(fmt.Sprintf("synced: %d  skipped: %d  failed: %d\n", agg.Synced, agg.Skipped, agg.Failed))

	for _, stats := range agg.Stats {
		buf.WriteString(RenderSyncStats(stats))
	}

	return buf.String()
}

// formatDuration renders a millisecond duration as m:ss.
func formatDuration(ms int) string {
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func formatPlayedAt(at *time.Time) string {
	if at == nil {
		return ""
	}
	return at.Format(time.RFC3339)
}
