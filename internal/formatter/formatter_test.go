package formatter

import (
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/podsync/internal/models"
)

func sampleHistory() ([]*models.Episode, map[string]string) {
	played := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	episodes := []*models.Episode{
		{
			SpotifyEpisodeID:     "ep-1",
			ShowID:               "row-1",
			Name:                 "The Cataclysm Sentence",
			DurationMS:           185000,
			ProgressMS:           185000,
			CompletionPercentage: 100,
			PlayedAt:             &played,
		},
		{
			SpotifyEpisodeID:     "ep-2",
			ShowID:               "row-1",
			Name:                 "Null Island",
			DurationMS:           60000,
			ProgressMS:           30000,
			CompletionPercentage: 50,
		},
	}
	return episodes, map[string]string{"row-1": "Radiolab"}
}

func TestExportToCSV(t *testing.T) {
	episodes, showNames := sampleHistory()

	data, err := ExportToCSV(episodes, showNames)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "Episode ID,Name,Show") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "The Cataclysm Sentence") || !strings.Contains(lines[1], "Radiolab") {
		t.Errorf("unexpected first row: %s", lines[1])
	}
	if !strings.Contains(lines[1], "3:05") {
		t.Errorf("expected m:ss duration in row: %s", lines[1])
	}
	if !strings.Contains(lines[2], "50.0%") {
		t.Errorf("expected completion percentage in row: %s", lines[2])
	}
}

func TestExportToMarkdown(t *testing.T) {
	episodes, showNames := sampleHistory()

	data, err := ExportToMarkdown("u1", episodes, showNames)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	out := string(data)
	if !strings.Contains(out, "# Listening History: u1") {
		t.Errorf("missing title: %s", out)
	}
	if !strings.Contains(out, "**Episodes**: 2") {
		t.Errorf("missing episode count: %s", out)
	}
	if !strings.Contains(out, "1. The Cataclysm Sentence (Radiolab)") {
		t.Errorf("missing first entry: %s", out)
	}
}

func TestExportToText(t *testing.T) {
	episodes, _ := sampleHistory()

	data, err := ExportToText("u1", episodes)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	out := string(data)
	if !strings.Contains(out, "Episodes: 2") || !strings.Contains(out, "2. Null Island [1:00]") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRenderStatus(t *testing.T) {
	t.Run("Disconnected", func(t *testing.T) {
		out := RenderStatus("u1", &models.ConnectionStatus{Connected: false})
		if !strings.Contains(out, "not connected") {
			t.Errorf("expected disconnected marker: %s", out)
		}
	})

	t.Run("ConnectedWithFailures", func(t *testing.T) {
		at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
		out := RenderStatus("u1", &models.ConnectionStatus{
			Connected:    true,
			LastSyncAt:   &at,
			NeedsSync:    true,
			FailureCount: 2,
			LastError:    "api down",
		})

		for _, want := range []string{"connected", "2026-08-30T10:00:00Z", "sync due", "failures: 2", "api down"} {
			if !strings.Contains(out, want) {
				t.Errorf("missing %q in output: %s", want, out)
			}
		}
	})
}

func TestRenderSyncStats(t *testing.T) {
	stats := &models.SyncStats{
		UserID:      "u1",
		NewShows:    1,
		NewEpisodes: 3,
		Duration:    1500 * time.Millisecond,
		Errors:      []string{"malformed activity item: missing episode id"},
	}

	out := RenderSyncStats(stats)
	for _, want := range []string{"Sync: u1", "new episodes: 3", "skipped: malformed"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %s", want, out)
		}
	}
}
