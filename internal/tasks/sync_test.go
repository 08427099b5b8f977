package tasks

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/services"
	"github.com/desertthunder/podsync/internal/shared"
)

// fakeClient serves canned activity per user, or fails.
type fakeClient struct {
	items  map[string][]services.ActivityItem
	err    error
	errFor map[string]error
	calls  int
}

func (f *fakeClient) RecentActivity(_ context.Context, conn *models.Connection, _ int) ([]services.ActivityItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := f.errFor[conn.UserID]; err != nil {
		return nil, err
	}
	return f.items[conn.UserID], nil
}

type testEnv struct {
	db          *sql.DB
	client      *fakeClient
	engine      *Engine
	connections *repositories.ConnectionRepository
	shows       *repositories.ShowRepository
	episodes    *repositories.EpisodeRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	client := &fakeClient{items: make(map[string][]services.ActivityItem)}
	connections := repositories.NewConnectionRepository(db)
	shows := repositories.NewShowRepository(db)
	episodes := repositories.NewEpisodeRepository(db)

	cfg := shared.SyncConfig{
		IntervalHours:         4,
		PageSize:              50,
		MaxFailures:           5,
		InterUserDelaySeconds: 0.001,
		UserTimeoutSeconds:    30,
	}

	return &testEnv{
		db:          db,
		client:      client,
		engine:      NewEngine(db, client, connections, shows, episodes, cfg, log.New(io.Discard)),
		connections: connections,
		shows:       shows,
		episodes:    episodes,
	}
}

func (e *testEnv) seedConnection(t *testing.T, userID string) {
	t.Helper()
	conn := &models.Connection{
		UserID:         userID,
		SpotifyUserID:  "spotify-" + userID,
		AccessToken:    "enc-access",
		RefreshToken:   "enc-refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}
	if err := e.connections.Upsert(conn); err != nil {
		t.Fatal(err)
	}
}

func activityItem(episodeID, showID string) services.ActivityItem {
	played := time.Now().Add(-time.Hour)
	return services.ActivityItem{
		EpisodeID:         episodeID,
		Name:              "Episode " + episodeID,
		DurationMS:        60000,
		ProgressMS:        30000,
		PlayedAt:          &played,
		ShowID:            showID,
		ShowName:          "Show " + showID,
		Publisher:         "Publisher",
		ShowTotalEpisodes: 10,
	}
}

func TestSyncUser(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstSyncCreatesEverything", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		env.client.items["u1"] = []services.ActivityItem{
			activityItem("ep-1", "show-1"),
			activityItem("ep-2", "show-1"),
			activityItem("ep-3", "show-2"),
		}

		stats, err := env.engine.SyncUser(ctx, "u1")
		if err != nil {
			t.Fatalf("sync failed: %v", err)
		}
		if stats.NewShows != 2 || stats.NewEpisodes != 3 || len(stats.Errors) != 0 {
			t.Errorf("unexpected stats: %+v", stats)
		}

		show, err := env.shows.GetByNaturalKey("u1", "show-1")
		if err != nil {
			t.Fatal(err)
		}
		if show.TotalEpisodesPlayed != 2 {
			t.Errorf("expected 2 played episodes for show-1, got %d", show.TotalEpisodesPlayed)
		}

		conn, _ := env.connections.GetByUserID("u1")
		if conn.LastSyncAt == nil {
			t.Error("expected last sync time recorded")
		}
	})

	t.Run("DoubleSyncIsIdempotent", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		env.client.items["u1"] = []services.ActivityItem{
			activityItem("ep-1", "show-1"),
			activityItem("ep-2", "show-1"),
		}

		if _, err := env.engine.SyncUser(ctx, "u1"); err != nil {
			t.Fatalf("first sync failed: %v", err)
		}
		stats, err := env.engine.SyncUser(ctx, "u1")
		if err != nil {
			t.Fatalf("second sync failed: %v", err)
		}

		if stats.NewShows != 0 || stats.NewEpisodes != 0 {
			t.Errorf("second sync must create nothing, got %+v", stats)
		}

		count, _ := env.episodes.CountByUser("u1")
		if count != 2 {
			t.Errorf("expected 2 episode rows after double sync, got %d", count)
		}

		show, _ := env.shows.GetByNaturalKey("u1", "show-1")
		if show.TotalEpisodesPlayed != 2 {
			t.Errorf("play counter must not double-count, got %d", show.TotalEpisodesPlayed)
		}
	})

	t.Run("ReplayUpdatesProgress", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		item := activityItem("ep-1", "show-1")
		env.client.items["u1"] = []services.ActivityItem{item}

		if _, err := env.engine.SyncUser(ctx, "u1"); err != nil {
			t.Fatal(err)
		}

		item.ProgressMS = 60000
		env.client.items["u1"] = []services.ActivityItem{item}
		if _, err := env.engine.SyncUser(ctx, "u1"); err != nil {
			t.Fatal(err)
		}

		eps, _ := env.episodes.ListByUser("u1")
		if len(eps) != 1 {
			t.Fatalf("expected single episode row, got %d", len(eps))
		}
		if eps[0].ProgressMS != 60000 || eps[0].CompletionPercentage != 100 {
			t.Errorf("expected replay to update progress, got %+v", eps[0])
		}
	})

	t.Run("MalformedItemsSkippedNotFatal", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		bad := activityItem("", "show-1")
		env.client.items["u1"] = []services.ActivityItem{
			activityItem("ep-1", "show-1"),
			bad,
			activityItem("ep-2", "show-1"),
		}

		stats, err := env.engine.SyncUser(ctx, "u1")
		if err != nil {
			t.Fatalf("sync should survive malformed items: %v", err)
		}
		if stats.NewEpisodes != 2 {
			t.Errorf("expected 2 synced episodes, got %d", stats.NewEpisodes)
		}
		if len(stats.Errors) != 1 {
			t.Errorf("expected 1 collected error, got %v", stats.Errors)
		}
	})

	t.Run("FetchFailureCountsAndSuppresses", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		env.client.err = errors.New("api down")

		for i := 0; i < 5; i++ {
			if _, err := env.engine.SyncUser(ctx, "u1"); err == nil {
				t.Fatalf("sync %d should fail", i)
			}
		}

		conn, _ := env.connections.GetByUserID("u1")
		if conn.SyncFailureCount != 5 {
			t.Fatalf("expected 5 recorded failures, got %d", conn.SyncFailureCount)
		}

		callsBefore := env.client.calls
		_, err := env.engine.SyncUser(ctx, "u1")
		if !errors.Is(err, shared.ErrSyncSuppressed) {
			t.Errorf("expected suppression after max failures, got %v", err)
		}
		if env.client.calls != callsBefore {
			t.Error("suppressed sync must not hit the API")
		}
	})

	t.Run("NoConnection", func(t *testing.T) {
		env := newTestEnv(t)
		if _, err := env.engine.SyncUser(ctx, "ghost"); !errors.Is(err, shared.ErrNoConnection) {
			t.Errorf("expected no connection error, got %v", err)
		}
	})

	t.Run("UserIsolation", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "userA")
		env.seedConnection(t, "userB")
		env.client.items["userA"] = []services.ActivityItem{activityItem("ep-1", "show-1")}
		env.client.items["userB"] = []services.ActivityItem{activityItem("ep-1", "show-1")}

		if _, err := env.engine.SyncUser(ctx, "userA"); err != nil {
			t.Fatal(err)
		}

		countB, _ := env.episodes.CountByUser("userB")
		if countB != 0 {
			t.Errorf("userA sync must not touch userB rows, got %d", countB)
		}

		// Same remote ids under a different user are distinct rows.
		if _, err := env.engine.SyncUser(ctx, "userB"); err != nil {
			t.Fatal(err)
		}
		countA, _ := env.episodes.CountByUser("userA")
		countB, _ = env.episodes.CountByUser("userB")
		if countA != 1 || countB != 1 {
			t.Errorf("expected one row each, got A=%d B=%d", countA, countB)
		}
	})
}

func TestSyncAllDue(t *testing.T) {
	ctx := context.Background()

	t.Run("OneFailureDoesNotAbortPass", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "good")
		env.seedConnection(t, "bad")
		env.client.items["good"] = []services.ActivityItem{activityItem("ep-1", "show-1")}
		env.client.errFor = map[string]error{"bad": errors.New("api down")}

		agg, err := env.engine.SyncAllDue(ctx)
		if err != nil {
			t.Fatalf("pass failed: %v", err)
		}
		if agg.Synced != 1 || agg.Failed != 1 {
			t.Errorf("unexpected aggregate: %+v", agg)
		}

		// The good user's data made it regardless.
		count, _ := env.episodes.CountByUser("good")
		if count != 1 {
			t.Errorf("expected good user synced, got %d episodes", count)
		}

		conn, _ := env.connections.GetByUserID("bad")
		if conn.SyncFailureCount != 1 {
			t.Errorf("expected failure recorded for bad user, got %d", conn.SyncFailureCount)
		}
	})

	t.Run("SkipsNotDue", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConnection(t, "u1")
		env.client.items["u1"] = []services.ActivityItem{activityItem("ep-1", "show-1")}

		first, err := env.engine.SyncAllDue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if first.Synced != 1 {
			t.Fatalf("expected 1 synced, got %+v", first)
		}

		// Immediately after, nothing is due.
		second, err := env.engine.SyncAllDue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if second.Synced != 0 || second.Failed != 0 {
			t.Errorf("expected empty second pass, got %+v", second)
		}
	})
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Disconnected", func(t *testing.T) {
		status, err := env.engine.Status("ghost")
		if err != nil {
			t.Fatal(err)
		}
		if status.Connected {
			t.Error("expected disconnected status")
		}
	})

	t.Run("ConnectedNeverSynced", func(t *testing.T) {
		env.seedConnection(t, "u1")
		status, err := env.engine.Status("u1")
		if err != nil {
			t.Fatal(err)
		}
		if !status.Connected || !status.NeedsSync || status.LastSyncAt != nil {
			t.Errorf("unexpected status: %+v", status)
		}
	})
}
