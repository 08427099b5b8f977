// Package tasks contains the sync engine and its background scheduler.
// The engine pulls a user's recent listening activity through the
// protected API client and folds it into local storage idempotently:
// running the same sync twice produces exactly the same rows.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/services"
	"github.com/desertthunder/podsync/internal/shared"
)

// ActivityClient is the slice of the protected client the engine needs.
type ActivityClient interface {
	RecentActivity(ctx context.Context, conn *models.Connection, pageSize int) ([]services.ActivityItem, error)
}

// Engine syncs listening activity for connected users.
//
// All writes for one user's sync happen in a single transaction, so a
// failure partway through leaves no half-synced state behind.
type Engine struct {
	db          *sql.DB
	client      ActivityClient
	connections *repositories.ConnectionRepository
	shows       *repositories.ShowRepository
	episodes    *repositories.EpisodeRepository
	logger      *log.Logger

	pageSize    int
	maxFailures int
	interval    time.Duration
	userTimeout time.Duration

	// pace spreads bulk syncs out so one pass cannot monopolize the
	// API budget.
	pace *rate.Limiter
}

// NewEngine creates a sync engine from its storage and client parts.
func NewEngine(db *sql.DB, client ActivityClient, connections *repositories.ConnectionRepository,
	shows *repositories.ShowRepository, episodes *repositories.EpisodeRepository,
	cfg shared.SyncConfig, logger *log.Logger) *Engine {

	interUserDelay := time.Duration(cfg.InterUserDelaySeconds * float64(time.Second))
	if interUserDelay <= 0 {
		interUserDelay = time.Second
	}

	return &Engine{
		db:          db,
		client:      client,
		connections: connections,
		shows:       shows,
		episodes:    episodes,
		logger:      logger,
		pageSize:    cfg.PageSize,
		maxFailures: cfg.MaxFailures,
		interval:    time.Duration(cfg.IntervalHours) * time.Hour,
		userTimeout: time.Duration(cfg.UserTimeoutSeconds) * time.Second,
		pace:        rate.NewLimiter(rate.Every(interUserDelay), 1),
	}
}

// SyncUser runs one sync for a single user. Malformed activity items are
// skipped and reported in the stats; a connection-level failure (no
// connection, suppression, fetch error) aborts the run and bumps the
// failure counter.
func (e *Engine) SyncUser(ctx context.Context, userID string) (*models.SyncStats, error) {
	conn, err := e.connections.GetByUserID(userID)
	if err != nil {
		return nil, err
	}

	if conn.SyncSuppressed(e.maxFailures) {
		return nil, fmt.Errorf("%w: %s failed %d times", shared.ErrSyncSuppressed, userID, conn.SyncFailureCount)
	}

	stats := &models.SyncStats{UserID: userID, StartedAt: time.Now()}

	items, err := e.client.RecentActivity(ctx, conn, e.pageSize)
	if err != nil {
		if recErr := e.connections.RecordSyncFailure(userID, err.Error()); recErr != nil {
			e.logger.Error("failed to record sync failure", "user", userID, "error", recErr)
		}
		return nil, fmt.Errorf("activity fetch failed for %s: %w", userID, err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if err := e.applyActivity(tx, conn, items, stats); err != nil {
		// Release the write lock before the failure bookkeeping write.
		tx.Rollback()
		if recErr := e.connections.RecordSyncFailure(userID, err.Error()); recErr != nil {
			e.logger.Error("failed to record sync failure", "user", userID, "error", recErr)
		}
		return nil, err
	}

	if err := e.connections.WithTx(tx).RecordSyncSuccess(userID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to record sync success: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sync: %w", err)
	}

	stats.Duration = time.Since(stats.StartedAt)
	e.logger.Info("sync complete", "user", userID,
		"new_shows", stats.NewShows, "updated_shows", stats.UpdatedShows,
		"new_episodes", stats.NewEpisodes, "errors", len(stats.Errors),
		"duration", stats.Duration)
	return stats, nil
}

// applyActivity folds normalized activity into storage inside tx.
func (e *Engine) applyActivity(tx *sql.Tx, conn *models.Connection, items []services.ActivityItem, stats *models.SyncStats) error {
	shows := e.shows.WithTx(tx)
	episodes := e.episodes.WithTx(tx)

	seenEpisodes, err := episodes.KeySet(conn.UserID)
	if err != nil {
		return err
	}

	// One upsert per distinct show per run, not per episode.
	showIDs := make(map[string]string)

	for _, item := range items {
		if err := item.Validate(); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}

		showID, ok := showIDs[item.ShowID]
		if !ok {
			show := &models.Show{
				UserID:         conn.UserID,
				SpotifyShowID:  item.ShowID,
				Name:           item.ShowName,
				Publisher:      item.Publisher,
				TotalEpisodes:  item.ShowTotalEpisodes,
				LastListenedAt: item.PlayedAt,
			}
			created, err := shows.Upsert(show)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("show %s: %v", item.ShowID, err))
				continue
			}
			if created {
				stats.NewShows++
			} else {
				stats.UpdatedShows++
			}
			showID = show.ID
			showIDs[item.ShowID] = showID
		}

		if _, seen := seenEpisodes[item.EpisodeID]; seen {
			if err := episodes.UpdateProgress(conn.UserID, item.EpisodeID, item.PlayedAt, item.ProgressMS, item.DurationMS); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("episode %s: %v", item.EpisodeID, err))
			}
			continue
		}

		ep := &models.Episode{
			UserID:           conn.UserID,
			SpotifyEpisodeID: item.EpisodeID,
			ShowID:           showID,
			Name:             item.Name,
			DurationMS:       item.DurationMS,
			ReleaseDate:      item.ReleaseDate,
			PlayedAt:         item.PlayedAt,
			ProgressMS:       item.ProgressMS,
		}

		created, err := episodes.Insert(ep)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("episode %s: %v", item.EpisodeID, err))
			continue
		}
		if created {
			stats.NewEpisodes++
			seenEpisodes[item.EpisodeID] = struct{}{}
			if err := shows.IncrementEpisodesPlayed(showID, item.PlayedAt); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("show %s: %v", item.ShowID, err))
			}
		}
	}

	return nil
}

// SyncAllDue syncs every connection that is due, pacing between users.
// One user's failure never aborts the pass.
func (e *Engine) SyncAllDue(ctx context.Context) (*models.AggregateStats, error) {
	due, err := e.connections.ListDue(e.interval, e.maxFailures)
	if err != nil {
		return nil, err
	}

	agg := &models.AggregateStats{}
	for _, conn := range due {
		if err := e.pace.Wait(ctx); err != nil {
			return agg, err
		}

		userCtx := ctx
		var cancel context.CancelFunc
		if e.userTimeout > 0 {
			userCtx, cancel = context.WithTimeout(ctx, e.userTimeout)
		}

		stats, err := e.SyncUser(userCtx, conn.UserID)
		if cancel != nil {
			cancel()
		}

		switch {
		case errors.Is(err, shared.ErrSyncSuppressed):
			agg.Skipped++
		case err != nil:
			agg.Failed++
			e.logger.Warn("user sync failed", "user", conn.UserID, "error", err)
		default:
			agg.Synced++
			agg.Stats = append(agg.Stats, stats)
		}

		if ctx.Err() != nil {
			return agg, ctx.Err()
		}
	}

	return agg, nil
}

// Status reports the caller-facing health of a user's connection.
func (e *Engine) Status(userID string) (*models.ConnectionStatus, error) {
	conn, err := e.connections.GetByUserID(userID)
	if errors.Is(err, shared.ErrNoConnection) {
		return &models.ConnectionStatus{Connected: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return &models.ConnectionStatus{
		Connected:    true,
		LastSyncAt:   conn.LastSyncAt,
		NeedsSync:    conn.NeedsSync(e.interval),
		FailureCount: conn.SyncFailureCount,
		LastError:    conn.LastSyncError,
	}, nil
}
