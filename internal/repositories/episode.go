package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/shared"
)

// EpisodeRepository persists [models.Episode] rows keyed by (user_id, spotify_episode_id).
type EpisodeRepository struct {
	db DBTX
}

// NewEpisodeRepository creates a new [EpisodeRepository] with the given database connection
func NewEpisodeRepository(db DBTX) *EpisodeRepository {
	return &EpisodeRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *EpisodeRepository) WithTx(tx *sql.Tx) *EpisodeRepository {
	return &EpisodeRepository{db: tx}
}

// Insert creates the episode row if its natural key is unseen. Returns true
// when a row was created; a conflict with an existing (user, episode) key is
// a no-op, which is what keeps repeated sync runs idempotent.
func (r *EpisodeRepository) Insert(ep *models.Episode) (bool, error) {
	if err := ep.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	if ep.ID == "" {
		ep.ID = shared.GenerateID()
	}
	ep.CreatedAt = now
	ep.UpdatedAt = now
	ep.CompletionPercentage = models.CompletionPercentage(ep.ProgressMS, ep.DurationMS)

	query := `
		INSERT INTO episodes (
			id, user_id, spotify_episode_id, show_id, name, duration_ms,
			release_date, played_at, progress_ms, completion_percentage,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, spotify_episode_id) DO NOTHING
	`

	result, err := r.db.Exec(query,
		ep.ID, ep.UserID, ep.SpotifyEpisodeID, ep.ShowID, ep.Name, ep.DurationMS,
		ep.ReleaseDate, nullableTime(ep.PlayedAt), ep.ProgressMS,
		ep.CompletionPercentage, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert episode: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// UpdateProgress records a replay of an already-seen episode.
func (r *EpisodeRepository) UpdateProgress(userID, spotifyEpisodeID string, playedAt *time.Time, progressMS, durationMS int) error {
	query := `
		UPDATE episodes
		SET played_at = COALESCE(?, played_at), progress_ms = ?, completion_percentage = ?, updated_at = ?
		WHERE user_id = ? AND spotify_episode_id = ?
	`

	pct := models.CompletionPercentage(progressMS, durationMS)
	if _, err := r.db.Exec(query, nullableTime(playedAt), progressMS, pct, time.Now(), userID, spotifyEpisodeID); err != nil {
		return fmt.Errorf("failed to update episode progress: %w", err)
	}
	return nil
}

// KeySet loads the set of a user's episode natural keys.
func (r *EpisodeRepository) KeySet(userID string) (map[string]struct{}, error) {
	rows, err := r.db.Query("SELECT spotify_episode_id FROM episodes WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query episode keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var spotifyID string
		if err := rows.Scan(&spotifyID); err != nil {
			return nil, fmt.Errorf("failed to scan episode key: %w", err)
		}
		keys[spotifyID] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return keys, nil
}

// ListByUser retrieves all episodes for a user, most recently played first.
func (r *EpisodeRepository) ListByUser(userID string) ([]*models.Episode, error) {
	query := `
		SELECT id, user_id, spotify_episode_id, show_id, name, duration_ms,
			release_date, played_at, progress_ms, completion_percentage,
			created_at, updated_at
		FROM episodes
		WHERE user_id = ?
		ORDER BY played_at DESC
	`

	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return episodes, nil
}

// CountByUser returns the number of episode rows for a user.
func (r *EpisodeRepository) CountByUser(userID string) (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM episodes WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count episodes: %w", err)
	}
	return count, nil
}

func scanEpisode(row rowScanner) (*models.Episode, error) {
	var (
		ep       models.Episode
		playedAt sql.NullTime
	)

	err := row.Scan(&ep.ID, &ep.UserID, &ep.SpotifyEpisodeID, &ep.ShowID, &ep.Name,
		&ep.DurationMS, &ep.ReleaseDate, &playedAt, &ep.ProgressMS,
		&ep.CompletionPercentage, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ep.PlayedAt = timePtr(playedAt)
	return &ep, nil
}
