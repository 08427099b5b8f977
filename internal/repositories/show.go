package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/shared"
)

// ShowRepository persists [models.Show] rows keyed by (user_id, spotify_show_id).
type ShowRepository struct {
	db DBTX
}

// NewShowRepository creates a new [ShowRepository] with the given database connection
func NewShowRepository(db DBTX) *ShowRepository {
	return &ShowRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ShowRepository) WithTx(tx *sql.Tx) *ShowRepository {
	return &ShowRepository{db: tx}
}

// Upsert inserts the show on first sight or updates its mutable metadata on
// collision with the natural key. Returns true when a new row was created.
//
// The played-episode counter is NOT touched here; it only moves when a new
// episode row is inserted, so repeated syncs of the same payload cannot
// double-count plays. Callers run inside the per-user sync transaction, so
// the read-then-write pair is not racy.
func (r *ShowRepository) Upsert(show *models.Show) (bool, error) {
	if err := show.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	existing, err := r.GetByNaturalKey(show.UserID, show.SpotifyShowID)
	if err == nil {
		if show.LastListenedAt == nil || (existing.LastListenedAt != nil && existing.LastListenedAt.After(*show.LastListenedAt)) {
			show.LastListenedAt = existing.LastListenedAt
		}

		query := `
			UPDATE shows
			SET name = ?, publisher = ?, total_episodes = ?, last_listened_at = ?, updated_at = ?
			WHERE id = ?
		`
		if _, err := r.db.Exec(query, show.Name, show.Publisher, show.TotalEpisodes,
			nullableTime(show.LastListenedAt), now, existing.ID); err != nil {
			return false, fmt.Errorf("failed to update show: %w", err)
		}

		show.ID = existing.ID
		show.TotalEpisodesPlayed = existing.TotalEpisodesPlayed
		show.CreatedAt = existing.CreatedAt
		show.UpdatedAt = now
		return false, nil
	}

	if show.ID == "" {
		show.ID = shared.GenerateID()
	}
	show.CreatedAt = now
	show.UpdatedAt = now

	query := `
		INSERT INTO shows (
			id, user_id, spotify_show_id, name, publisher, total_episodes,
			last_listened_at, total_episodes_played, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`

	if _, err := r.db.Exec(query,
		show.ID, show.UserID, show.SpotifyShowID, show.Name, show.Publisher,
		show.TotalEpisodes, nullableTime(show.LastListenedAt), show.CreatedAt, show.UpdatedAt); err != nil {
		return false, fmt.Errorf("failed to insert show: %w", err)
	}

	return true, nil
}

// GetByNaturalKey retrieves a show by its (user, remote show id) key.
func (r *ShowRepository) GetByNaturalKey(userID, spotifyShowID string) (*models.Show, error) {
	query := `
		SELECT id, user_id, spotify_show_id, name, publisher, total_episodes,
			last_listened_at, total_episodes_played, created_at, updated_at
		FROM shows
		WHERE user_id = ? AND spotify_show_id = ?
	`

	show, err := scanShow(r.db.QueryRow(query, userID, spotifyShowID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("show not found: %s/%s", userID, spotifyShowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query show: %w", err)
	}

	return show, nil
}

// IncrementEpisodesPlayed bumps the played counter after a new episode row insert.
func (r *ShowRepository) IncrementEpisodesPlayed(showID string, playedAt *time.Time) error {
	query := `
		UPDATE shows
		SET total_episodes_played = total_episodes_played + 1,
			last_listened_at = COALESCE(MAX(?, last_listened_at), ?, last_listened_at),
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query, nullableTime(playedAt), nullableTime(playedAt), time.Now(), showID)
	if err != nil {
		return fmt.Errorf("failed to increment episodes played: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("show not found: %s", showID)
	}

	return nil
}

// KeySet loads all of a user's show natural keys mapped to their row ids.
func (r *ShowRepository) KeySet(userID string) (map[string]string, error) {
	rows, err := r.db.Query("SELECT spotify_show_id, id FROM shows WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query show keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var spotifyID, id string
		if err := rows.Scan(&spotifyID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan show key: %w", err)
		}
		keys[spotifyID] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return keys, nil
}

// ListByUser retrieves all shows for a user ordered by most recently listened.
func (r *ShowRepository) ListByUser(userID string) ([]*models.Show, error) {
	query := `
		SELECT id, user_id, spotify_show_id, name, publisher, total_episodes,
			last_listened_at, total_episodes_played, created_at, updated_at
		FROM shows
		WHERE user_id = ?
		ORDER BY last_listened_at DESC
	`

	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shows: %w", err)
	}
	defer rows.Close()

	var shows []*models.Show
	for rows.Next() {
		show, err := scanShow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan show: %w", err)
		}
		shows = append(shows, show)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return shows, nil
}

func scanShow(row rowScanner) (*models.Show, error) {
	var (
		show           models.Show
		lastListenedAt sql.NullTime
	)

	err := row.Scan(&show.ID, &show.UserID, &show.SpotifyShowID, &show.Name,
		&show.Publisher, &show.TotalEpisodes, &lastListenedAt,
		&show.TotalEpisodesPlayed, &show.CreatedAt, &show.UpdatedAt)
	if err != nil {
		return nil, err
	}

	show.LastListenedAt = timePtr(lastListenedAt)
	return &show, nil
}
