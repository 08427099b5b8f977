package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/shared"
)

// ConnectionRepository persists [models.Connection] rows, one per user.
type ConnectionRepository struct {
	db DBTX
}

// NewConnectionRepository creates a new [ConnectionRepository] with the given database connection
func NewConnectionRepository(db DBTX) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ConnectionRepository) WithTx(tx *sql.Tx) *ConnectionRepository {
	return &ConnectionRepository{db: tx}
}

// Upsert inserts the connection for its user, or replaces the existing one.
//
// Called on every successful authorization, so the failure counter and last
// error reset to a clean slate alongside the fresh tokens.
func (r *ConnectionRepository) Upsert(conn *models.Connection) error {
	if err := conn.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	if conn.ID == "" {
		conn.ID = shared.GenerateID()
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	query := `
		INSERT INTO connections (
			id, user_id, spotify_user_id, access_token, refresh_token,
			token_expires_at, scopes, last_sync_at, last_sync_error,
			sync_failure_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			spotify_user_id = excluded.spotify_user_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			scopes = excluded.scopes,
			last_sync_error = '',
			sync_failure_count = 0,
			updated_at = excluded.updated_at
	`

	_, err := r.db.Exec(query,
		conn.ID, conn.UserID, conn.SpotifyUserID, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiresAt, conn.Scopes, nullableTime(conn.LastSyncAt),
		conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	conn.LastSyncError = ""
	conn.SyncFailureCount = 0
	return nil
}

// GetByUserID retrieves the connection for a user.
func (r *ConnectionRepository) GetByUserID(userID string) (*models.Connection, error) {
	query := `
		SELECT id, user_id, spotify_user_id, access_token, refresh_token,
			token_expires_at, scopes, last_sync_at, last_sync_error,
			sync_failure_count, created_at, updated_at
		FROM connections
		WHERE user_id = ?
	`

	conn, err := scanConnection(r.db.QueryRow(query, userID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", shared.ErrNoConnection, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}

	return conn, nil
}

// UpdateTokens persists a refreshed token set for the connection.
func (r *ConnectionRepository) UpdateTokens(conn *models.Connection) error {
	now := time.Now()
	conn.UpdatedAt = now

	query := `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, scopes = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query, conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt, conn.Scopes, now, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found: %s", conn.ID)
	}

	return nil
}

// RecordSyncSuccess stamps the sync time and clears the failure counter.
func (r *ConnectionRepository) RecordSyncSuccess(userID string, at time.Time) error {
	query := `
		UPDATE connections
		SET last_sync_at = ?, last_sync_error = '', sync_failure_count = 0, updated_at = ?
		WHERE user_id = ?
	`

	if _, err := r.db.Exec(query, at, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure increments the consecutive failure counter and stores the error.
func (r *ConnectionRepository) RecordSyncFailure(userID, message string) error {
	query := `
		UPDATE connections
		SET last_sync_error = ?, sync_failure_count = sync_failure_count + 1, updated_at = ?
		WHERE user_id = ?
	`

	if _, err := r.db.Exec(query, message, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// ListDue retrieves connections that have never synced or last synced at
// least interval ago, excluding those suppressed by repeated failures.
func (r *ConnectionRepository) ListDue(interval time.Duration, maxFailures int) ([]*models.Connection, error) {
	cutoff := time.Now().Add(-interval)

	query := `
		SELECT id, user_id, spotify_user_id, access_token, refresh_token,
			token_expires_at, scopes, last_sync_at, last_sync_error,
			sync_failure_count, created_at, updated_at
		FROM connections
		WHERE (last_sync_at IS NULL OR last_sync_at <= ?)
			AND sync_failure_count < ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(query, cutoff, maxFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to query due connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return conns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var (
		conn       models.Connection
		lastSyncAt sql.NullTime
	)

	err := row.Scan(&conn.ID, &conn.UserID, &conn.SpotifyUserID, &conn.AccessToken,
		&conn.RefreshToken, &conn.TokenExpiresAt, &conn.Scopes, &lastSyncAt,
		&conn.LastSyncError, &conn.SyncFailureCount, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}

	conn.LastSyncAt = timePtr(lastSyncAt)
	return &conn, nil
}
