package models

import (
	"fmt"
	"time"
)

// Connection links a local user to their Spotify account.
//
// AccessToken and RefreshToken hold vault ciphertext, never plaintext.
// Exactly one Connection exists per user; re-authorization replaces it in
// place and resets the failure counter.
type Connection struct {
	ID               string
	UserID           string
	SpotifyUserID    string
	AccessToken      string
	RefreshToken     string
	TokenExpiresAt   time.Time
	Scopes           string
	LastSyncAt       *time.Time
	LastSyncError    string
	SyncFailureCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks that the connection has the fields required for syncing.
func (c *Connection) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("connection requires a user id")
	}
	if c.AccessToken == "" || c.RefreshToken == "" {
		return fmt.Errorf("connection requires encrypted access and refresh tokens")
	}
	return nil
}

// TokenExpired reports whether the access token expires within the safety margin.
func (c *Connection) TokenExpired(margin time.Duration) bool {
	return !c.TokenExpiresAt.After(time.Now().Add(margin))
}

// NeedsSync reports whether the connection has never synced or last synced
// at least interval ago.
func (c *Connection) NeedsSync(interval time.Duration) bool {
	if c.LastSyncAt == nil {
		return true
	}
	return time.Since(*c.LastSyncAt) >= interval
}

// SyncSuppressed reports whether automatic sync is disabled after repeated
// consecutive failures. A fresh authorization resets the counter.
func (c *Connection) SyncSuppressed(maxFailures int) bool {
	return c.SyncFailureCount >= maxFailures
}

// Show is a podcast show a user has listened to, keyed by (user, remote show id).
type Show struct {
	ID                  string
	UserID              string
	SpotifyShowID       string
	Name                string
	Publisher           string
	TotalEpisodes       int
	LastListenedAt      *time.Time
	TotalEpisodesPlayed int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks required show fields.
func (s *Show) Validate() error {
	if s.UserID == "" || s.SpotifyShowID == "" {
		return fmt.Errorf("show requires user id and remote show id")
	}
	if s.Name == "" {
		return fmt.Errorf("show requires a name")
	}
	return nil
}

// Episode is a played podcast episode, keyed by (user, remote episode id).
//
// Replays of the same episode update the existing row; the natural key keeps
// repeated syncs from inserting duplicates.
type Episode struct {
	ID                   string
	UserID               string
	SpotifyEpisodeID     string
	ShowID               string
	Name                 string
	DurationMS           int
	ReleaseDate          string
	PlayedAt             *time.Time
	ProgressMS           int
	CompletionPercentage float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate checks required episode fields.
func (e *Episode) Validate() error {
	if e.UserID == "" || e.SpotifyEpisodeID == "" {
		return fmt.Errorf("episode requires user id and remote episode id")
	}
	if e.ShowID == "" {
		return fmt.Errorf("episode requires a show")
	}
	return nil
}

// CompletionPercentage derives listening progress as a percentage in [0, 100].
func CompletionPercentage(progressMS, durationMS int) float64 {
	if durationMS <= 0 {
		return 0
	}
	pct := float64(progressMS) / float64(durationMS) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// TokenSet is the result of an authorization code exchange or token refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// APICall is one audited attempt against the remote platform.
type APICall struct {
	ID                 string
	Endpoint           string
	Method             string
	StatusCode         int
	LatencyMS          int64
	RateLimitRemaining string
	Cost               float64
	CreatedAt          time.Time
}

// SyncStats summarizes one user's sync run.
type SyncStats struct {
	UserID       string
	NewShows     int
	NewEpisodes  int
	UpdatedShows int
	Errors       []string
	StartedAt    time.Time
	Duration     time.Duration
}

// AggregateStats summarizes a sync pass across all due connections.
type AggregateStats struct {
	Synced  int
	Skipped int
	Failed  int
	Stats   []*SyncStats
}

// ConnectionStatus is the caller-facing view of a user's connection health.
type ConnectionStatus struct {
	Connected    bool
	LastSyncAt   *time.Time
	NeedsSync    bool
	FailureCount int
	LastError    string
}
