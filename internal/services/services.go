// Package services holds the Spotify-facing side of the application: the
// OAuth authorization flow, the protected API client that every outbound
// request funnels through, and the normalized activity types the sync
// engine consumes.
package services

import (
	"fmt"
	"time"

	"github.com/desertthunder/podsync/internal/shared"
)

// ActivityItem is one played episode normalized from the remote payload.
// The sync engine works only with this shape, never with raw API types.
type ActivityItem struct {
	EpisodeID   string
	Name        string
	DurationMS  int
	ReleaseDate string
	PlayedAt    *time.Time
	ProgressMS  int
	FullyPlayed bool

	ShowID            string
	ShowName          string
	Publisher         string
	ShowTotalEpisodes int
}

// Validate checks that the item carries the identifiers the sync engine
// needs. Malformed items are skipped, never synced.
func (a *ActivityItem) Validate() error {
	if a.EpisodeID == "" {
		return fmt.Errorf("%w: missing episode id", shared.ErrValidation)
	}
	if a.ShowID == "" {
		return fmt.Errorf("%w: episode %s has no show", shared.ErrValidation, a.EpisodeID)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: episode %s has no name", shared.ErrValidation, a.EpisodeID)
	}
	return nil
}
