package services

import (
	"time"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
)

// SpotifyUser is the profile payload from GET /me.
type SpotifyUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// SpotifyShow is the show object embedded in episode payloads.
type SpotifyShow struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Publisher     string `json:"publisher"`
	TotalEpisodes int    `json:"total_episodes"`
}

// SpotifyEpisode is the episode object from the saved-episodes endpoint.
type SpotifyEpisode struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DurationMS  int         `json:"duration_ms"`
	ReleaseDate string      `json:"release_date"`
	Show        SpotifyShow `json:"show"`
	ResumePoint struct {
		FullyPlayed      bool `json:"fully_played"`
		ResumePositionMS int  `json:"resume_position_ms"`
	} `json:"resume_point"`
}

// SpotifySavedEpisode wraps an episode with the time the user saved it.
type SpotifySavedEpisode struct {
	AddedAt string         `json:"added_at"`
	Episode SpotifyEpisode `json:"episode"`
}

// SpotifyPaginatedEpisodes is one page of GET /me/episodes.
type SpotifyPaginatedEpisodes struct {
	Items  []SpotifySavedEpisode `json:"items"`
	Next   string                `json:"next"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// toActivityItem normalizes one saved-episode payload. AddedAt stands in
// for the play time; Spotify does not expose a per-episode play history,
// so the saved timestamp is the closest signal available.
func toActivityItem(saved SpotifySavedEpisode) ActivityItem {
	item := ActivityItem{
		EpisodeID:         saved.Episode.ID,
		Name:              saved.Episode.Name,
		DurationMS:        saved.Episode.DurationMS,
		ReleaseDate:       saved.Episode.ReleaseDate,
		ProgressMS:        saved.Episode.ResumePoint.ResumePositionMS,
		FullyPlayed:       saved.Episode.ResumePoint.FullyPlayed,
		ShowID:            saved.Episode.Show.ID,
		ShowName:          saved.Episode.Show.Name,
		Publisher:         saved.Episode.Show.Publisher,
		ShowTotalEpisodes: saved.Episode.Show.TotalEpisodes,
	}

	if saved.AddedAt != "" {
		if at, err := time.Parse(time.RFC3339, saved.AddedAt); err == nil {
			item.PlayedAt = &at
		}
	}
	if item.FullyPlayed && item.ProgressMS == 0 {
		item.ProgressMS = item.DurationMS
	}

	return item
}
