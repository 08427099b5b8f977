package models

import (
	"testing"
	"time"
)

func TestCompletionPercentage(t *testing.T) {
	t.Run("Partial", func(t *testing.T) {
		if got := CompletionPercentage(30000, 60000); got != 50 {
			t.Errorf("expected 50, got %v", got)
		}
	})

	t.Run("CappedAtHundred", func(t *testing.T) {
		if got := CompletionPercentage(90000, 60000); got != 100 {
			t.Errorf("expected 100, got %v", got)
		}
	})

	t.Run("ZeroDuration", func(t *testing.T) {
		if got := CompletionPercentage(30000, 0); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})

	t.Run("NegativeProgress", func(t *testing.T) {
		if got := CompletionPercentage(-5, 60000); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})
}

func TestConnection(t *testing.T) {
	t.Run("TokenExpired", func(t *testing.T) {
		conn := &Connection{TokenExpiresAt: time.Now().Add(30 * time.Second)}
		if !conn.TokenExpired(time.Minute) {
			t.Error("token expiring in 30s should be inside a 60s margin")
		}

		conn.TokenExpiresAt = time.Now().Add(time.Hour)
		if conn.TokenExpired(time.Minute) {
			t.Error("token expiring in 1h should be outside a 60s margin")
		}
	})

	t.Run("NeedsSync", func(t *testing.T) {
		conn := &Connection{}
		if !conn.NeedsSync(4 * time.Hour) {
			t.Error("connection with no prior sync should need sync")
		}

		recent := time.Now().Add(-time.Hour)
		conn.LastSyncAt = &recent
		if conn.NeedsSync(4 * time.Hour) {
			t.Error("connection synced 1h ago should not need a 4h sync")
		}

		old := time.Now().Add(-5 * time.Hour)
		conn.LastSyncAt = &old
		if !conn.NeedsSync(4 * time.Hour) {
			t.Error("connection synced 5h ago should need a 4h sync")
		}
	})

	t.Run("SyncSuppressed", func(t *testing.T) {
		conn := &Connection{SyncFailureCount: 4}
		if conn.SyncSuppressed(5) {
			t.Error("4 failures should not suppress at threshold 5")
		}

		conn.SyncFailureCount = 5
		if !conn.SyncSuppressed(5) {
			t.Error("5 failures should suppress at threshold 5")
		}
	})

	t.Run("Validate", func(t *testing.T) {
		conn := &Connection{}
		if err := conn.Validate(); err == nil {
			t.Error("expected validation error for empty connection")
		}

		conn.UserID = "u1"
		conn.AccessToken = "ciphertext"
		conn.RefreshToken = "ciphertext"
		if err := conn.Validate(); err != nil {
			t.Errorf("expected valid connection, got %v", err)
		}
	})
}
