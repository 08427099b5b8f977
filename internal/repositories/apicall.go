package repositories

import (
	"fmt"
	"time"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/shared"
)

// APICallRepository persists the audit log of remote API attempts.
//
// Every attempt is recorded, including retries and failures, so spend can be
// attributed after the fact and rate-limit behavior audited.
type APICallRepository struct {
	db DBTX
}

// NewAPICallRepository creates a new [APICallRepository] with the given database connection
func NewAPICallRepository(db DBTX) *APICallRepository {
	return &APICallRepository{db: db}
}

// Record inserts one attempt into the audit log.
func (r *APICallRepository) Record(call *models.APICall) error {
	if call.ID == "" {
		call.ID = shared.GenerateID()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO api_calls (id, endpoint, method, status_code, latency_ms, rate_limit_remaining, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query, call.ID, call.Endpoint, call.Method, call.StatusCode,
		call.LatencyMS, call.RateLimitRemaining, call.Cost, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record api call: %w", err)
	}

	return nil
}

// TotalCostSince sums recorded call cost from the given time onward.
func (r *APICallRepository) TotalCostSince(since time.Time) (float64, error) {
	var total float64
	err := r.db.QueryRow("SELECT COALESCE(SUM(cost), 0) FROM api_calls WHERE created_at >= ?", since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum api call cost: %w", err)
	}
	return total, nil
}

// CountSince returns the number of recorded attempts from the given time onward.
func (r *APICallRepository) CountSince(since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM api_calls WHERE created_at >= ?", since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count api calls: %w", err)
	}
	return count, nil
}
