// Package budget gates outbound API calls on real spend. A spend oracle
// reports what the account has actually been billed; the gate compares
// oracle readings plus locally recorded spend against configured limits
// before any call is allowed to leave the process.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Period selects the window an oracle reading covers.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Confidence describes how trustworthy a reading is.
type Confidence int

const (
	// ConfidenceUnknown means no reading could be obtained at all.
	ConfidenceUnknown Confidence = iota
	// ConfidenceStale means the reading came from an expired cache entry.
	ConfidenceStale
	// ConfidenceFresh means the reading is within its cache TTL.
	ConfidenceFresh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceFresh:
		return "fresh"
	case ConfidenceStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Reading is one spend figure with its provenance attached.
type Reading struct {
	Period     Period
	Amount     float64
	Confidence Confidence
	Age        time.Duration
}

// Oracle reports actual account spend for a period.
type Oracle interface {
	Spend(ctx context.Context, period Period) (float64, error)
	SpendByCategory(ctx context.Context, days int) (map[string]float64, error)
}

// HTTPOracle queries a spend-reporting endpoint over HTTP.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an oracle client for the given base URL.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type spendResponse struct {
	Amount float64 `json:"amount"`
}

// Spend fetches the spend figure for one period.
func (o *HTTPOracle) Spend(ctx context.Context, period Period) (float64, error) {
	endpoint := fmt.Sprintf("%s/spend?period=%s", o.baseURL, url.QueryEscape(string(period)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build oracle request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, string(body))
	}

	var sr spendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	return sr.Amount, nil
}

// SpendByCategory fetches per-category spend over the trailing number of days.
func (o *HTTPOracle) SpendByCategory(ctx context.Context, days int) (map[string]float64, error) {
	endpoint := fmt.Sprintf("%s/spend/categories?days=%d", o.baseURL, days)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build oracle request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %d", resp.StatusCode)
	}

	var categories map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&categories); err != nil {
		return nil, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	return categories, nil
}

type cacheEntry struct {
	amount    float64
	fetchedAt time.Time
}

// CachedOracle wraps an [Oracle] with a TTL cache and a daily cap on how
// many times the underlying oracle may be called. When the oracle is
// unreachable or the cap is spent, stale cache entries are served with
// their confidence downgraded; with no cache at all the reading comes
// back as unknown.
type CachedOracle struct {
	mu        sync.Mutex
	oracle    Oracle
	cache     map[Period]cacheEntry
	ttl       time.Duration
	dailyCap  int
	callCount int
	callDay   time.Time
	logger    *log.Logger

	now func() time.Time
}

// NewCachedOracle wraps oracle with the given cache TTL and a daily cap
// on upstream calls.
func NewCachedOracle(oracle Oracle, ttl time.Duration, dailyCap int, logger *log.Logger) *CachedOracle {
	return &CachedOracle{
		oracle:   oracle,
		cache:    make(map[Period]cacheEntry),
		ttl:      ttl,
		dailyCap: dailyCap,
		logger:   logger,
		now:      time.Now,
	}
}

// Read returns the best available reading for the period, degrading from
// fresh cache to a live oracle call to stale cache to unknown.
func (c *CachedOracle) Read(ctx context.Context, period Period) Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, cached := c.cache[period]

	if cached && now.Sub(entry.fetchedAt) < c.ttl {
		return Reading{Period: period, Amount: entry.amount, Confidence: ConfidenceFresh, Age: now.Sub(entry.fetchedAt)}
	}

	if c.tryConsumeCall(now) {
		amount, err := c.oracle.Spend(ctx, period)
		if err == nil {
			c.cache[period] = cacheEntry{amount: amount, fetchedAt: now}
			return Reading{Period: period, Amount: amount, Confidence: ConfidenceFresh}
		}
		c.logger.Warn("spend oracle unavailable", "period", period, "error", err)
	}

	if cached {
		return Reading{Period: period, Amount: entry.amount, Confidence: ConfidenceStale, Age: now.Sub(entry.fetchedAt)}
	}

	return Reading{Period: period, Confidence: ConfidenceUnknown}
}

// SpendByCategory reports per-category spend over the trailing days.
// Counts against the daily call cap; category breakdowns are reporting
// detail, never cached for gating.
func (c *CachedOracle) SpendByCategory(ctx context.Context, days int) (map[string]float64, error) {
	c.mu.Lock()
	ok := c.tryConsumeCall(c.now())
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("daily oracle call cap of %d reached", c.dailyCap)
	}

	return c.oracle.SpendByCategory(ctx, days)
}

// CallsRemaining reports how many oracle calls are left for today.
func (c *CachedOracle) CallsRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !sameDay(c.callDay, c.now()) {
		return c.dailyCap
	}
	return c.dailyCap - c.callCount
}

// tryConsumeCall claims one oracle call against the daily cap. Caller
// holds mu.
func (c *CachedOracle) tryConsumeCall(now time.Time) bool {
	if !sameDay(c.callDay, now) {
		c.callDay = now
		c.callCount = 0
	}
	if c.callCount >= c.dailyCap {
		return false
	}
	c.callCount++
	return true
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
