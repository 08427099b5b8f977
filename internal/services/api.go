package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/podsync/internal/budget"
	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/resilience"
	"github.com/desertthunder/podsync/internal/shared"
)

// callCost is the estimated spend per API call, checked against the
// budget gate before any request leaves the process.
const callCost = 0.001

// breakerName is the endpoint group all Spotify API calls share.
const breakerName = "spotify"

// ProtectedClient is the only path to the Spotify API. Every request
// passes, in order, through token validation, the budget gate, the rate
// limiter, and the circuit breaker before it touches the network.
//
// A denial from the gate or an open breaker fails fast with zero network
// traffic. Every attempt that does go out, including retries, lands in
// the api_calls audit log.
type ProtectedClient struct {
	flow    *AuthFlow
	gate    *budget.Gate
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	audit   *repositories.APICallRepository
	logger  *log.Logger

	httpClient    *http.Client
	maxRetries    int
	backoffFactor time.Duration
	apiBase       string

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProtectedClient assembles the client from its protective layers.
// The limiter and breaker come from the registry so every client for the
// same endpoint group shares them.
func NewProtectedClient(flow *AuthFlow, gate *budget.Gate, registry *resilience.Registry,
	audit *repositories.APICallRepository, cfg shared.LimitsConfig, period, recovery time.Duration,
	logger *log.Logger) *ProtectedClient {

	return &ProtectedClient{
		flow:          flow,
		gate:          gate,
		limiter:       registry.Limiter(breakerName, cfg.CallsPerPeriod, period),
		breaker:       registry.Breaker(breakerName, cfg.FailureThreshold, recovery),
		audit:         audit,
		logger:        logger,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		maxRetries:    cfg.MaxRetries,
		backoffFactor: time.Duration(cfg.BackoffFactorSeconds * float64(time.Second)),
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecentActivity pages through the user's saved episodes and returns
// them normalized, newest first, up to pageSize items per request.
func (c *ProtectedClient) RecentActivity(ctx context.Context, conn *models.Connection, pageSize int) ([]ActivityItem, error) {
	var items []ActivityItem

	path := fmt.Sprintf("/me/episodes?limit=%d", pageSize)
	for path != "" {
		body, err := c.do(ctx, conn, http.MethodGet, path)
		if err != nil {
			return nil, err
		}

		var page SpotifyPaginatedEpisodes
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode activity page: %w", err)
		}

		for _, saved := range page.Items {
			items = append(items, toActivityItem(saved))
		}

		path = relativePath(page.Next)
	}

	return items, nil
}

// relativePath strips the API host from a pagination URL so the next
// request goes through the same base as the first.
func relativePath(next string) string {
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/v1")
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// do runs one protected request and returns the response body.
func (c *ProtectedClient) do(ctx context.Context, conn *models.Connection, method, path string) ([]byte, error) {
	token, err := c.flow.EnsureValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	decision := c.gate.CheckAndRecord(ctx, method+" "+path, callCost)
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", shared.ErrBudgetExceeded, decision.Reason)
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var (
		body      []byte
		refreshed bool
	)

	for attempt := 0; ; attempt++ {
		err := c.breaker.Execute(func() error {
			var attemptErr error
			body, attemptErr = c.attempt(ctx, method, path, token)
			return attemptErr
		})
		if err == nil {
			return body, nil
		}

		if errors.Is(err, shared.ErrCircuitOpen) {
			return nil, err
		}

		// A 401 means the remote rejected a token the local clock still
		// trusted. One forced refresh, then one more try.
		var apiErr *apiStatusError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusUnauthorized && !refreshed {
			refreshed = true
			token, err = c.flow.ForceRefresh(ctx, conn)
			if err != nil {
				return nil, err
			}
			continue
		}

		if errors.As(err, &apiErr) && apiErr.status == http.StatusTooManyRequests {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: retries exhausted: %v", shared.ErrRateLimited, err)
			}
			if sleepErr := c.sleep(ctx, apiErr.retryAfter); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if isRetryable(err) {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: retries exhausted: %v", shared.ErrServiceUnavailable, err)
			}
			backoff := time.Duration(float64(c.backoffFactor) * math.Pow(2, float64(attempt)))
			c.logger.Debug("retrying after transient failure", "path", path, "attempt", attempt+1, "backoff", backoff)
			if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		return nil, err
	}
}

// apiStatusError is a non-2xx response from the remote API.
type apiStatusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var apiErr *apiStatusError
	if errors.As(err, &apiErr) {
		return apiErr.status >= 500
	}
	return errors.Is(err, shared.ErrTransientNetwork)
}

// attempt performs exactly one HTTP exchange and records it in the audit
// log. Failures come back classified: 4xx (other than 429) wrapped as
// permanent so they never trip the breaker, 5xx and network errors left
// countable.
func (c *ProtectedClient) attempt(ctx context.Context, method, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)

	call := &models.APICall{
		Endpoint:  path,
		Method:    method,
		LatencyMS: latency.Milliseconds(),
	}

	if err != nil {
		c.record(call)
		return nil, fmt.Errorf("%w: %v", shared.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	call.StatusCode = resp.StatusCode
	call.RateLimitRemaining = resp.Header.Get("X-RateLimit-Remaining")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		call.Cost = callCost
		c.record(call)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", shared.ErrTransientNetwork, err)
		}
		return body, nil
	}

	c.record(call)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &apiStatusError{status: resp.StatusCode, body: string(raw)}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		statusErr.retryAfter = retryAfter(resp)
		// Rate limiting says nothing about service health.
		return nil, resilience.Permanent(statusErr)
	case resp.StatusCode >= 500:
		return nil, statusErr
	default:
		return nil, resilience.Permanent(statusErr)
	}
}

// retryAfter reads the Retry-After header, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func (c *ProtectedClient) record(call *models.APICall) {
	if err := c.audit.Record(call); err != nil {
		c.logger.Warn("failed to record api call", "endpoint", call.Endpoint, "error", err)
	}
}

func (c *ProtectedClient) baseURL() string {
	if c.apiBase != "" {
		return c.apiBase
	}
	return spotifyBaseURL
}
