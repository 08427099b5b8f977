package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/podsync/internal/budget"
	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/resilience"
	"github.com/desertthunder/podsync/internal/shared"
	"github.com/desertthunder/podsync/internal/vault"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// zeroOracle reports zero spend for every period.
type zeroOracle struct{}

func (zeroOracle) Spend(_ context.Context, _ budget.Period) (float64, error) { return 0, nil }
func (zeroOracle) SpendByCategory(_ context.Context, _ int) (map[string]float64, error) {
	return nil, nil
}

// downOracle always fails, which makes every reading unknown.
type downOracle struct{}

func (downOracle) Spend(_ context.Context, _ budget.Period) (float64, error) {
	return 0, errors.New("oracle down")
}
func (downOracle) SpendByCategory(_ context.Context, _ int) (map[string]float64, error) {
	return nil, errors.New("oracle down")
}

type noopAlerter struct{}

func (noopAlerter) Warn(string)     {}
func (noopAlerter) Escalate(string) {}

func testGate(oracle budget.Oracle) *budget.Gate {
	cached := budget.NewCachedOracle(oracle, time.Hour, 100, testLogger())
	limits := budget.Limits{Daily: 100, Weekly: 100, Monthly: 100, Emergency: 200}
	return budget.NewGate(cached, limits, noopAlerter{}, testLogger())
}

type testEnv struct {
	flow        *AuthFlow
	connections *repositories.ConnectionRepository
	audit       *repositories.APICallRepository
	vault       *vault.Vault
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}

	connections := repositories.NewConnectionRepository(db)
	cfg := shared.SpotifyConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://127.0.0.1:8888/callback",
		Scopes:       []string{"user-library-read"},
	}

	return &testEnv{
		flow:        NewAuthFlow(cfg, v, connections, testLogger()),
		connections: connections,
		audit:       repositories.NewAPICallRepository(db),
		vault:       v,
	}
}

// seedConnection stores an encrypted connection expiring at the given time.
func (e *testEnv) seedConnection(t *testing.T, userID string, expiresAt time.Time) *models.Connection {
	t.Helper()

	encAccess, err := e.vault.Encrypt("access-" + userID)
	if err != nil {
		t.Fatal(err)
	}
	encRefresh, err := e.vault.Encrypt("refresh-" + userID)
	if err != nil {
		t.Fatal(err)
	}

	conn := &models.Connection{
		UserID:         userID,
		SpotifyUserID:  "spotify-" + userID,
		AccessToken:    encAccess,
		RefreshToken:   encRefresh,
		TokenExpiresAt: expiresAt,
		Scopes:         "user-library-read",
	}
	if err := e.connections.Upsert(conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func newTestClient(env *testEnv, apiBase string, gate *budget.Gate, maxRetries int) *ProtectedClient {
	registry := resilience.NewRegistry(testLogger())
	return &ProtectedClient{
		flow:          env.flow,
		gate:          gate,
		limiter:       registry.Limiter(breakerName, 100, time.Second),
		breaker:       registry.Breaker(breakerName, 5, time.Minute),
		audit:         env.audit,
		logger:        testLogger(),
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		maxRetries:    maxRetries,
		backoffFactor: time.Millisecond,
		apiBase:       apiBase,
		sleep:         sleepCtx,
	}
}

func TestStateStore(t *testing.T) {
	t.Run("SingleUse", func(t *testing.T) {
		s := NewStateStore()
		s.Put("state-1", "u1", "verifier-1")

		userID, verifier, err := s.Consume("state-1")
		if err != nil {
			t.Fatalf("first consume failed: %v", err)
		}
		if userID != "u1" || verifier != "verifier-1" {
			t.Errorf("unexpected consume result: %s %s", userID, verifier)
		}

		if _, _, err := s.Consume("state-1"); !errors.Is(err, shared.ErrStateInvalid) {
			t.Errorf("second consume should fail with state invalid, got %v", err)
		}
	})

	t.Run("UnknownState", func(t *testing.T) {
		s := NewStateStore()
		if _, _, err := s.Consume("never-issued"); !errors.Is(err, shared.ErrStateInvalid) {
			t.Errorf("expected state invalid, got %v", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		s := NewStateStore()
		s.Put("state-1", "u1", "verifier-1")

		s.now = func() time.Time { return time.Now().Add(stateTTL + time.Minute) }
		if _, _, err := s.Consume("state-1"); !errors.Is(err, shared.ErrStateInvalid) {
			t.Errorf("expected expired state to be invalid, got %v", err)
		}
	})
}

func TestAuthFlow(t *testing.T) {
	t.Run("AuthorizationURL", func(t *testing.T) {
		env := newTestEnv(t)

		rawURL, err := env.flow.AuthorizationURL("u1")
		if err != nil {
			t.Fatalf("failed to build authorization url: %v", err)
		}
		for _, want := range []string{"code_challenge=", "code_challenge_method=S256", "state=", "client_id=client-id"} {
			if !strings.Contains(rawURL, want) {
				t.Errorf("authorization url missing %q: %s", want, rawURL)
			}
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		env := newTestEnv(t)
		if _, err := env.flow.AuthorizationURL(""); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected missing argument error, got %v", err)
		}
	})

	t.Run("EnsureValidSkipsRefreshInsideMargin", func(t *testing.T) {
		env := newTestEnv(t)

		var refreshes atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			refreshes.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()
		env.flow.oauth.Endpoint.TokenURL = server.URL + "/api/token"

		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))
		token, err := env.flow.EnsureValidToken(context.Background(), conn)
		if err != nil {
			t.Fatalf("expected valid token without refresh: %v", err)
		}
		if token != "access-u1" {
			t.Errorf("expected decrypted access token, got %q", token)
		}
		if refreshes.Load() != 0 {
			t.Errorf("expected no refresh calls, got %d", refreshes.Load())
		}
	})

	t.Run("RefreshesNearExpiry", func(t *testing.T) {
		env := newTestEnv(t)

		var refreshes atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			refreshes.Add(1)
			if err := r.ParseForm(); err != nil {
				t.Errorf("bad form: %v", err)
			}
			if got := r.FormValue("grant_type"); got != "refresh_token" {
				t.Errorf("expected refresh_token grant, got %q", got)
			}
			if got := r.FormValue("refresh_token"); got != "refresh-u1" {
				t.Errorf("expected decrypted refresh token, got %q", got)
			}
			if user, pass, ok := r.BasicAuth(); !ok || user != "client-id" || pass != "client-secret" {
				t.Error("expected basic auth with client credentials")
			}

			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "fresh-access",
				"expires_in":   3600,
				"scope":        "user-library-read",
			})
		}))
		defer server.Close()
		env.flow.oauth.Endpoint.TokenURL = server.URL + "/api/token"

		// Expires in 30s, inside the 60s margin.
		conn := env.seedConnection(t, "u1", time.Now().Add(30*time.Second))

		token, err := env.flow.EnsureValidToken(context.Background(), conn)
		if err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
		if token != "fresh-access" {
			t.Errorf("expected fresh access token, got %q", token)
		}
		if refreshes.Load() != 1 {
			t.Errorf("expected exactly one refresh, got %d", refreshes.Load())
		}

		// The response omitted refresh_token, so the old one persists.
		stored, err := env.connections.GetByUserID("u1")
		if err != nil {
			t.Fatal(err)
		}
		plainRefresh, err := env.vault.Decrypt(stored.RefreshToken)
		if err != nil {
			t.Fatal(err)
		}
		if plainRefresh != "refresh-u1" {
			t.Errorf("expected original refresh token kept, got %q", plainRefresh)
		}
		plainAccess, _ := env.vault.Decrypt(stored.AccessToken)
		if plainAccess != "fresh-access" {
			t.Errorf("expected new access token stored, got %q", plainAccess)
		}
	})

	t.Run("RefreshFailureWrapsSentinel", func(t *testing.T) {
		env := newTestEnv(t)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		}))
		defer server.Close()
		env.flow.oauth.Endpoint.TokenURL = server.URL + "/api/token"

		conn := env.seedConnection(t, "u1", time.Now().Add(-time.Minute))
		if _, err := env.flow.EnsureValidToken(context.Background(), conn); !errors.Is(err, shared.ErrAuthRefresh) {
			t.Errorf("expected auth refresh sentinel, got %v", err)
		}
	})
}

func TestProtectedClient(t *testing.T) {
	ctx := context.Background()

	activityPage := func(episodes ...string) SpotifyPaginatedEpisodes {
		var page SpotifyPaginatedEpisodes
		for _, id := range episodes {
			var saved SpotifySavedEpisode
			saved.AddedAt = "2026-08-30T10:00:00Z"
			saved.Episode.ID = id
			saved.Episode.Name = "Episode " + id
			saved.Episode.DurationMS = 60000
			saved.Episode.Show.ID = "show-1"
			saved.Episode.Show.Name = "Radiolab"
			page.Items = append(page.Items, saved)
		}
		return page
	}

	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer access-u1" {
				t.Errorf("expected bearer token, got %q", got)
			}
			json.NewEncoder(w).Encode(activityPage("ep-1", "ep-2"))
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 3)
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		items, err := client.RecentActivity(ctx, conn, 50)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if items[0].EpisodeID != "ep-1" || items[0].PlayedAt == nil {
			t.Errorf("unexpected first item: %+v", items[0])
		}

		count, err := env.audit.CountSince(time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("expected 1 audited call, got %d", count)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		env := newTestEnv(t)

		var server *httptest.Server
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("offset") == "" {
				page := activityPage("ep-1")
				page.Next = server.URL + "/v1/me/episodes?offset=1&limit=1"
				json.NewEncoder(w).Encode(page)
				return
			}
			json.NewEncoder(w).Encode(activityPage("ep-2"))
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 3)
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		items, err := client.RecentActivity(ctx, conn, 1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if len(items) != 2 || items[1].EpisodeID != "ep-2" {
			t.Errorf("expected both pages, got %+v", items)
		}
	})

	t.Run("UnauthorizedRefreshesOnce", func(t *testing.T) {
		env := newTestEnv(t)

		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-access", "expires_in": 3600})
		}))
		defer tokenServer.Close()
		env.flow.oauth.Endpoint.TokenURL = tokenServer.URL + "/api/token"

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-access" {
				t.Errorf("retry should carry the refreshed token, got %q", got)
			}
			json.NewEncoder(w).Encode(activityPage("ep-1"))
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 3)
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		items, err := client.RecentActivity(ctx, conn, 50)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if len(items) != 1 {
			t.Errorf("expected 1 item, got %d", len(items))
		}
		if hits.Load() != 2 {
			t.Errorf("expected exactly 2 API hits, got %d", hits.Load())
		}
	})

	t.Run("RateLimitedHonorsRetryAfter", func(t *testing.T) {
		env := newTestEnv(t)

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(activityPage("ep-1"))
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 3)
		var slept []time.Duration
		client.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		if _, err := client.RecentActivity(ctx, conn, 50); err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if len(slept) != 1 || slept[0] != 7*time.Second {
			t.Errorf("expected one 7s sleep from Retry-After, got %v", slept)
		}
	})

	t.Run("ClientErrorDoesNotRetry", func(t *testing.T) {
		env := newTestEnv(t)

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 3)
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		_, err := client.RecentActivity(ctx, conn, 50)
		if err == nil {
			t.Fatal("expected error for 404")
		}
		if hits.Load() != 1 {
			t.Errorf("404 must not retry, got %d hits", hits.Load())
		}
		if client.breaker.State() != "closed" {
			t.Errorf("404 must not trip the breaker, state=%q", client.breaker.State())
		}
	})

	t.Run("ServerErrorsRetryThenExhaust", func(t *testing.T) {
		env := newTestEnv(t)

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 2)
		client.sleep = func(context.Context, time.Duration) error { return nil }
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		_, err := client.RecentActivity(ctx, conn, 50)
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Fatalf("expected service unavailable after retries, got %v", err)
		}
		if hits.Load() != 3 {
			t.Errorf("expected initial attempt plus 2 retries, got %d hits", hits.Load())
		}
	})

	t.Run("BudgetDenialSkipsNetwork", func(t *testing.T) {
		env := newTestEnv(t)

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(downOracle{}), 3)
		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))

		_, err := client.RecentActivity(ctx, conn, 50)
		if !errors.Is(err, shared.ErrBudgetExceeded) {
			t.Fatalf("expected budget exceeded, got %v", err)
		}
		if hits.Load() != 0 {
			t.Errorf("budget denial must not reach the network, got %d hits", hits.Load())
		}
	})

	t.Run("OpenBreakerFailsFast", func(t *testing.T) {
		env := newTestEnv(t)

		var hits atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := newTestClient(env, server.URL, testGate(zeroOracle{}), 0)
		client.sleep = func(context.Context, time.Duration) error { return nil }
		// Trip the shared breaker with direct failures.
		for i := 0; i < 5; i++ {
			client.breaker.Execute(func() error { return errors.New("boom") })
		}

		conn := env.seedConnection(t, "u1", time.Now().Add(time.Hour))
		_, err := client.RecentActivity(ctx, conn, 50)
		if !errors.Is(err, shared.ErrCircuitOpen) {
			t.Fatalf("expected circuit open, got %v", err)
		}
		if hits.Load() != 0 {
			t.Errorf("open breaker must not reach the network, got %d hits", hits.Load())
		}
	})
}

func TestActivityItemValidate(t *testing.T) {
	valid := ActivityItem{EpisodeID: "ep-1", Name: "Episode", ShowID: "show-1"}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid item, got %v", err)
	}

	cases := []struct {
		name string
		item ActivityItem
	}{
		{"MissingEpisodeID", ActivityItem{Name: "Episode", ShowID: "show-1"}},
		{"MissingShowID", ActivityItem{EpisodeID: "ep-1", Name: "Episode"}},
		{"MissingName", ActivityItem{EpisodeID: "ep-1", ShowID: "show-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.item.Validate(); !errors.Is(err, shared.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
