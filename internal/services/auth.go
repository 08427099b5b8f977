package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/podsync/internal/models"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/shared"
	"github.com/desertthunder/podsync/internal/vault"
)

// stateTTL is how long a pending authorization may sit before its state
// parameter expires.
const stateTTL = 10 * time.Minute

// refreshMargin is how far before actual expiry a token counts as
// expired, covering clock skew and in-flight request time.
const refreshMargin = 60 * time.Second

// AuthError carries the status and response body of a failed token
// endpoint call, wrapping the matching sentinel.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
	sentinel   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error { return e.sentinel }

// pendingState holds one outstanding authorization attempt.
type pendingState struct {
	userID    string
	verifier  string
	createdAt time.Time
}

// StateStore tracks CSRF state parameters for in-flight authorizations.
// Each state is single use and expires after [stateTTL].
type StateStore struct {
	mu      sync.Mutex
	pending map[string]pendingState

	now func() time.Time
}

// NewStateStore creates an empty [StateStore].
func NewStateStore() *StateStore {
	return &StateStore{
		pending: make(map[string]pendingState),
		now:     time.Now,
	}
}

// Put registers a new state with its PKCE verifier and owning user.
func (s *StateStore) Put(state, userID, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[state] = pendingState{userID: userID, verifier: verifier, createdAt: s.now()}
}

// Consume validates and removes the state, returning the user and
// verifier it was registered with. A state can be consumed exactly once.
func (s *StateStore) Consume(state string) (userID, verifier string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return "", "", shared.ErrStateInvalid
	}
	delete(s.pending, state)

	if s.now().Sub(p.createdAt) > stateTTL {
		return "", "", fmt.Errorf("%w: state expired", shared.ErrStateInvalid)
	}

	return p.userID, p.verifier, nil
}

// AuthFlow drives the OAuth authorization code flow with PKCE and the
// token refresh lifecycle. Tokens are sealed through the vault before
// they reach the connection repository.
type AuthFlow struct {
	oauth       *oauth2.Config
	vault       *vault.Vault
	connections *repositories.ConnectionRepository
	states      *StateStore
	httpClient  *http.Client
	logger      *log.Logger

	// apiBase overrides the API host in tests; empty in production.
	apiBase string

	// group collapses concurrent refreshes for the same connection into
	// one token endpoint call.
	group singleflight.Group
}

// NewAuthFlow wires the authorization flow from configuration.
func NewAuthFlow(cfg shared.SpotifyConfig, v *vault.Vault, connections *repositories.ConnectionRepository, logger *log.Logger) *AuthFlow {
	return &AuthFlow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyAuthURL,
				TokenURL: spotifyTokenURL,
			},
		},
		vault:       v,
		connections: connections,
		states:      NewStateStore(),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// AuthorizationURL builds the consent URL for a user, registering the
// state and PKCE verifier for the eventual callback.
func (f *AuthFlow) AuthorizationURL(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id", shared.ErrMissingArgument)
	}

	state := shared.GenerateID()
	verifier := oauth2.GenerateVerifier()
	f.states.Put(state, userID, verifier)

	return f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// CompleteAuthorization exchanges the callback code for tokens, fetches
// the Spotify profile, and stores the encrypted connection. Returns the
// stored connection on success.
func (f *AuthFlow) CompleteAuthorization(ctx context.Context, code, state string) (*models.Connection, error) {
	userID, verifier, err := f.states.Consume(state)
	if err != nil {
		return nil, err
	}

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAuthExchange, err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: exchange response had no refresh token", shared.ErrAuthExchange)
	}

	profile, err := f.fetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	conn, err := f.sealConnection(userID, profile.ID, models.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Scope:        strings.Join(f.oauth.Scopes, " "),
	})
	if err != nil {
		return nil, err
	}

	if err := f.connections.Upsert(conn); err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}

	f.logger.Info("authorization complete", "user", userID, "spotify_user", profile.ID)
	return conn, nil
}

// EnsureValidToken returns a plaintext access token for the connection,
// refreshing first when the stored token is inside the expiry margin.
// Concurrent callers for the same connection share one refresh.
func (f *AuthFlow) EnsureValidToken(ctx context.Context, conn *models.Connection) (string, error) {
	if !conn.TokenExpired(refreshMargin) {
		return f.vault.Decrypt(conn.AccessToken)
	}
	return f.refresh(ctx, conn)
}

// ForceRefresh refreshes the token regardless of its recorded expiry.
// Used when the remote rejects a token the local clock still trusts.
func (f *AuthFlow) ForceRefresh(ctx context.Context, conn *models.Connection) (string, error) {
	return f.refresh(ctx, conn)
}

func (f *AuthFlow) refresh(ctx context.Context, conn *models.Connection) (string, error) {
	result, err, _ := f.group.Do(conn.ID, func() (any, error) {
		return f.doRefresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// doRefresh calls the token endpoint directly with the refresh grant.
// oauth2.TokenSource is not used here because the refreshed token set
// must round-trip through the vault and repository, and Spotify may omit
// the refresh token from the response, in which case the old one stays.
func (f *AuthFlow) doRefresh(ctx context.Context, conn *models.Connection) (string, error) {
	refreshToken, err := f.vault.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", shared.ErrNoRefreshToken
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(f.oauth.ClientID, f.oauth.ClientSecret)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrAuthRefresh, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{Op: "token refresh", StatusCode: resp.StatusCode, Body: string(body), sentinel: shared.ErrAuthRefresh}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", shared.ErrAuthRefresh, err)
	}

	// Spotify usually omits refresh_token on refresh; keep the old one.
	if payload.RefreshToken == "" {
		payload.RefreshToken = refreshToken
	}

	updated, err := f.sealConnection(conn.UserID, conn.SpotifyUserID, models.TokenSet{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scope:        payload.Scope,
	})
	if err != nil {
		return "", err
	}
	updated.ID = conn.ID

	if err := f.connections.UpdateTokens(updated); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	conn.AccessToken = updated.AccessToken
	conn.RefreshToken = updated.RefreshToken
	conn.TokenExpiresAt = updated.TokenExpiresAt

	f.logger.Debug("token refreshed", "user", conn.UserID,
		"token", shared.Mask(payload.AccessToken), "expires_at", updated.TokenExpiresAt)
	return payload.AccessToken, nil
}

// sealConnection encrypts a token set into a connection row.
func (f *AuthFlow) sealConnection(userID, spotifyUserID string, tokens models.TokenSet) (*models.Connection, error) {
	encAccess, err := f.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := f.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return &models.Connection{
		UserID:         userID,
		SpotifyUserID:  spotifyUserID,
		AccessToken:    encAccess,
		RefreshToken:   encRefresh,
		TokenExpiresAt: tokens.ExpiresAt,
		Scopes:         tokens.Scope,
	}, nil
}

// fetchProfile retrieves the authorizing user's Spotify profile.
func (f *AuthFlow) fetchProfile(ctx context.Context, accessToken string) (*SpotifyUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL()+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: profile fetch: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: profile fetch returned %d: %s", shared.ErrAPIRequest, resp.StatusCode, string(body))
	}

	var user SpotifyUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	return &user, nil
}

func (f *AuthFlow) baseURL() string {
	if f.apiBase != "" {
		return f.apiBase
	}
	return spotifyBaseURL
}
