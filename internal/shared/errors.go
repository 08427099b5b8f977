package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Token lifecycle errors
	ErrAuthExchange   = fmt.Errorf("authorization code exchange failed")
	ErrAuthRefresh    = fmt.Errorf("token refresh failed")
	ErrNoRefreshToken = fmt.Errorf("no refresh token available")
	ErrStateInvalid   = fmt.Errorf("invalid, expired, or already used authorization state")

	// Protection errors: the call was refused before any network attempt
	ErrCircuitOpen    = fmt.Errorf("circuit open")
	ErrBudgetExceeded = fmt.Errorf("budget exceeded")

	// API and service errors
	ErrRateLimited        = fmt.Errorf("rate limit exceeded")
	ErrTransientNetwork   = fmt.Errorf("transient network failure")
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")

	// Sync errors
	ErrNoConnection   = fmt.Errorf("no connection for user")
	ErrSyncSuppressed = fmt.Errorf("sync suppressed after repeated failures")
	ErrValidation     = fmt.Errorf("malformed activity item")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
)
