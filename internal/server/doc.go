// Package server provides HTTP routing and the OAuth callback listener.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally with method filtering.
//
// # OAuth Callback Handler
//
// OAuthHandler completes the authorization code flow. The callback request
// carries the code and state parameters; the handler passes them to the
// authorization flow, which validates the state, performs the PKCE
// exchange, and stores the encrypted connection.
//
// It only processes one callback to prevent replay attacks.
//
// # Current Usage
//
// When the user runs the auth login command, a temporary HTTP server
// starts on the configured host and port, handles the callback, and shuts
// down after the result is delivered.
package server
