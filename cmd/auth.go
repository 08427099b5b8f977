package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/formatter"
	"github.com/desertthunder/podsync/internal/server"
	"github.com/desertthunder/podsync/internal/shared"
)

// AuthLogin runs the OAuth2 + PKCE authorization flow for a user.
//
// Starts a temporary callback server, opens the consent page in the
// browser, and waits for the redirect to complete the exchange.
func (r *Runner) AuthLogin(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	authURL, err := a.flow.AuthorizationURL(userID)
	if err != nil {
		return err
	}

	if cmd.Bool("no-browser") {
		r.writePlain("Open this URL to authorize:\n%s\n", authURL)
	} else {
		r.logger.Info("opening browser for authorization", "user", userID)
		if err := shared.OpenBrowser(authURL); err != nil {
			r.logger.Warn("failed to open browser", "error", err)
			r.writePlain("Open this URL to authorize:\n%s\n", authURL)
		}
	}

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	r.logger.Info("waiting for authorization callback", "addr", addr)

	router := server.NewBasicRouter()
	router.Use(server.Logging(r.logger))

	conn, err := server.Listen(ctx, addr, server.NewOAuthHandler(a.flow), router)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	return r.writePlain("✓ Authorized %s as Spotify user %s\n", userID, conn.SpotifyUserID)
}

// AuthStatus shows connection health for a user.
func (r *Runner) AuthStatus(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user")

	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	status, err := a.engine.Status(userID)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(status, true)
	}

	return r.writePlain("%s", formatter.RenderStatus(userID, status))
}
