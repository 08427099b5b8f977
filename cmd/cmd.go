// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "Local user ID",
		Required: true,
	}
}

// setupCommand initializes configuration, the encryption key, and the database
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Initialize config file, database, and migrations",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "generate-key",
				Usage: "Print a fresh vault master key and exit",
			},
		},
		Action: r.Setup,
	}
}

// authCommand handles Spotify account authorization
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Spotify account authorization",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Authorize a user with Spotify using OAuth2 + PKCE",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					&cli.BoolFlag{
						Name:  "no-browser",
						Usage: "Print the authorization URL instead of opening a browser",
					},
				},
				Action: r.AuthLogin,
			},
			{
				Name:  "status",
				Usage: "Show connection health for a user",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.AuthStatus,
			},
		},
	}
}

// syncCommand handles listening-activity sync operations
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Listening activity sync",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Sync one user's recent listening activity now",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.SyncRun,
			},
			{
				Name:  "all",
				Usage: "Sync every connection that is due",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.SyncAll,
			},
			{
				Name:  "export",
				Usage: "Export a user's listening history",
				Flags: []cli.Flag{
					configFlag(),
					userFlag(),
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format: csv, markdown, or text",
						Value: "csv",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (stdout when omitted)",
					},
				},
				Action: r.SyncExport,
			},
		},
	}
}

// budgetCommand reports spend against configured limits
func budgetCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "budget",
		Usage: "API spend budget",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show oracle readings, local spend, and remaining oracle calls",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
					&cli.BoolFlag{
						Name:  "categories",
						Usage: "Show per-category spend instead of period readings",
					},
					&cli.IntFlag{
						Name:  "days",
						Usage: "Trailing days for the category report",
						Value: 30,
					},
				},
				Action: r.BudgetStatus,
			},
		},
	}
}

// dbCommand handles schema migrations
func dbCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database migrations",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending migrations",
				Flags:  []cli.Flag{configFlag()},
				Action: r.DBMigrate,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recent migration",
				Flags:  []cli.Flag{configFlag()},
				Action: r.DBRollback,
			},
		},
	}
}

// serveCommand runs the background sync scheduler
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the background sync scheduler until interrupted",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Serve,
	}
}
