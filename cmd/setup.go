package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/shared"
	"github.com/desertthunder/podsync/internal/vault"
)

// Setup initializes the config file and database.
//
// With --generate-key it prints a fresh vault master key and exits, so
// first-run setup is: generate a key, paste it into config.toml, rerun
// setup.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("generate-key") {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		return r.writePlain("%s\n", key)
	}

	configPath := cmd.String("config")

	var config *shared.Config
	if _, err := os.Stat(configPath); err == nil {
		if config, err = shared.LoadConfig(configPath); err != nil {
			r.logger.Warn("failed to load config, using defaults", "error", err)
			config = shared.DefaultConfig()
		}
	} else {
		r.logger.Info("config file not found, creating from template", "path", configPath)
		if err := shared.CreateConfigFile(configPath); err != nil {
			r.logger.Warn("failed to create config file, using defaults", "error", err)
			config = shared.DefaultConfig()
		} else {
			r.logger.Info("config file created", "path", configPath)
			if config, err = shared.LoadConfig(configPath); err != nil {
				r.logger.Warn("failed to load created config, using defaults", "error", err)
				config = shared.DefaultConfig()
			}
		}
	}

	r.logger.Info("initializing database", "path", config.Database.Path)

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	r.logger.Info("running database migrations")
	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	r.logger.Infof("setup complete for database: %v", config.Database.Path)

	if config.Vault.MasterKey == "" {
		r.writePlain("No vault master key configured. Generate one with:\n  podsync setup --generate-key\n")
	}

	return nil
}
