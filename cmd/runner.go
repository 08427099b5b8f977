package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/budget"
	"github.com/desertthunder/podsync/internal/repositories"
	"github.com/desertthunder/podsync/internal/resilience"
	"github.com/desertthunder/podsync/internal/services"
	"github.com/desertthunder/podsync/internal/shared"
	"github.com/desertthunder/podsync/internal/tasks"
	"github.com/desertthunder/podsync/internal/vault"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config *shared.Config
	logger *log.Logger
	output io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	Logger *log.Logger
	Output io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config: opts.Config,
		logger: opts.Logger,
		output: opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, syncCommand, budgetCommand, dbCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// app is the fully wired object graph behind every command that touches
// storage or the remote API.
type app struct {
	config      *shared.Config
	db          *sql.DB
	vault       *vault.Vault
	connections *repositories.ConnectionRepository
	shows       *repositories.ShowRepository
	episodes    *repositories.EpisodeRepository
	apiCalls    *repositories.APICallRepository
	registry    *resilience.Registry
	oracle      *budget.CachedOracle
	gate        *budget.Gate
	flow        *services.AuthFlow
	client      *services.ProtectedClient
	engine      *tasks.Engine
}

// loadConfig reads the config file at path, falling back to embedded
// defaults when it does not exist.
func (r *Runner) loadConfig(path string) *shared.Config {
	if _, err := os.Stat(path); err == nil {
		if config, err := shared.LoadConfig(path); err == nil {
			return config
		} else {
			r.logger.Warn("failed to load config, using defaults", "error", err)
		}
	}
	return shared.DefaultConfig()
}

// bootstrap builds the full application graph from the config file at
// path. The returned closer releases the database handle.
func (r *Runner) bootstrap(path string) (*app, func(), error) {
	config := r.loadConfig(path)
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	v, err := vault.New(config.Vault.MasterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open vault: %w", err)
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	connections := repositories.NewConnectionRepository(db)
	shows := repositories.NewShowRepository(db)
	episodes := repositories.NewEpisodeRepository(db)
	apiCalls := repositories.NewAPICallRepository(db)

	registry := resilience.NewRegistry(r.logger)

	oracle := budget.NewCachedOracle(
		budget.NewHTTPOracle(config.Budget.OracleURL),
		time.Duration(config.Budget.CacheTTLHours)*time.Hour,
		config.Budget.OracleCallsPerDay,
		r.logger,
	)
	gate := budget.NewGate(oracle, budget.Limits{
		Daily:     config.Budget.DailyLimit,
		Weekly:    config.Budget.WeeklyLimit,
		Monthly:   config.Budget.MonthlyLimit,
		Emergency: config.Budget.EmergencyLimit,
	}, &consoleAlerter{logger: r.logger}, r.logger)

	flow := services.NewAuthFlow(config.Credentials.Spotify, v, connections, r.logger)
	client := services.NewProtectedClient(flow, gate, registry, apiCalls,
		config.Limits, config.LimiterPeriod(), config.RecoveryTimeout(), r.logger)
	engine := tasks.NewEngine(db, client, connections, shows, episodes, config.Sync, r.logger)

	a := &app{
		config:      config,
		db:          db,
		vault:       v,
		connections: connections,
		shows:       shows,
		episodes:    episodes,
		apiCalls:    apiCalls,
		registry:    registry,
		oracle:      oracle,
		gate:        gate,
		flow:        flow,
		client:      client,
		engine:      engine,
	}

	return a, func() { db.Close() }, nil
}

// consoleAlerter routes budget alerts to the structured logger.
type consoleAlerter struct {
	logger *log.Logger
}

func (a *consoleAlerter) Warn(message string)     { a.logger.Warn(message) }
func (a *consoleAlerter) Escalate(message string) { a.logger.Error(message) }

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
