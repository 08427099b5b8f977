package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Vault       VaultConfig       `toml:"vault"`
	Database    DatabaseConfig    `toml:"database"`
	Budget      BudgetConfig      `toml:"budget"`
	Limits      LimitsConfig      `toml:"limits"`
	Sync        SyncConfig        `toml:"sync"`
	Server      ServerConfig      `toml:"server"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Spotify SpotifyConfig `toml:"spotify"`
}

// SpotifyConfig contains Spotify API credentials.
type SpotifyConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURI  string   `toml:"redirect_uri"`
	Scopes       []string `toml:"scopes"`
}

// VaultConfig contains token encryption settings.
//
// MasterKey is a base64-encoded key of at least 16 bytes. Rotating or losing
// it invalidates every stored connection (runbook item, not a code path).
type VaultConfig struct {
	MasterKey string `toml:"master_key"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// BudgetConfig contains spend limits and cost-oracle settings.
type BudgetConfig struct {
	OracleURL         string  `toml:"oracle_url"`
	DailyLimit        float64 `toml:"daily_limit"`
	WeeklyLimit       float64 `toml:"weekly_limit"`
	MonthlyLimit      float64 `toml:"monthly_limit"`
	EmergencyLimit    float64 `toml:"emergency_limit"`
	CacheTTLHours     int     `toml:"cache_ttl_hours"`
	OracleCallsPerDay int     `toml:"oracle_calls_per_day"`
}

// LimitsConfig contains rate limiter, circuit breaker, and retry tuning for
// the Spotify API client.
type LimitsConfig struct {
	CallsPerPeriod         int     `toml:"calls_per_period"`
	PeriodSeconds          int     `toml:"period_seconds"`
	FailureThreshold       int     `toml:"failure_threshold"`
	RecoveryTimeoutSeconds int     `toml:"recovery_timeout_seconds"`
	MaxRetries             int     `toml:"max_retries"`
	BackoffFactorSeconds   float64 `toml:"backoff_factor_seconds"`
}

// SyncConfig contains sync engine and scheduler settings.
type SyncConfig struct {
	IntervalHours         int     `toml:"interval_hours"`
	PageSize              int     `toml:"page_size"`
	MaxFailures           int     `toml:"max_failures"`
	InterUserDelaySeconds float64 `toml:"inter_user_delay_seconds"`
	UserTimeoutSeconds    int     `toml:"user_timeout_seconds"`
}

// ServerConfig contains HTTP server settings for the OAuth callback listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SyncInterval returns the configured sync interval as a [time.Duration].
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalHours) * time.Hour
}

// LimiterPeriod returns the rate limiter window as a [time.Duration].
func (c *Config) LimiterPeriod() time.Duration {
	return time.Duration(c.Limits.PeriodSeconds) * time.Second
}

// RecoveryTimeout returns the circuit breaker recovery timeout as a [time.Duration].
func (c *Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.Limits.RecoveryTimeoutSeconds) * time.Second
}

// Validate checks required fields for running the sync service.
func (c *Config) Validate() error {
	if c.Credentials.Spotify.ClientID == "" || c.Credentials.Spotify.ClientSecret == "" {
		return fmt.Errorf("%w: spotify client_id and client_secret are required", ErrMissingCredentials)
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("%w: vault master_key is required", ErrInvalidConfig)
	}
	return nil
}
