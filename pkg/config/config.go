// Package config provides environment-based configuration for deploybot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the API server and watchdog worker.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Server configuration
	APIPort int
	APIHost string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Slack credentials
	Slack SlackConfig

	// GitHub credentials
	GitHub GitHubConfig

	// Watchdog configuration
	Watchdog WatchdogConfig

	// Worker configuration
	Worker WorkerConfig
}

// SlackConfig holds Slack API credentials.
type SlackConfig struct {
	// BotToken is the xoxb- token used for chat.postMessage.
	BotToken string
	// SigningSecret verifies slash command payloads.
	SigningSecret string
}

// GitHubConfig holds GitHub API credentials. Either a personal access
// token or a GitHub App (ID + private key + installation) may be used.
type GitHubConfig struct {
	Token          string
	AppID          int64
	PrivateKeyPEM  string
	InstallationID int64
	WebhookSecret  string
	// APITimeout bounds every call to the GitHub API.
	APITimeout time.Duration
}

// WatchdogConfig holds delays for the reconciliation tasks.
type WatchdogConfig struct {
	// LockNagDelay is how long a lock may be held before its owner is reminded.
	LockNagDelay time.Duration
	// AutoDeployDelay is how long a pending auto-deployment waits before re-evaluation.
	AutoDeployDelay time.Duration
	// DeploymentDelay is how long after dispatch the external deployment is re-checked.
	DeploymentDelay time.Duration
	// DeploymentStuckAfter is the age past which an unresolved deployment is reported stuck.
	DeploymentStuckAfter time.Duration
	// RetryBackoff is the reschedule delay when a watchdog cannot reach the external system.
	RetryBackoff time.Duration
}

// WorkerConfig holds watchdog worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrency int
	PollInterval   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/deploybot?sslmode=disable"),
		APIPort:         getIntEnv("API_PORT", 8080),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Slack: SlackConfig{
			BotToken:      getEnv("SLACK_BOT_TOKEN", ""),
			SigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
		},
		GitHub: GitHubConfig{
			Token:          getEnv("GITHUB_TOKEN", ""),
			AppID:          getInt64Env("GITHUB_APP_ID", 0),
			PrivateKeyPEM:  getEnv("GITHUB_APP_PRIVATE_KEY", ""),
			InstallationID: getInt64Env("GITHUB_INSTALLATION_ID", 0),
			WebhookSecret:  getEnv("GITHUB_WEBHOOK_SECRET", ""),
			APITimeout:     getDurationEnv("GITHUB_API_TIMEOUT", 10*time.Second),
		},
		Watchdog: WatchdogConfig{
			LockNagDelay:         getDurationEnv("WATCHDOG_LOCK_NAG_DELAY", 1*time.Hour),
			AutoDeployDelay:      getDurationEnv("WATCHDOG_AUTODEPLOY_DELAY", 15*time.Minute),
			DeploymentDelay:      getDurationEnv("WATCHDOG_DEPLOYMENT_DELAY", 1*time.Minute),
			DeploymentStuckAfter: getDurationEnv("WATCHDOG_DEPLOYMENT_STUCK_AFTER", 2*time.Minute),
			RetryBackoff:         getDurationEnv("WATCHDOG_RETRY_BACKOFF", 30*time.Second),
		},
		Worker: WorkerConfig{
			MaxConcurrency: getIntEnv("WORKER_MAX_CONCURRENCY", 4),
			PollInterval:   getDurationEnv("WORKER_POLL_INTERVAL", 1*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.GitHub.Token == "" && c.GitHub.AppID == 0 {
		return fmt.Errorf("GITHUB_TOKEN or GITHUB_APP_ID is required")
	}
	if c.GitHub.AppID != 0 && c.GitHub.PrivateKeyPEM == "" {
		return fmt.Errorf("GITHUB_APP_PRIVATE_KEY is required when GITHUB_APP_ID is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
