// Package deployconfig fetches and parses a repository's .deploybot.yml,
// which declares per-environment auto-deploy rules.
package deployconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/deploybot/internal/integrations/github"
	"github.com/narvanalabs/deploybot/internal/models"
)

// ConfigPath is where the deployment config lives inside a repository.
const ConfigPath = ".deploybot.yml"

// Config is the parsed per-repository deployment configuration.
type Config struct {
	Environments map[string]EnvironmentConfig `yaml:"environments"`
}

// EnvironmentConfig declares one environment's rules.
type EnvironmentConfig struct {
	// AutoDeployRef enables continuous delivery of the named ref.
	AutoDeployRef string `yaml:"auto_deploy_ref"`
	// RequiredContexts overrides branch protection's required checks.
	RequiredContexts []string `yaml:"required_contexts"`
	// DefaultRef is deployed when a request names no ref.
	DefaultRef string `yaml:"default_ref"`
}

// FileFetcher retrieves a file from a repository.
type FileFetcher interface {
	FileContent(ctx context.Context, repo models.Repository, path, ref string) ([]byte, error)
}

// Fetcher loads repository configs with a small TTL cache so webhook
// bursts do not hammer the contents API.
type Fetcher struct {
	files  FileFetcher
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[models.Repository]cacheEntry
}

type cacheEntry struct {
	cfg     *Config
	fetched time.Time
}

// NewFetcher creates a config fetcher.
func NewFetcher(files FileFetcher, ttl time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Fetcher{
		files:  files,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[models.Repository]cacheEntry),
	}
}

// Get returns the repository's config. A repository without a
// .deploybot.yml yields an empty config, not an error.
func (f *Fetcher) Get(ctx context.Context, repo models.Repository) (*Config, error) {
	f.mu.Lock()
	if entry, ok := f.cache[repo]; ok && time.Since(entry.fetched) < f.ttl {
		f.mu.Unlock()
		return entry.cfg, nil
	}
	f.mu.Unlock()

	raw, err := f.files.FileContent(ctx, repo, ConfigPath, "")
	if errors.Is(err, github.ErrNotFound) {
		cfg := &Config{}
		f.put(repo, cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ConfigPath, err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		// A broken config must not block deploys; treat as absent.
		f.logger.Warn("ignoring malformed deploy config",
			"repository", repo,
			"error", err,
		)
		cfg = &Config{}
	}

	f.put(repo, cfg)
	return cfg, nil
}

func (f *Fetcher) put(repo models.Repository, cfg *Config) {
	f.mu.Lock()
	f.cache[repo] = cacheEntry{cfg: cfg, fetched: time.Now()}
	f.mu.Unlock()
}

// Parse decodes a .deploybot.yml document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return cfg, nil
}

// Environment returns the config block for an environment name, or a
// zero value when not declared.
func (c *Config) Environment(name string) EnvironmentConfig {
	if c == nil || c.Environments == nil {
		return EnvironmentConfig{}
	}
	return c.Environments[name]
}
