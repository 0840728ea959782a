// Package config loads and validates orchestrator configuration.
//
// Configuration comes from an optional YAML file overlaid with environment
// variables. Consumers receive a fully resolved Config at construction time;
// no package reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the file nor the environment sets a value.
const (
	DefaultPort        = 8391
	DefaultCapacity    = 5
	DefaultTaskTimeout = 2 * time.Hour

	DefaultTokenRefreshInterval = 5 * time.Minute
	DefaultTokenExpiryWindow    = 15 * time.Minute

	DefaultBaseBranch = "main"
)

// Config holds every tunable of the orchestrator process.
type Config struct {
	// Admission HTTP server.
	Port     int `yaml:"port"`
	Capacity int `yaml:"capacity"`

	// Per-task wall-clock budget. Tasks still running at the deadline are
	// force-terminated and marked interrupted.
	TaskTimeout time.Duration `yaml:"taskTimeout"`

	// Durable state and per-task filesystem roots.
	StateFilePath    string `yaml:"stateFilePath"`
	WorktreeBasePath string `yaml:"worktreeBasePath"`
	LogBasePath      string `yaml:"logBasePath"`

	// Shared secret for admission-request HMAC.
	DispatchSecret string `yaml:"dispatchSecret"`

	// Default repository settings for tasks that omit them.
	DefaultRepository string `yaml:"defaultRepository"`
	DefaultBaseBranch string `yaml:"defaultBaseBranch"`

	// GitHub App credentials for installation-token minting.
	GitHubAppID          int64  `yaml:"githubAppId"`
	GitHubPrivateKeyPath string `yaml:"githubAppPrivateKeyPath"`
	GitHubInstallationID int64  `yaml:"githubInstallationId"`
	GitHubAPIBaseURL     string `yaml:"githubApiBaseUrl"`

	// Where the current installation token is published for co-located
	// consumer processes.
	TokenFilePath string `yaml:"tokenFilePath"`

	TokenRefreshInterval time.Duration `yaml:"tokenRefreshInterval"`
	TokenExpiryWindow    time.Duration `yaml:"tokenExpiryWindow"`

	// Admission-client side: ordered dispatch targets. The first healthy
	// target wins; the rest are fallbacks.
	OrchestratorMacURL string `yaml:"orchestratorMacUrl"`
	OrchestratorVMURL  string `yaml:"orchestratorVmUrl"`

	// Logging.
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Load reads the YAML file at path (if non-empty and present), applies
// environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CODERELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("CODERELAY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Capacity = n
		}
	}
	if v := os.Getenv("CODERELAY_TASK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TaskTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CODERELAY_STATE_FILE"); v != "" {
		c.StateFilePath = v
	}
	if v := os.Getenv("CODERELAY_WORKTREE_BASE"); v != "" {
		c.WorktreeBasePath = v
	}
	if v := os.Getenv("CODERELAY_LOG_BASE"); v != "" {
		c.LogBasePath = v
	}
	if v := os.Getenv("CODERELAY_DISPATCH_SECRET"); v != "" {
		c.DispatchSecret = v
	}
	if v := os.Getenv("CODERELAY_GITHUB_APP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHubAppID = id
		}
	}
	if v := os.Getenv("CODERELAY_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		c.GitHubPrivateKeyPath = v
	}
	if v := os.Getenv("CODERELAY_GITHUB_INSTALLATION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHubInstallationID = id
		}
	}
	if v := os.Getenv("CODERELAY_TOKEN_FILE"); v != "" {
		c.TokenFilePath = v
	}
	if v := os.Getenv("CODERELAY_ORCHESTRATOR_MAC_URL"); v != "" {
		c.OrchestratorMacURL = v
	}
	if v := os.Getenv("CODERELAY_ORCHESTRATOR_VM_URL"); v != "" {
		c.OrchestratorVMURL = v
	}
	if v := os.Getenv("CODERELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.TokenRefreshInterval == 0 {
		c.TokenRefreshInterval = DefaultTokenRefreshInterval
	}
	if c.TokenExpiryWindow == 0 {
		c.TokenExpiryWindow = DefaultTokenExpiryWindow
	}
	if c.DefaultBaseBranch == "" {
		c.DefaultBaseBranch = DefaultBaseBranch
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
}

// Validate checks settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.StateFilePath == "" {
		return fmt.Errorf("stateFilePath is required")
	}
	if c.WorktreeBasePath == "" {
		return fmt.Errorf("worktreeBasePath is required")
	}
	if c.LogBasePath == "" {
		return fmt.Errorf("logBasePath is required")
	}
	return nil
}
