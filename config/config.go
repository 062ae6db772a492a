// Package config loads and validates daemon configuration from the
// environment. Configuration is read once at startup; there are no
// config files and no re-reads.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Default configuration values.
const (
	DefaultMaxConcurrentTasks = 3
	DefaultSandboxImage       = "ghcr.io/altairalabs/dispatch-sandbox:latest"
	DefaultSandboxLocation    = "japaneast"
	DefaultSandboxCPU         = 1.0
	DefaultSandboxMemoryGB    = 2.0
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// Token prefixes enforced at load time. A bot token that does not start
// with xoxb- is almost always a pasted user or app token.
const (
	botTokenPrefix = "xoxb-"
	appTokenPrefix = "xapp-"
)

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the default log level name (debug, info, warn, error).
	Level string

	// Format selects the log encoding, "text" or "json".
	Format string

	// ModuleLevels overrides the level for individual packages, keyed
	// by dotted package name relative to the module root, for example
	// "pubsub" or "metrics.prometheus".
	ModuleLevels map[string]string
}

// SandboxConfig holds the container sizing and placement settings used
// for every task sandbox.
type SandboxConfig struct {
	// Image is the container image the assistant CLI runs in.
	Image string

	// Location is the Azure region container groups are created in.
	Location string

	// CPU is the number of CPU cores requested per sandbox.
	CPU float64

	// MemoryGB is the memory in gigabytes requested per sandbox.
	MemoryGB float64
}

// Config holds all daemon settings. Fields are populated by Load and
// never mutated afterwards.
type Config struct {
	// SlackBotToken authenticates Web API calls (xoxb-...).
	SlackBotToken string

	// SlackAppToken authenticates the Socket Mode connection (xapp-...).
	SlackAppToken string

	// RedisURL is the redis:// URL for pub/sub and task state.
	RedisURL string

	// AzureSubscriptionID selects the subscription sandboxes run in.
	AzureSubscriptionID string

	// AzureResourceGroup is the resource group for container groups.
	AzureResourceGroup string

	// MaxConcurrentTasks caps the number of tasks running at once.
	MaxConcurrentTasks int

	// GitHubPAT is the optional credential for private repository clones.
	// Empty means anonymous clone.
	GitHubPAT string

	// Sandbox holds container sizing and placement settings.
	Sandbox SandboxConfig

	// MetricsAddr is the host:port for the Prometheus exporter.
	// Empty disables the exporter.
	MetricsAddr string

	// Logging holds log output settings.
	Logging LoggingConfig
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

// Load reads configuration from the environment, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:       os.Getenv("SLACK_APP_TOKEN"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AzureSubscriptionID: os.Getenv("AZURE_SUBSCRIPTION_ID"),
		AzureResourceGroup:  os.Getenv("AZURE_RESOURCE_GROUP"),
		MaxConcurrentTasks:  DefaultMaxConcurrentTasks,
		GitHubPAT:           os.Getenv("GITHUB_PAT"),
		Sandbox: SandboxConfig{
			Image:    getenv("SANDBOX_IMAGE", DefaultSandboxImage),
			Location: getenv("SANDBOX_LOCATION", DefaultSandboxLocation),
			CPU:      DefaultSandboxCPU,
			MemoryGB: DefaultSandboxMemoryGB,
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		Logging: LoggingConfig{
			Level:  getenv("LOG_LEVEL", DefaultLogLevel),
			Format: getenv("LOG_FORMAT", DefaultLogFormat),
		},
	}

	if raw := os.Getenv("LOG_MODULE_LEVELS"); raw != "" {
		levels, ok := parseModuleLevels(raw)
		if !ok {
			return nil, &ValidationError{Field: "LOG_MODULE_LEVELS", Message: "must be comma-separated module=level pairs"}
		}
		cfg.Logging.ModuleLevels = levels
	}

	if raw := os.Getenv("MAX_CONCURRENT_TASKS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ValidationError{Field: "MAX_CONCURRENT_TASKS", Message: "must be an integer"}
		}
		cfg.MaxConcurrentTasks = n
	}

	if raw := os.Getenv("SANDBOX_CPU"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &ValidationError{Field: "SANDBOX_CPU", Message: "must be a number"}
		}
		cfg.Sandbox.CPU = f
	}

	if raw := os.Getenv("SANDBOX_MEMORY_GB"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &ValidationError{Field: "SANDBOX_MEMORY_GB", Message: "must be a number"}
		}
		cfg.Sandbox.MemoryGB = f
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required settings are present and well formed.
func (c *Config) Validate() error {
	if c.SlackBotToken == "" {
		return &ValidationError{Field: "SLACK_BOT_TOKEN", Message: "is required"}
	}
	if !strings.HasPrefix(c.SlackBotToken, botTokenPrefix) {
		return &ValidationError{Field: "SLACK_BOT_TOKEN", Message: "must start with " + botTokenPrefix}
	}
	if c.SlackAppToken == "" {
		return &ValidationError{Field: "SLACK_APP_TOKEN", Message: "is required"}
	}
	if !strings.HasPrefix(c.SlackAppToken, appTokenPrefix) {
		return &ValidationError{Field: "SLACK_APP_TOKEN", Message: "must start with " + appTokenPrefix}
	}
	if c.RedisURL == "" {
		return &ValidationError{Field: "REDIS_URL", Message: "is required"}
	}
	if c.AzureSubscriptionID == "" {
		return &ValidationError{Field: "AZURE_SUBSCRIPTION_ID", Message: "is required"}
	}
	if c.AzureResourceGroup == "" {
		return &ValidationError{Field: "AZURE_RESOURCE_GROUP", Message: "is required"}
	}
	if c.MaxConcurrentTasks < 1 {
		return &ValidationError{Field: "MAX_CONCURRENT_TASKS", Message: "must be at least 1"}
	}
	if c.Sandbox.Image == "" {
		return &ValidationError{Field: "SANDBOX_IMAGE", Message: "is required"}
	}
	if c.Sandbox.Location == "" {
		return &ValidationError{Field: "SANDBOX_LOCATION", Message: "is required"}
	}
	if c.Sandbox.CPU <= 0 {
		return &ValidationError{Field: "SANDBOX_CPU", Message: "must be positive"}
	}
	if c.Sandbox.MemoryGB <= 0 {
		return &ValidationError{Field: "SANDBOX_MEMORY_GB", Message: "must be positive"}
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return &ValidationError{Field: "LOG_FORMAT", Message: `must be "text" or "json"`}
	}
	return nil
}

// parseModuleLevels parses comma-separated "module=level" pairs.
func parseModuleLevels(raw string) (map[string]string, bool) {
	levels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, level, ok := strings.Cut(pair, "=")
		name, level = strings.TrimSpace(name), strings.TrimSpace(level)
		if !ok || name == "" || level == "" {
			return nil, false
		}
		levels[name] = level
	}
	return levels, true
}

// getenv returns the value of key, or fallback when unset or empty.
func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
