package llm

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"aiclient/internal/jsonrepair"
	"aiclient/pkg/utils"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds everything the client, the CLI and the reference server need.
// Values come from an optional YAML file, then environment variables.
type Config struct {
	// Provider selects the direct API shape (azure-openai, openai, perplexity, gemini)
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api-key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	Model      string `yaml:"model"`
	APIVersion string `yaml:"api-version"`

	// ProxyURL is the hosted proxy used when direct credentials are incomplete
	ProxyURL string `yaml:"proxy-url"`

	Token  TokenConfig  `yaml:"token"`
	Retry   RetryConfig   `yaml:"retry"`
	Timeout TimeoutConfig `yaml:"timeout"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`

	// MaxRepairRounds bounds AI-assisted JSON repair per structured request
	MaxRepairRounds int `yaml:"max-repair-rounds"`
}

// TokenConfig describes where bearer credentials come from.
type TokenConfig struct {
	// URL of a remote token-issuing service. Empty means local derivation.
	URL    string `yaml:"url"`
	APIKey string `yaml:"api-key"`
	// Secret signs locally derived credentials and verifies them on the server
	Secret   string        `yaml:"secret"`
	Validity time.Duration `yaml:"validity"`
}

// RetryConfig mirrors RetryPolicy in file form.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max-attempts"`
	Strategy    string        `yaml:"strategy"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max-delay"`
}

// TimeoutConfig mirrors TimeoutPolicy in file form.
type TimeoutConfig struct {
	Base              time.Duration `yaml:"base"`
	PerThousandTokens time.Duration `yaml:"per-thousand-tokens"`
	Max               time.Duration `yaml:"max"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ServerConfig configures the reference proxy server.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	RatePerMinute int    `yaml:"rate-per-minute"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	policy := DefaultRetryPolicy()
	timeouts := DefaultTimeoutPolicy()
	return &Config{
		Token: TokenConfig{Validity: 24 * time.Hour},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			Strategy:    string(policy.Strategy),
			Delay:       policy.InitialDelay,
			MaxDelay:    policy.MaxDelay,
		},
		Timeout: TimeoutConfig{
			Base:              timeouts.Base,
			PerThousandTokens: timeouts.PerThousandTokens,
			Max:               timeouts.Max,
		},
		Log:             LogConfig{Level: "info"},
		Server:          ServerConfig{Listen: ":8080", RatePerMinute: 30},
		MaxRepairRounds: jsonrepair.DefaultMaxRepairRounds,
	}
}

// LoadConfig reads path (skipped when empty) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Provider = utils.GetEnvWithDefault("AICLIENT_PROVIDER", c.Provider)
	c.APIKey = utils.GetEnvWithDefault("AICLIENT_API_KEY", c.APIKey)
	c.Endpoint = utils.GetEnvWithDefault("AICLIENT_ENDPOINT", c.Endpoint)
	c.Deployment = utils.GetEnvWithDefault("AICLIENT_DEPLOYMENT", c.Deployment)
	c.Model = utils.GetEnvWithDefault("AICLIENT_MODEL", c.Model)
	c.APIVersion = utils.GetEnvWithDefault("AICLIENT_API_VERSION", c.APIVersion)
	c.ProxyURL = utils.GetEnvWithDefault("AICLIENT_PROXY_URL", c.ProxyURL)

	c.Token.URL = utils.GetEnvWithDefault("AICLIENT_TOKEN_URL", c.Token.URL)
	c.Token.APIKey = utils.GetEnvWithDefault("AICLIENT_TOKEN_API_KEY", c.Token.APIKey)
	c.Token.Secret = utils.GetEnvWithDefault("AICLIENT_TOKEN_SECRET", c.Token.Secret)
	c.Token.Validity = utils.GetEnvDuration("AICLIENT_TOKEN_VALIDITY", c.Token.Validity)

	c.Retry.MaxAttempts = utils.GetEnvInt("AICLIENT_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.Strategy = utils.GetEnvWithDefault("AICLIENT_RETRY_STRATEGY", c.Retry.Strategy)
	c.Retry.Delay = utils.GetEnvDuration("AICLIENT_RETRY_DELAY", c.Retry.Delay)
	c.MaxRepairRounds = utils.GetEnvInt("AICLIENT_MAX_REPAIR_ROUNDS", c.MaxRepairRounds)

	c.Log.Level = utils.GetEnvWithDefault("AICLIENT_LOG_LEVEL", c.Log.Level)
	c.Log.File = utils.GetEnvWithDefault("AICLIENT_LOG_FILE", c.Log.File)

	c.Server.Listen = utils.GetEnvWithDefault("AICLIENT_LISTEN", c.Server.Listen)
	c.Server.RatePerMinute = utils.GetEnvInt("AICLIENT_RATE_PER_MINUTE", c.Server.RatePerMinute)
}

// Validate rejects settings no component could work with. Missing
// credentials are not an error here; routing decides what to do about them.
func (c *Config) Validate() error {
	if c.Provider != "" {
		switch Provider(strings.ToLower(c.Provider)) {
		case ProviderAzureOpenAI, ProviderOpenAI, ProviderPerplexity, ProviderGemini:
			c.Provider = strings.ToLower(c.Provider)
		default:
			return fmt.Errorf("unknown provider %q", c.Provider)
		}
	}
	switch RetryStrategy(c.Retry.Strategy) {
	case StrategyFixed, StrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.MaxRepairRounds < 0 {
		return fmt.Errorf("max repair rounds must not be negative, got %d", c.MaxRepairRounds)
	}
	if c.Server.RatePerMinute < 1 {
		return fmt.Errorf("rate per minute must be at least 1, got %d", c.Server.RatePerMinute)
	}
	return nil
}

// Direct returns the direct provider credentials carried by the config.
func (c *Config) Direct() DirectCredentials {
	return DirectCredentials{
		Provider:   Provider(c.Provider),
		APIKey:     c.APIKey,
		Endpoint:   c.Endpoint,
		Deployment: c.Deployment,
		Model:      c.Model,
		APIVersion: c.APIVersion,
	}
}

// RetryPolicy converts the retry section into a RetryPolicy.
func (c *Config) RetryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = c.Retry.MaxAttempts
	policy.Strategy = RetryStrategy(c.Retry.Strategy)
	if c.Retry.Delay > 0 {
		policy.InitialDelay = c.Retry.Delay
	}
	if c.Retry.MaxDelay > 0 {
		policy.MaxDelay = c.Retry.MaxDelay
	}
	return policy
}

// TimeoutPolicy builds the per-attempt timeout policy. Unset fields keep
// their defaults.
func (c *Config) TimeoutPolicy() TimeoutPolicy {
	policy := DefaultTimeoutPolicy()
	if c.Timeout.Base > 0 {
		policy.Base = c.Timeout.Base
	}
	if c.Timeout.PerThousandTokens > 0 {
		policy.PerThousandTokens = c.Timeout.PerThousandTokens
	}
	if c.Timeout.Max > 0 {
		policy.Max = c.Timeout.Max
	}
	return policy
}

// DispatcherOptions returns the retry and timeout options cfg describes.
func (c *Config) DispatcherOptions() []DispatcherOption {
	return []DispatcherOption{
		WithRetryPolicy(c.RetryPolicy()),
		WithTimeoutPolicy(c.TimeoutPolicy()),
	}
}

var (
	// config is the singleton instance of the configuration
	config *Config
	// configOnce ensures the configuration is initialized only once
	configOnce sync.Once
)

// GetConfig returns the process-wide configuration, loading it on first use
// from the file named by AICLIENT_CONFIG and the environment. A broken
// configuration is logged and the defaults plus environment are used.
func GetConfig() *Config {
	configOnce.Do(func() {
		cfg, err := LoadConfig(os.Getenv("AICLIENT_CONFIG"))
		if err != nil {
			log.WithError(err).Warn("config could not be loaded, using defaults")
			cfg = DefaultConfig()
			cfg.applyEnv()
		}
		config = cfg
	})
	return config
}
