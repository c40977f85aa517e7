package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the whole application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Generator GeneratorConfig `mapstructure:"generator" yaml:"generator"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // console or json
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the rod-controlled browser.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Width             int           `mapstructure:"width" yaml:"width"`
	Height            int           `mapstructure:"height" yaml:"height"`
	ProfileDir        string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	IdleWait          time.Duration `mapstructure:"idle_wait" yaml:"idle_wait"`
}

// GeneratorConfig selects and tunes the code generation provider.
type GeneratorConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"` // claude, openai, openrouter, gemini, ollama
	Model     string        `mapstructure:"model" yaml:"model"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"-"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries   int           `mapstructure:"retries" yaml:"retries"`
	Dialect   string        `mapstructure:"dialect" yaml:"dialect"` // actions or go
}

// CacheConfig selects the step cache backend.
type CacheConfig struct {
	Driver  string `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, memory
	Path    string `mapstructure:"path" yaml:"path"`
	DSN     string `mapstructure:"dsn" yaml:"-"`
	Matcher string `mapstructure:"matcher" yaml:"matcher"` // exact or normalized
}

// AgentConfig tunes the step controller loop.
type AgentConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MemoryLimit int           `mapstructure:"memory_limit" yaml:"memory_limit"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// ExecutorConfig configures the sandboxed executor.
type ExecutorConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DenyList []string      `mapstructure:"deny_list" yaml:"deny_list"`
}

// AuditConfig configures screenshot artifacts.
type AuditConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	GIF bool   `mapstructure:"gif" yaml:"gif"`
	FPS int    `mapstructure:"fps" yaml:"fps"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "steppilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.width", 1280)
	v.SetDefault("browser.height", 720)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.idle_wait", "5s")

	// -- Generator --
	v.SetDefault("generator.provider", "claude")
	v.SetDefault("generator.max_tokens", 1024)
	v.SetDefault("generator.timeout", "60s")
	v.SetDefault("generator.retries", 2)
	v.SetDefault("generator.dialect", "actions")

	// -- Cache --
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "steppilot_cache.db")
	v.SetDefault("cache.matcher", "exact")

	// -- Agent --
	v.SetDefault("agent.max_attempts", 5)
	v.SetDefault("agent.settle_delay", "2s")
	v.SetDefault("agent.memory_limit", 5)
	v.SetDefault("agent.concurrency", 2)

	// -- Executor --
	v.SetDefault("executor.timeout", "20s")

	// -- Audit --
	v.SetDefault("audit.dir", "artifacts")
	v.SetDefault("audit.gif", false)
	v.SetDefault("audit.fps", 1)
}

// Load reads an optional config file plus STEPPILOT_* environment overrides into v
// and returns the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("steppilot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("steppilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return NewConfigFromViper(v)
}

// NewConfigFromViper creates a configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment only.
	_ = v.BindEnv("cache.dsn", "STEPPILOT_CACHE_DSN")
	_ = v.BindEnv("generator.api_key", "STEPPILOT_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("agent.max_attempts must be a positive integer")
	}
	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("agent.concurrency must be a positive integer")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be a positive duration")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("generator.timeout must be a positive duration")
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if c.Generator.Retries < 0 {
		return fmt.Errorf("generator.retries cannot be negative")
	}
	switch c.Generator.Dialect {
	case "actions", "go":
	default:
		return fmt.Errorf("generator.dialect must be one of actions, go (got %q)", c.Generator.Dialect)
	}
	switch c.Cache.Driver {
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn is required for the postgres driver. Set STEPPILOT_CACHE_DSN")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown cache.driver: %s (supported: sqlite, postgres, memory)", c.Cache.Driver)
	}
	switch c.Cache.Matcher {
	case "exact", "normalized":
	default:
		return fmt.Errorf("unknown cache.matcher: %s (supported: exact, normalized)", c.Cache.Matcher)
	}
	return nil
}
