package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/triage-engine/triage"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig stores HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // "libsql", "postgres", "memory"
	DSN  string `mapstructure:"dsn"`
	// AuthToken is sent to remote libsql (Turso) servers only.
	AuthToken string `mapstructure:"auth_token"`

	MaxOpenConns   int `mapstructure:"max_open_conns"`
	MaxIdleConns   int `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int `mapstructure:"conn_max_life_sec"`

	// Migrate applies pending goose migrations when the store is opened.
	Migrate bool `mapstructure:"migrate"`
	// SeedAppointments registers appointment ids with the directory
	// at startup, for deployments without a scheduling subsystem.
	SeedAppointments []int64 `mapstructure:"seed_appointments"`
}

// LLMConfig stores inference backend settings.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // "gemini", "openai", "scripted"
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"` // OpenAI-compatible endpoints only
	Temperature float32 `mapstructure:"temperature"`
	// MaxInputTokens is the backend's prompt ceiling; 0 disables the check.
	MaxInputTokens int    `mapstructure:"max_input_tokens"`
	TokenEncoding  string `mapstructure:"token_encoding"` // tiktoken encoding name
	// ScriptedReply is returned verbatim by the "scripted" provider.
	ScriptedReply string `mapstructure:"scripted_reply"`
}

// GatewayConfig controls timeouts, retries and backend throughput.
type GatewayConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`     // per attempt
	MaxRetries int           `mapstructure:"max_retries"` // additional attempts
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`

	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`
}

// CacheConfig stores DiagnosisView cache settings.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Capacity   int  `mapstructure:"capacity"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// TracingConfig toggles span logging around turn stages.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NotifyConfig controls diagnosis update notifications (postgres only).
type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// RecoveryConfig controls resumption of turns left without a reply.
type RecoveryConfig struct {
	ResumeOnStart bool `mapstructure:"resume_on_start"`
	Concurrency   int  `mapstructure:"concurrency"`
}

// LoggingConfig stores zerolog settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. llm.api_key becomes LLM_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file on the search path; defaults and env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "2m") // a turn holds the model call
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults (embedded libsql)
	v.SetDefault("database.type", internal.DefaultDatabaseType)
	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_idle_sec", 300)
	v.SetDefault("database.conn_max_life_sec", 3600)
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.seed_appointments", []int64{})

	// LLM defaults
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_input_tokens", 0)
	v.SetDefault("llm.token_encoding", "cl100k_base")
	v.SetDefault("llm.scripted_reply", internal.UnderObservation+internal.SegmentDelimiter+"Could you describe your symptoms in more detail?")

	// Gateway defaults: 2 retries, 500ms doubling, capped at 4s
	v.SetDefault("gateway.timeout", "30s")
	v.SetDefault("gateway.max_retries", 2)
	v.SetDefault("gateway.base_delay", "500ms")
	v.SetDefault("gateway.max_delay", "4s")
	v.SetDefault("gateway.rate_limit_enabled", false)
	v.SetDefault("gateway.rate_limit_capacity", 10)
	v.SetDefault("gateway.rate_limit_refill_rate", "1s")

	// DiagnosisView cache
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl_seconds", 3600)

	v.SetDefault("tracing.enabled", true)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.channel", "triage_diagnosis")

	v.SetDefault("recovery.resume_on_start", false)
	v.SetDefault("recovery.concurrency", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "libsql", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}
	switch c.LLM.Provider {
	case "gemini", "openai", "scripted":
	default:
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive, got %s", c.Gateway.Timeout)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries must not be negative, got %d", c.Gateway.MaxRetries)
	}
	if c.Gateway.BaseDelay <= 0 || c.Gateway.MaxDelay < c.Gateway.BaseDelay {
		return fmt.Errorf("gateway delays invalid: base=%s max=%s", c.Gateway.BaseDelay, c.Gateway.MaxDelay)
	}
	if c.Notify.Enabled && c.Database.Type != "postgres" {
		return errors.New("notify.enabled requires database.type postgres")
	}
	return nil
}
