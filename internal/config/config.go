package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Throttle  ThrottleConfig  `yaml:"throttle" mapstructure:"throttle"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Importer  ImporterConfig  `yaml:"importer" mapstructure:"importer"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Alert     AlertConfig     `yaml:"alert" mapstructure:"alert"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// BreakerConfig configures the per-source circuit breakers. Per-source
// overrides live in sources.yaml; these are the process-wide defaults.
type BreakerConfig struct {
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	WindowBuckets      int     `yaml:"window_buckets" mapstructure:"window_buckets"`
	WindowSecs         int     `yaml:"window_secs" mapstructure:"window_secs"`
	CooldownSecs       int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	MinRequests        int     `yaml:"min_requests" mapstructure:"min_requests"`
	CallTimeoutSecs    int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
}

// ThrottleConfig configures outbound call rate defaults. Per-source limits
// come from sources.yaml.
type ThrottleConfig struct {
	DefaultRate  float64 `yaml:"default_rate" mapstructure:"default_rate"`
	DefaultBurst int     `yaml:"default_burst" mapstructure:"default_burst"`
}

// CacheConfig holds per-tier TTLs for the result cache.
type CacheConfig struct {
	APITTLSecs int `yaml:"api_ttl_secs" mapstructure:"api_ttl_secs"`
	AITTLSecs  int `yaml:"ai_ttl_secs" mapstructure:"ai_ttl_secs"`
	RefTTLSecs int `yaml:"ref_ttl_secs" mapstructure:"ref_ttl_secs"`
}

// QueueConfig configures the job queue and worker pool.
type QueueConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs  int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSecs   int `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	RetentionDays    int `yaml:"retention_days" mapstructure:"retention_days"`
	CloseGraceSecs   int `yaml:"close_grace_secs" mapstructure:"close_grace_secs"`
}

// ImporterConfig configures batch import behavior.
type ImporterConfig struct {
	BatchSize            int     `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaterialityThreshold float64 `yaml:"materiality_threshold" mapstructure:"materiality_threshold"`
	RateChangeAlertCount int     `yaml:"rate_change_alert_count" mapstructure:"rate_change_alert_count"`
}

// AnthropicConfig holds Anthropic API settings for enrichment.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SourcesConfig points at the source endpoint catalog.
type SourcesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AlertConfig configures operator alert delivery.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tariff.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("breaker.error_rate_threshold", 0.5)
	v.SetDefault("breaker.window_buckets", 10)
	v.SetDefault("breaker.window_secs", 60)
	v.SetDefault("breaker.cooldown_secs", 30)
	v.SetDefault("breaker.min_requests", 5)
	v.SetDefault("breaker.call_timeout_secs", 30)
	v.SetDefault("throttle.default_rate", 10)
	v.SetDefault("throttle.default_burst", 10)
	v.SetDefault("cache.api_ttl_secs", 300)
	v.SetDefault("cache.ai_ttl_secs", 86400)
	v.SetDefault("cache.ref_ttl_secs", 3600)
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_secs", 5)
	v.SetDefault("queue.backoff_max_secs", 300)
	v.SetDefault("queue.poll_interval_secs", 2)
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("queue.close_grace_secs", 30)
	v.SetDefault("importer.batch_size", 100)
	v.SetDefault("importer.concurrency", 3)
	v.SetDefault("importer.materiality_threshold", 1.0)
	v.SetDefault("importer.rate_change_alert_count", 50)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("sources.path", "sources.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
