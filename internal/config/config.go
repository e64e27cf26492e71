// Package config handles configuration loading for the risk pipeline.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"risk-pipeline/internal/alerting"
	"risk-pipeline/internal/api"
	"risk-pipeline/internal/analysis/behavior"
	"risk-pipeline/internal/cache"
	"risk-pipeline/internal/ingest/evm"
	"risk-pipeline/internal/kafka"
	"risk-pipeline/internal/schema"
	"risk-pipeline/internal/storage"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Pipeline     PipelineConfig              `yaml:"pipeline"`
	Monitoring   MonitoringConfig            `yaml:"monitoring"`
	Notification alerting.NotificationConfig `yaml:"notification"`
	Channels     ChannelsConfig              `yaml:"channels"`
	Profile      ProfileConfig               `yaml:"profile"`
	AI           AIConfig                    `yaml:"ai"`
	Analysis     AnalysisConfig              `yaml:"analysis"`
	MEV          MEVConfig                   `yaml:"mev"`
	Behavior     behavior.Config             `yaml:"behavior"`
	Scoring      ScoringConfig               `yaml:"scoring"`
	Redis        RedisConfig                 `yaml:"redis"`
	Storage      StorageConfig               `yaml:"storage"`
	Kafka        KafkaConfig                 `yaml:"kafka"`
	EVM          evm.Config                  `yaml:"evm"`
	Logging      LoggingConfig               `yaml:"logging"`

	// MaxRetries and RetryDelay drive notification delivery.
	MaxRetries int           `yaml:"max_retries" validate:"gte=1,lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gt=0"`

	// Warnings lists environment overrides that could not be applied.
	Warnings []string `yaml:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int                 `yaml:"http_port" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration       `yaml:"read_timeout"`
	WriteTimeout   time.Duration       `yaml:"write_timeout"`
	MaxPayloadSize int64               `yaml:"max_payload_size" validate:"gt=0"`
	MaxBatch       int                 `yaml:"max_batch" validate:"gt=0"`
	APIKeys        []string            `yaml:"api_keys"`
	APIKeyHeader   string              `yaml:"api_key_header" validate:"required"`
	RateLimit      api.RateLimitConfig `yaml:"rate_limit"`
}

// PipelineConfig holds event processing settings.
type PipelineConfig struct {
	StrictMode   bool          `yaml:"strict_mode"`
	EventTimeout time.Duration `yaml:"event_timeout" validate:"gt=0"`
	Workers      int           `yaml:"workers" validate:"gte=1"`
	QueueSize    int           `yaml:"queue_size" validate:"gte=1"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// MonitoringConfig holds metrics and high-risk webhook settings.
type MonitoringConfig struct {
	Enabled         bool           `yaml:"enabled"`
	MetricsPort     int            `yaml:"metrics_port" validate:"gte=0,lte=65535"`
	MetricsInterval time.Duration  `yaml:"metrics_interval" validate:"gt=0"`
	MetricsPrefix   string         `yaml:"metrics_prefix"`
	MetricsBuckets  []float64      `yaml:"metrics_buckets"`
	Webhooks        WebhooksConfig `yaml:"webhooks"`
}

// WebhooksConfig holds chat webhook URLs.
type WebhooksConfig struct {
	Slack    string `yaml:"slack" validate:"omitempty,url"`
	DingTalk string `yaml:"dingtalk" validate:"omitempty,url"`
	Feishu   string `yaml:"feishu" validate:"omitempty,url"`
}

// ChannelsConfig holds settings for notification channels that need more
// than a webhook URL.
type ChannelsConfig struct {
	SlackChannel  string            `yaml:"slack_channel"`
	SlackUsername string            `yaml:"slack_username"`
	WebhookURL    string            `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookHeader map[string]string `yaml:"webhook_headers"`
	TelegramToken string            `yaml:"telegram_bot_token"`
	TelegramChat  string            `yaml:"telegram_chat_id"`
}

// ProfileConfig holds address profile service settings.
type ProfileConfig struct {
	APIURL                string        `yaml:"api_url" validate:"omitempty,url"`
	CacheTTL              time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	FetchTimeout          time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	FetchRetries          int           `yaml:"fetch_retries" validate:"gte=0,lte=10"`
	MinRetryDelay         time.Duration `yaml:"min_retry_delay" validate:"gt=0"`
	MaxRetryDelay         time.Duration `yaml:"max_retry_delay" validate:"gtefield=MinRetryDelay"`
	BatchSize             int           `yaml:"batch_size" validate:"gte=1"`
	ForceRefreshRiskScore float64       `yaml:"force_refresh_risk_score"`
}

// AIConfig selects and configures the model collaborator.
type AIConfig struct {
	Mode           string        `yaml:"mode"`
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens" validate:"gte=1"`
	Temperature    float64       `yaml:"temperature"`
	LocalModelPath string        `yaml:"local_model_path"`
	APIURL         string        `yaml:"api_url" validate:"omitempty,url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
}

// AnalysisConfig holds orchestrator settings.
type AnalysisConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
	FailClosed  bool          `yaml:"fail_closed"`
	GraphDepth  int           `yaml:"graph_depth" validate:"gte=1,lte=4"`
}

// MEVConfig holds MEV detector settings.
type MEVConfig struct {
	KnownBots []string `yaml:"known_bots"`
}

// ScoringConfig overrides dimension and tag weights.
type ScoringConfig struct {
	DimensionWeights map[string]float64 `yaml:"dimension_weights"`
	TagWeights       map[string]float64 `yaml:"tag_weights"`
}

// RedisConfig enables the Redis cache. Without it an in-memory cache is used.
type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	cache.RedisConfig `yaml:",inline"`
}

// StorageConfig holds ClickHouse settings.
type StorageConfig struct {
	Enabled     bool                     `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig        `yaml:"batch_writer"`
	// HistoryBackend is "memory" or "clickhouse".
	HistoryBackend string `yaml:"history_backend" validate:"oneof=memory clickhouse"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// KafkaConfig enables the Kafka consumer and the kafka alert channel.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	EnsureTopics bool `yaml:"ensure_topics"`
	kafka.Config `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level           string `yaml:"level" validate:"oneof=debug info warn error"`
	Format          string `yaml:"format" validate:"oneof=json text"`
	TimestampFormat string `yaml:"timestamp_format" validate:"oneof=rfc3339 rfc3339nano unix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	bw := storage.DefaultBatchWriterConfig()
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxPayloadSize: 1 << 20,
			MaxBatch:       1000,
			APIKeyHeader:   "X-API-Key",
			RateLimit:      api.DefaultRateLimitConfig(),
		},
		Pipeline: PipelineConfig{
			StrictMode:   true,
			EventTimeout: 30 * time.Second,
			Workers:      4,
			QueueSize:    10000,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			MetricsPort:     0,
			MetricsInterval: 60 * time.Second,
			MetricsPrefix:   "risk_pipeline",
		},
		Notification: alerting.DefaultNotificationConfig(),
		Profile: ProfileConfig{
			CacheTTL:              cache.DefaultTTL,
			FetchTimeout:          5 * time.Second,
			FetchRetries:          3,
			MinRetryDelay:         100 * time.Millisecond,
			MaxRetryDelay:         2 * time.Second,
			BatchSize:             50,
			ForceRefreshRiskScore: 0.8,
		},
		AI: AIConfig{
			Mode:        "api",
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.2,
			Timeout:     10 * time.Second,
		},
		Analysis: AnalysisConfig{
			CallTimeout: 5 * time.Second,
			FailClosed:  true,
			GraphDepth:  2,
		},
		Behavior: behavior.DefaultConfig(),
		Redis: RedisConfig{
			RedisConfig: cache.DefaultRedisConfig(),
		},
		Storage: StorageConfig{
			ClickHouse: storage.DefaultClickHouseConfig(),
			BatchWriter: BatchWriterConfig{
				BatchSize:     bw.BatchSize,
				FlushInterval: bw.FlushInterval,
				MaxRetries:    bw.MaxRetries,
				RetryDelay:    bw.RetryDelay,
			},
			HistoryBackend: "memory",
		},
		Kafka: KafkaConfig{
			Config: *kafka.DefaultConfig(),
		},
		EVM: evm.Config{
			PollInterval: 12 * time.Second,
			BatchSize:    10,
			StartBlock:   "latest",
		},
		Logging: LoggingConfig{
			Level:           "info",
			Format:          "json",
			TimestampFormat: "rfc3339",
		},
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// RISK_CONFIG_PATH (default configs/config.yaml, optional) and environment
// overrides.
func Load() (*Config, error) {
	path := os.Getenv("RISK_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides(os.LookupEnv)
	for _, w := range cfg.Warnings {
		slog.Warn("ignoring environment override", "reason", w)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Values that do
// not parse leave the current setting in place and add a warning.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				c.warn(key, v, "integer")
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				c.warn(key, v, "number")
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				c.warn(key, v, "boolean")
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(strings.TrimSpace(v))
			if err != nil {
				c.warn(key, v, "duration")
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitAndTrim(v, ",")
		}
	}
	floats := func(key string, dst *[]float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		parts := splitAndTrim(v, ",")
		out := make([]float64, 0, len(parts))
		for _, part := range parts {
			f, err := strconv.ParseFloat(part, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				c.warn(key, v, "number list")
				return
			}
			out = append(out, f)
		}
		if len(out) == 0 {
			c.warn(key, v, "number list")
			return
		}
		*dst = out
	}

	integer("RISK_HTTP_PORT", &c.Server.HTTPPort)
	list("RISK_API_KEYS", &c.Server.APIKeys)
	boolean("RISK_RATE_LIMIT_ENABLED", &c.Server.RateLimit.Enabled)
	integer("RISK_RATE_LIMIT_REQUESTS", &c.Server.RateLimit.RequestsPerIP)

	boolean("RISK_STRICT_MODE", &c.Pipeline.StrictMode)
	duration("RISK_EVENT_TIMEOUT", &c.Pipeline.EventTimeout)
	integer("RISK_WORKERS", &c.Pipeline.Workers)
	integer("RISK_QUEUE_SIZE", &c.Pipeline.QueueSize)

	boolean("RISK_MONITORING_ENABLED", &c.Monitoring.Enabled)
	integer("RISK_METRICS_PORT", &c.Monitoring.MetricsPort)
	duration("RISK_METRICS_INTERVAL", &c.Monitoring.MetricsInterval)
	str("RISK_METRICS_PREFIX", &c.Monitoring.MetricsPrefix)
	floats("RISK_METRICS_BUCKETS", &c.Monitoring.MetricsBuckets)
	str("RISK_SLACK_WEBHOOK", &c.Monitoring.Webhooks.Slack)
	str("RISK_DINGTALK_WEBHOOK", &c.Monitoring.Webhooks.DingTalk)
	str("RISK_FEISHU_WEBHOOK", &c.Monitoring.Webhooks.Feishu)

	float("RISK_THRESHOLD_MEDIUM", &c.Notification.RiskThresholds.Medium)
	float("RISK_THRESHOLD_HIGH", &c.Notification.RiskThresholds.High)
	float("RISK_THRESHOLD_CRITICAL", &c.Notification.RiskThresholds.Critical)
	list("RISK_CHANNELS_LOW", &c.Notification.Channels.Low)
	list("RISK_CHANNELS_MEDIUM", &c.Notification.Channels.Medium)
	list("RISK_CHANNELS_HIGH", &c.Notification.Channels.High)
	list("RISK_CHANNELS_CRITICAL", &c.Notification.Channels.Critical)
	str("RISK_TELEGRAM_BOT_TOKEN", &c.Channels.TelegramToken)
	str("RISK_TELEGRAM_CHAT_ID", &c.Channels.TelegramChat)
	str("RISK_WEBHOOK_URL", &c.Channels.WebhookURL)

	str("RISK_PROFILE_API_URL", &c.Profile.APIURL)
	duration("RISK_PROFILE_CACHE_TTL", &c.Profile.CacheTTL)
	duration("RISK_PROFILE_FETCH_TIMEOUT", &c.Profile.FetchTimeout)
	integer("RISK_PROFILE_FETCH_RETRIES", &c.Profile.FetchRetries)
	duration("RISK_PROFILE_MIN_RETRY_DELAY", &c.Profile.MinRetryDelay)
	duration("RISK_PROFILE_MAX_RETRY_DELAY", &c.Profile.MaxRetryDelay)
	integer("RISK_PROFILE_BATCH_SIZE", &c.Profile.BatchSize)
	float("RISK_FORCE_REFRESH_RISK_SCORE", &c.Profile.ForceRefreshRiskScore)

	str("RISK_AI_MODE", &c.AI.Mode)
	str("RISK_AI_PROVIDER", &c.AI.Provider)
	str("RISK_AI_MODEL", &c.AI.Model)
	integer("RISK_AI_MAX_TOKENS", &c.AI.MaxTokens)
	float("RISK_AI_TEMPERATURE", &c.AI.Temperature)
	str("RISK_AI_LOCAL_MODEL_PATH", &c.AI.LocalModelPath)
	str("RISK_AI_API_URL", &c.AI.APIURL)
	str("RISK_AI_API_KEY", &c.AI.APIKey)

	boolean("RISK_FAIL_CLOSED", &c.Analysis.FailClosed)
	list("RISK_MEV_KNOWN_BOTS", &c.MEV.KnownBots)

	boolean("RISK_REDIS_ENABLED", &c.Redis.Enabled)
	str("RISK_REDIS_ADDR", &c.Redis.Addr)
	str("RISK_REDIS_PASSWORD", &c.Redis.Password)
	integer("RISK_REDIS_DB", &c.Redis.DB)

	boolean("RISK_STORAGE_ENABLED", &c.Storage.Enabled)
	str("RISK_HISTORY_BACKEND", &c.Storage.HistoryBackend)
	if v, ok := lookup("CLICKHOUSE_HOST"); ok && v != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(v, ",")
	}
	str("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	str("CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	str("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	boolean("RISK_KAFKA_ENABLED", &c.Kafka.Enabled)
	list("RISK_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("RISK_KAFKA_TOPIC", &c.Kafka.Topic)
	str("RISK_KAFKA_ALERTS_TOPIC", &c.Kafka.AlertsTopic)
	str("RISK_KAFKA_CONSUMER_GROUP", &c.Kafka.ConsumerGroup)
	str("RISK_KAFKA_SASL_USERNAME", &c.Kafka.SASLUsername)
	str("RISK_KAFKA_SASL_PASSWORD", &c.Kafka.SASLPassword)

	boolean("RISK_EVM_ENABLED", &c.EVM.Enabled)

	str("RISK_LOG_LEVEL", &c.Logging.Level)
	str("RISK_LOG_FORMAT", &c.Logging.Format)
	str("RISK_LOG_TIMESTAMP_FORMAT", &c.Logging.TimestampFormat)

	integer("RISK_MAX_RETRIES", &c.MaxRetries)
	duration("RISK_RETRY_DELAY", &c.RetryDelay)
}

func (c *Config) warn(key, value, kind string) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a valid %s", key, value, kind))
}

// parseDuration accepts Go durations and bare numbers of seconds.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// knownChannels are the notification channel names the router understands.
var knownChannels = map[string]bool{
	"slack": true, "dingtalk": true, "feishu": true, "webhook": true,
	"telegram": true, "log": true, "kafka": true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration. All failures are reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	t := c.Notification.RiskThresholds
	for name, v := range map[string]float64{"medium": t.Medium, "high": t.High, "critical": t.Critical} {
		if !in01(v) {
			errs = append(errs, fmt.Errorf("notification.risk_thresholds.%s must be in [0,1], got %v", name, v))
		}
	}
	if !(t.Medium < t.High && t.High < t.Critical) {
		errs = append(errs, fmt.Errorf("notification.risk_thresholds must ascend: medium %v, high %v, critical %v",
			t.Medium, t.High, t.Critical))
	}

	sets := c.Notification.Channels
	for bucket, names := range map[string][]string{
		"low": sets.Low, "medium": sets.Medium, "high": sets.High, "critical": sets.Critical,
	} {
		for _, n := range names {
			if !knownChannels[n] {
				errs = append(errs, fmt.Errorf("notification.channels.%s: unknown channel %q", bucket, n))
			}
		}
	}

	if !in01(c.Profile.ForceRefreshRiskScore) {
		errs = append(errs, fmt.Errorf("profile.force_refresh_risk_score must be in [0,1], got %v",
			c.Profile.ForceRefreshRiskScore))
	}

	if c.AI.Temperature < 0 || c.AI.Temperature > 2 || math.IsNaN(c.AI.Temperature) {
		errs = append(errs, fmt.Errorf("ai.temperature must be in [0,2], got %v", c.AI.Temperature))
	}
	if c.AI.Mode != "api" && c.AI.Mode != "local" {
		errs = append(errs, fmt.Errorf("ai.mode must be api or local, got %q", c.AI.Mode))
	}
	if c.AI.Mode == "local" && c.AI.LocalModelPath == "" {
		errs = append(errs, errors.New("ai.local_model_path is required in local mode"))
	}

	for name, w := range c.Scoring.DimensionWeights {
		if _, err := schema.ParseDimension(name); err != nil {
			errs = append(errs, fmt.Errorf("scoring.dimension_weights: %w", err))
			continue
		}
		if !(w > 0) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("scoring.dimension_weights.%s must be positive, got %v", name, w))
		}
	}
	for name, w := range c.Scoring.TagWeights {
		if !(w > 0) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("scoring.tag_weights.%s must be positive, got %v", name, w))
		}
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage.HistoryBackend == "clickhouse" && !c.Storage.Enabled {
		errs = append(errs, errors.New("storage.history_backend clickhouse requires storage.enabled"))
	}
	if c.EVM.Enabled {
		for i, ch := range c.EVM.Chains {
			if ch.Enabled && (ch.Name == "" || ch.RPCURL == "") {
				errs = append(errs, fmt.Errorf("evm.chains[%d]: name and rpc_url are required", i))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func in01(v float64) bool {
	return v >= 0 && v <= 1
}
