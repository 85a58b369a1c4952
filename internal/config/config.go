// Package config loads the service configuration from an optional YAML
// file, then applies environment-variable overrides, then validates the
// result before the process is allowed to start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full configuration surface (§6).
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Ingest   IngestConfig   `yaml:"ingest"`
	DB       DBConfig       `yaml:"db"`
	DBMode   string         `yaml:"db_mode"`
	CDC      CDCConfig      `yaml:"cdc"`
	Egress   EgressConfig   `yaml:"egress"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type BrokerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	TopicFilter string `yaml:"topic_filter"`
	TLSCA       string `yaml:"tls_ca"`
}

// IngestConfig configures C1/C2's supporting state: the alias cache
// snapshot, the rebirth-request throttle, the inbound queue depth, and the
// classification lookup NormalizeDevice needs for (Country, BusinessUnit,
// Plant) (§4.3).
type IngestConfig struct {
	AliasCachePath         string `yaml:"alias_cache_path"`
	RebirthCooldownSeconds int    `yaml:"rebirth_cooldown_seconds"`
	QueueDepth             int    `yaml:"queue_depth"`
	ClassificationPath     string `yaml:"classification_path"`
}

type DBConfig struct {
	ConnInfo        string `yaml:"conninfo"`
	AppUser         string `yaml:"app_user"`
	CDCUser         string `yaml:"cdc_user"`
	PublicationName string `yaml:"publication_name"`
	SlotName        string `yaml:"slot_name"`
}

type CDCConfig struct {
	WindowSeconds        int    `yaml:"window_seconds"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	BufferCap            int    `yaml:"buffer_cap"`
	IdleSleepSeconds     int    `yaml:"idle_sleep_seconds"`
	MaxBatchMessages     int    `yaml:"max_batch_messages"`
	CheckpointBackend    string `yaml:"checkpoint_backend"`
	ResumePath           string `yaml:"resume_path"`
	ResumeFsync          bool   `yaml:"resume_fsync"`
}

type EgressConfig struct {
	RateLimitRPS              float64 `yaml:"rate_limit_rps"`
	QueueCapacity             int     `yaml:"queue_capacity"`
	MaxBatchTags              int     `yaml:"max_batch_tags"`
	MaxPayloadBytes           int     `yaml:"max_payload_bytes"`
	RequestTimeoutSeconds     int     `yaml:"request_timeout_seconds"`
	RetryAttempts             int     `yaml:"retry_attempts"`
	RetryBaseDelay            time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay             time.Duration `yaml:"retry_max_delay"`
	CircuitConsecutiveFailures int    `yaml:"circuit_consecutive_failures"`
	CircuitResetSeconds        int    `yaml:"circuit_reset_seconds"`
	SessionTimeoutMS          int     `yaml:"session_timeout_ms"`
	KeepaliveIdleSeconds      int     `yaml:"keepalive_idle_seconds"`
	KeepaliveJitterSeconds    int     `yaml:"keepalive_jitter_seconds"`
	DatasetPrefix             string  `yaml:"dataset_prefix"`
	DatasetOverride           string  `yaml:"dataset_override"`
	AutoCreateDatasets        bool    `yaml:"auto_create_datasets"`
	WritePath                 string  `yaml:"write_path"`
	Compression               string  `yaml:"compression"`
	HistorianBaseURL          string  `yaml:"historian_base_url"`
	APIToken                  string  `yaml:"api_token"`
	ClientID                  string  `yaml:"client_id"`
	Historians                string  `yaml:"historians"`
}

type DLQConfig struct {
	TTLSeconds       int `yaml:"ttl_seconds"`
	AlertThreshold   int `yaml:"alert_threshold"`
	ReplayBatchSize  int `yaml:"replay_batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads configFile (if non-empty), applies defaults, then
// environment-variable overrides, then validates the result. Following
// the teacher's precedence order: file → defaults → env → validate.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, cfg); err != nil {
			fmt.Printf("Warning: failed to load config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("Loaded configuration from file: %s\n", configFile)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.TopicFilter == "" {
		cfg.Broker.TopicFilter = "spBv1.0/#"
	}

	if cfg.Ingest.AliasCachePath == "" {
		cfg.Ingest.AliasCachePath = "/var/lib/canary-sync/alias_cache.json"
	}
	if cfg.Ingest.RebirthCooldownSeconds == 0 {
		cfg.Ingest.RebirthCooldownSeconds = 300
	}
	if cfg.Ingest.QueueDepth == 0 {
		cfg.Ingest.QueueDepth = 10000
	}

	if cfg.DB.PublicationName == "" {
		cfg.DB.PublicationName = "canary_sync"
	}
	if cfg.DB.SlotName == "" {
		cfg.DB.SlotName = "canary_sync_slot"
	}
	if cfg.DBMode == "" {
		cfg.DBMode = "local"
	}

	if cfg.CDC.WindowSeconds == 0 {
		cfg.CDC.WindowSeconds = 180
	}
	if cfg.CDC.FlushIntervalSeconds == 0 {
		cfg.CDC.FlushIntervalSeconds = 30
	}
	if cfg.CDC.BufferCap == 0 {
		cfg.CDC.BufferCap = 50000
	}
	if cfg.CDC.IdleSleepSeconds == 0 {
		cfg.CDC.IdleSleepSeconds = 1
	}
	if cfg.CDC.MaxBatchMessages == 0 {
		cfg.CDC.MaxBatchMessages = 500
	}
	if cfg.CDC.CheckpointBackend == "" {
		cfg.CDC.CheckpointBackend = "file"
	}
	if cfg.CDC.ResumePath == "" {
		cfg.CDC.ResumePath = "/var/lib/canary-sync/resume.json"
	}

	if cfg.Egress.RateLimitRPS == 0 {
		cfg.Egress.RateLimitRPS = 50
	}
	if cfg.Egress.QueueCapacity == 0 {
		cfg.Egress.QueueCapacity = 10000
	}
	if cfg.Egress.MaxBatchTags == 0 {
		cfg.Egress.MaxBatchTags = 500
	}
	if cfg.Egress.MaxPayloadBytes == 0 {
		cfg.Egress.MaxPayloadBytes = 1 << 20
	}
	if cfg.Egress.RequestTimeoutSeconds == 0 {
		cfg.Egress.RequestTimeoutSeconds = 10
	}
	if cfg.Egress.RetryAttempts == 0 {
		cfg.Egress.RetryAttempts = 6
	}
	if cfg.Egress.RetryBaseDelay == 0 {
		cfg.Egress.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Egress.RetryMaxDelay == 0 {
		cfg.Egress.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Egress.CircuitConsecutiveFailures == 0 {
		cfg.Egress.CircuitConsecutiveFailures = 5
	}
	if cfg.Egress.CircuitResetSeconds == 0 {
		cfg.Egress.CircuitResetSeconds = 30
	}
	if cfg.Egress.SessionTimeoutMS == 0 {
		cfg.Egress.SessionTimeoutMS = 10000
	}
	if cfg.Egress.KeepaliveIdleSeconds == 0 {
		cfg.Egress.KeepaliveIdleSeconds = 300
	}
	if cfg.Egress.KeepaliveJitterSeconds == 0 {
		cfg.Egress.KeepaliveJitterSeconds = 30
	}
	if cfg.Egress.DatasetPrefix == "" {
		cfg.Egress.DatasetPrefix = "Canary"
	}
	if cfg.Egress.WritePath == "" {
		cfg.Egress.WritePath = "/api/v2/historian/properties"
	}
	if cfg.Egress.ClientID == "" {
		cfg.Egress.ClientID = "canary-sync"
	}
	if cfg.Egress.Compression == "" {
		cfg.Egress.Compression = "none"
	}

	if cfg.DLQ.TTLSeconds == 0 {
		cfg.DLQ.TTLSeconds = 7 * 24 * 3600
	}
	if cfg.DLQ.AlertThreshold == 0 {
		cfg.DLQ.AlertThreshold = 1000
	}
	if cfg.DLQ.ReplayBatchSize == 0 {
		cfg.DLQ.ReplayBatchSize = 200
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.Broker.Host = getEnvString("CANARY_BROKER_HOST", cfg.Broker.Host)
	cfg.Broker.Port = getEnvInt("CANARY_BROKER_PORT", cfg.Broker.Port)
	cfg.Broker.User = getEnvString("CANARY_BROKER_USER", cfg.Broker.User)
	cfg.Broker.Password = getEnvString("CANARY_BROKER_PASSWORD", cfg.Broker.Password)
	cfg.Broker.TopicFilter = getEnvString("CANARY_BROKER_TOPIC_FILTER", cfg.Broker.TopicFilter)
	cfg.Broker.TLSCA = getEnvString("CANARY_BROKER_TLS_CA", cfg.Broker.TLSCA)

	cfg.Ingest.AliasCachePath = getEnvString("CANARY_INGEST_ALIAS_CACHE_PATH", cfg.Ingest.AliasCachePath)
	cfg.Ingest.RebirthCooldownSeconds = getEnvInt("CANARY_INGEST_REBIRTH_COOLDOWN_SECONDS", cfg.Ingest.RebirthCooldownSeconds)
	cfg.Ingest.QueueDepth = getEnvInt("CANARY_INGEST_QUEUE_DEPTH", cfg.Ingest.QueueDepth)
	cfg.Ingest.ClassificationPath = getEnvString("CANARY_INGEST_CLASSIFICATION_PATH", cfg.Ingest.ClassificationPath)

	cfg.DB.ConnInfo = getEnvString("CANARY_DB_CONNINFO", cfg.DB.ConnInfo)
	cfg.DB.AppUser = getEnvString("CANARY_DB_APP_USER", cfg.DB.AppUser)
	cfg.DB.CDCUser = getEnvString("CANARY_DB_CDC_USER", cfg.DB.CDCUser)
	cfg.DB.PublicationName = getEnvString("CANARY_DB_PUBLICATION_NAME", cfg.DB.PublicationName)
	cfg.DB.SlotName = getEnvString("CANARY_DB_SLOT_NAME", cfg.DB.SlotName)
	cfg.DBMode = getEnvString("CANARY_DB_MODE", cfg.DBMode)

	cfg.CDC.WindowSeconds = getEnvInt("CANARY_CDC_WINDOW_SECONDS", cfg.CDC.WindowSeconds)
	cfg.CDC.FlushIntervalSeconds = getEnvInt("CANARY_CDC_FLUSH_INTERVAL_SECONDS", cfg.CDC.FlushIntervalSeconds)
	cfg.CDC.BufferCap = getEnvInt("CANARY_CDC_BUFFER_CAP", cfg.CDC.BufferCap)
	cfg.CDC.IdleSleepSeconds = getEnvInt("CANARY_CDC_IDLE_SLEEP_SECONDS", cfg.CDC.IdleSleepSeconds)
	cfg.CDC.MaxBatchMessages = getEnvInt("CANARY_CDC_MAX_BATCH_MESSAGES", cfg.CDC.MaxBatchMessages)
	cfg.CDC.CheckpointBackend = getEnvString("CANARY_CDC_CHECKPOINT_BACKEND", cfg.CDC.CheckpointBackend)
	cfg.CDC.ResumePath = getEnvString("CANARY_CDC_RESUME_PATH", cfg.CDC.ResumePath)
	cfg.CDC.ResumeFsync = getEnvBool("CANARY_CDC_RESUME_FSYNC", cfg.CDC.ResumeFsync)

	cfg.Egress.HistorianBaseURL = getEnvString("CANARY_EGRESS_HISTORIAN_BASE_URL", cfg.Egress.HistorianBaseURL)
	cfg.Egress.RateLimitRPS = getEnvFloat("CANARY_EGRESS_RATE_LIMIT_RPS", cfg.Egress.RateLimitRPS)
	cfg.Egress.QueueCapacity = getEnvInt("CANARY_EGRESS_QUEUE_CAPACITY", cfg.Egress.QueueCapacity)
	cfg.Egress.MaxBatchTags = getEnvInt("CANARY_EGRESS_MAX_BATCH_TAGS", cfg.Egress.MaxBatchTags)
	cfg.Egress.MaxPayloadBytes = getEnvInt("CANARY_EGRESS_MAX_PAYLOAD_BYTES", cfg.Egress.MaxPayloadBytes)
	cfg.Egress.RequestTimeoutSeconds = getEnvInt("CANARY_EGRESS_REQUEST_TIMEOUT_SECONDS", cfg.Egress.RequestTimeoutSeconds)
	cfg.Egress.RetryAttempts = getEnvInt("CANARY_EGRESS_RETRY_ATTEMPTS", cfg.Egress.RetryAttempts)
	cfg.Egress.RetryBaseDelay = getEnvDuration("CANARY_EGRESS_RETRY_BASE_DELAY", cfg.Egress.RetryBaseDelay)
	cfg.Egress.RetryMaxDelay = getEnvDuration("CANARY_EGRESS_RETRY_MAX_DELAY", cfg.Egress.RetryMaxDelay)
	cfg.Egress.CircuitConsecutiveFailures = getEnvInt("CANARY_EGRESS_CIRCUIT_CONSECUTIVE_FAILURES", cfg.Egress.CircuitConsecutiveFailures)
	cfg.Egress.CircuitResetSeconds = getEnvInt("CANARY_EGRESS_CIRCUIT_RESET_SECONDS", cfg.Egress.CircuitResetSeconds)
	cfg.Egress.SessionTimeoutMS = getEnvInt("CANARY_EGRESS_SESSION_TIMEOUT_MS", cfg.Egress.SessionTimeoutMS)
	cfg.Egress.KeepaliveIdleSeconds = getEnvInt("CANARY_EGRESS_KEEPALIVE_IDLE_SECONDS", cfg.Egress.KeepaliveIdleSeconds)
	cfg.Egress.KeepaliveJitterSeconds = getEnvInt("CANARY_EGRESS_KEEPALIVE_JITTER_SECONDS", cfg.Egress.KeepaliveJitterSeconds)
	cfg.Egress.DatasetPrefix = getEnvString("CANARY_EGRESS_DATASET_PREFIX", cfg.Egress.DatasetPrefix)
	cfg.Egress.DatasetOverride = getEnvString("CANARY_EGRESS_DATASET_OVERRIDE", cfg.Egress.DatasetOverride)
	cfg.Egress.AutoCreateDatasets = getEnvBool("CANARY_EGRESS_AUTO_CREATE_DATASETS", cfg.Egress.AutoCreateDatasets)
	cfg.Egress.WritePath = getEnvString("CANARY_EGRESS_WRITE_PATH", cfg.Egress.WritePath)
	cfg.Egress.Compression = getEnvString("CANARY_EGRESS_COMPRESSION", cfg.Egress.Compression)
	cfg.Egress.APIToken = getEnvString("CANARY_EGRESS_API_TOKEN", cfg.Egress.APIToken)
	cfg.Egress.ClientID = getEnvString("CANARY_EGRESS_CLIENT_ID", cfg.Egress.ClientID)
	cfg.Egress.Historians = getEnvString("CANARY_EGRESS_HISTORIANS", cfg.Egress.Historians)

	cfg.DLQ.TTLSeconds = getEnvInt("CANARY_DLQ_TTL_SECONDS", cfg.DLQ.TTLSeconds)
	cfg.DLQ.AlertThreshold = getEnvInt("CANARY_DLQ_ALERT_THRESHOLD", cfg.DLQ.AlertThreshold)
	cfg.DLQ.ReplayBatchSize = getEnvInt("CANARY_DLQ_REPLAY_BATCH_SIZE", cfg.DLQ.ReplayBatchSize)

	cfg.Log.Level = getEnvString("CANARY_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("CANARY_LOG_FORMAT", cfg.Log.Format)

	cfg.Metrics.ListenAddr = getEnvString("CANARY_METRICS_LISTEN_ADDR", cfg.Metrics.ListenAddr)
	cfg.Tracing.Exporter = getEnvString("CANARY_TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = getEnvString("CANARY_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate hard-fails startup on configuration combinations §6/§9 rule
// out.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.DBMode != "local" && cfg.DBMode != "mock" {
		problems = append(problems, fmt.Sprintf("db_mode must be 'local' or 'mock', got %q", cfg.DBMode))
	}
	if cfg.DBMode == "local" && cfg.DB.ConnInfo == "" {
		problems = append(problems, "db.conninfo is required when db_mode=local")
	}

	if cfg.CDC.CheckpointBackend != "file" && cfg.CDC.CheckpointBackend != "memory" {
		problems = append(problems, fmt.Sprintf("cdc.checkpoint_backend must be 'file' or 'memory', got %q", cfg.CDC.CheckpointBackend))
	}

	if cfg.Egress.Compression != "none" && cfg.Egress.Compression != "zstd" {
		problems = append(problems, fmt.Sprintf("egress.compression must be 'none' or 'zstd', got %q", cfg.Egress.Compression))
	}

	if cfg.Egress.DatasetOverride == "" && cfg.Egress.DatasetPrefix == "" {
		problems = append(problems, "egress.dataset_prefix is required unless egress.dataset_override is set")
	}
	if cfg.Egress.AutoCreateDatasets && cfg.Egress.DatasetOverride == "" {
		problems = append(problems, "egress.auto_create_datasets requires egress.dataset_override (validation-run only feature)")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be 'text' or 'json', got %q", cfg.Log.Format))
	}

	if cfg.Tracing.Exporter != "none" && cfg.Tracing.Exporter != "otlp" && cfg.Tracing.Exporter != "jaeger" {
		problems = append(problems, fmt.Sprintf("tracing.exporter must be 'none', 'otlp' or 'jaeger', got %q", cfg.Tracing.Exporter))
	}
	if (cfg.Tracing.Exporter == "otlp" || cfg.Tracing.Exporter == "jaeger") && cfg.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required when tracing.exporter is not 'none'")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
