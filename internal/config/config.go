package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the campaign substrate server.
type Config struct {
	Port      int
	Version   string
	APIKeys   []string
	Storage   StorageConfig
	Context   ContextConfig
	Bus       BusConfig
	Pipeline  PipelineConfig
	Breaker   BreakerConfig
	Quota     QuotaConfig
	Providers ProvidersConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

type StorageConfig struct {
	// Backend is one of memory, file, badger, redis.
	Backend       string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

type ContextConfig struct {
	CacheSize         int
	CacheTTL          time.Duration
	MaxUpdateAttempts int
}

type BusConfig struct {
	HistorySize   int
	QueueGrace    time.Duration
	MaxQueueDepth int
}

type PipelineConfig struct {
	Workers         int
	MaxRetries      int
	ProviderTimeout time.Duration
	RetryDelay      time.Duration
	ResultCacheTTL  time.Duration
	ImageEstimate   time.Duration
	VideoEstimate   time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type QuotaConfig struct {
	DailyLimit int
	UnitCost   float64
}

// ProvidersConfig points the pipeline at HTTP generation endpoints. An
// empty endpoint leaves that kind without a dedicated provider.
type ProvidersConfig struct {
	ImageEndpoint    string
	VideoEndpoint    string
	FallbackEndpoint string
	APIKey           string
}

type RetentionConfig struct {
	Enabled      bool
	Interval     time.Duration
	JobRetention time.Duration

	// ArchiveDir receives retired jobs as JSONL. Empty purges without
	// archiving.
	ArchiveDir      string
	ArchiveCompress bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("CAMPAIGN_PORT", 8080),
		Version: envStr("CAMPAIGN_VERSION", "0.1.0"),
		APIKeys: envList("CAMPAIGN_API_KEYS"),
		Storage: StorageConfig{
			Backend:       envStr("CAMPAIGN_STORAGE_BACKEND", "file"),
			DataDir:       envStr("CAMPAIGN_DATA_DIR", ""),
			RedisAddr:     envStr("CAMPAIGN_REDIS_ADDR", "localhost:6379"),
			RedisPassword: envStr("CAMPAIGN_REDIS_PASSWORD", ""),
			RedisDB:       envInt("CAMPAIGN_REDIS_DB", 0),
			KeyPrefix:     envStr("CAMPAIGN_REDIS_KEY_PREFIX", "campaign-substrate:"),
		},
		Context: ContextConfig{
			CacheSize:         envInt("CAMPAIGN_CONTEXT_CACHE_SIZE", 256),
			CacheTTL:          envDuration("CAMPAIGN_CONTEXT_CACHE_TTL", 30*time.Minute),
			MaxUpdateAttempts: envInt("CAMPAIGN_CONTEXT_UPDATE_ATTEMPTS", 5),
		},
		Bus: BusConfig{
			HistorySize:   envInt("CAMPAIGN_BUS_HISTORY_SIZE", 1000),
			QueueGrace:    envDuration("CAMPAIGN_BUS_QUEUE_GRACE", 100*time.Millisecond),
			MaxQueueDepth: envInt("CAMPAIGN_BUS_MAX_QUEUE_DEPTH", 1000),
		},
		Pipeline: PipelineConfig{
			Workers:         envInt("CAMPAIGN_PIPELINE_WORKERS", 3),
			MaxRetries:      envInt("CAMPAIGN_PIPELINE_MAX_RETRIES", 3),
			ProviderTimeout: envDuration("CAMPAIGN_PROVIDER_TIMEOUT", 5*time.Minute),
			RetryDelay:      envDuration("CAMPAIGN_PIPELINE_RETRY_DELAY", 2*time.Second),
			ResultCacheTTL:  envDuration("CAMPAIGN_RESULT_CACHE_TTL", 24*time.Hour),
			ImageEstimate:   envDuration("CAMPAIGN_IMAGE_ESTIMATE", 30*time.Second),
			VideoEstimate:   envDuration("CAMPAIGN_VIDEO_ESTIMATE", 3*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("CAMPAIGN_BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  envDuration("CAMPAIGN_BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},
		Quota: QuotaConfig{
			DailyLimit: envInt("CAMPAIGN_QUOTA_DAILY_LIMIT", 100),
			UnitCost:   envFloat("CAMPAIGN_QUOTA_UNIT_COST", 0.04),
		},
		Providers: ProvidersConfig{
			ImageEndpoint:    envStr("CAMPAIGN_IMAGE_PROVIDER_URL", ""),
			VideoEndpoint:    envStr("CAMPAIGN_VIDEO_PROVIDER_URL", ""),
			FallbackEndpoint: envStr("CAMPAIGN_FALLBACK_PROVIDER_URL", ""),
			APIKey:           envStr("CAMPAIGN_PROVIDER_API_KEY", ""),
		},
		Retention: RetentionConfig{
			Enabled:         envBool("CAMPAIGN_RETENTION_ENABLED", true),
			Interval:        envDuration("CAMPAIGN_RETENTION_INTERVAL", 5*time.Minute),
			JobRetention:    envDuration("CAMPAIGN_JOB_RETENTION", 24*time.Hour),
			ArchiveDir:      envStr("CAMPAIGN_ARCHIVE_DIR", ""),
			ArchiveCompress: envBool("CAMPAIGN_ARCHIVE_COMPRESS", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "campaign-substrate"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "5m").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
