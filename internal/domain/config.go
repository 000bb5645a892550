package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" toml:"tier" yaml:"tier"`

	// Scoring engine settings
	Engine EngineConfig `json:"engine" toml:"engine" yaml:"engine"`

	// Async worker settings
	Worker WorkerConfig `json:"worker" toml:"worker" yaml:"worker"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" toml:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" toml:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" toml:"event_bus" yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" toml:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" toml:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" toml:"host" yaml:"host"`
	Port         int    `json:"port" toml:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" toml:"read_timeout" yaml:"read_timeout"`    // seconds
	WriteTimeout int    `json:"writeTimeout" toml:"write_timeout" yaml:"write_timeout"` // seconds
}

// EngineConfig holds scoring engine settings that are deployment facts, not thresholds.
type EngineConfig struct {
	// Timezone is the IANA zone submissions are localized to for timing rules.
	Timezone string `json:"timezone" toml:"timezone" yaml:"timezone"`

	// IdentityFields are the identity keys considered by duplicate detection.
	IdentityFields []string `json:"identityFields" toml:"identity_fields" yaml:"identity_fields"`

	// ThresholdSeedPath overrides the embedded default seed (.toml, .yaml, .yml).
	ThresholdSeedPath string `json:"thresholdSeedPath" toml:"threshold_seed_path" yaml:"threshold_seed_path"`

	// SnapshotTTL is how long the active threshold snapshot stays cached (seconds).
	SnapshotTTL int `json:"snapshotTtl" toml:"snapshot_ttl" yaml:"snapshot_ttl"`

	// FormStatsRefresh is the form-duration aggregate refresh interval (seconds).
	FormStatsRefresh int `json:"formStatsRefresh" toml:"form_stats_refresh" yaml:"form_stats_refresh"`

	// FormStatsSampleLimit caps the durations loaded per form.
	FormStatsSampleLimit int `json:"formStatsSampleLimit" toml:"form_stats_sample_limit" yaml:"form_stats_sample_limit"`

	// DetectorTimeout bounds one detector run (seconds).
	DetectorTimeout int `json:"detectorTimeout" toml:"detector_timeout" yaml:"detector_timeout"`
}

// WorkerConfig holds async evaluation settings.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" toml:"enabled" yaml:"enabled"`
	WorkerCount int  `json:"workerCount" toml:"worker_count" yaml:"worker_count"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" toml:"level" yaml:"level"`    // debug, info, warn, error
	Format string `json:"format" toml:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled        bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	ServiceName    string `json:"serviceName" toml:"service_name" yaml:"service_name"`
	ServiceVersion string `json:"serviceVersion" toml:"service_version" yaml:"service_version"`
	Endpoint       string `json:"endpoint" toml:"endpoint" yaml:"endpoint"` // OTLP gRPC host:port
	Insecure       bool   `json:"insecure" toml:"insecure" yaml:"insecure"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			Timezone:             "Africa/Lagos",
			IdentityFields:       []string{"full_name", "national_id", "phone", "date_of_birth"},
			SnapshotTTL:          300,
			FormStatsRefresh:     600,
			FormStatsSampleLimit: 5000,
			DetectorTimeout:      10,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			WorkerCount: 5,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "kestrel",
			ServiceVersion: "dev",
			Insecure:       true,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
