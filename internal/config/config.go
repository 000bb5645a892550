// Package config assembles the Kestrel configuration from defaults, an
// optional config file and KESTREL_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable Kestrel reads.
const EnvPrefix = "KESTREL_"

// Load reads configuration in order of increasing precedence: tier defaults,
// the file named by KESTREL_CONFIG, then KESTREL_* variables. A .env file in
// the working directory is loaded first if present.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if domain.Tier(getEnv("TIER", "")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path := getEnv("CONFIG", ""); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a TOML or YAML file over cfg. Keys absent from the file
// keep their current values.
func LoadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnv overrides cfg with any KESTREL_* variables that are set.
func ApplyEnv(cfg *domain.Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := getEnv(key, ""); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getEnv(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getEnv(key, ""); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = b
		}
	}

	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	flag("DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	num("REDIS_DB", &cfg.Cache.RedisDB)

	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)

	str("TIMEZONE", &cfg.Engine.Timezone)
	str("THRESHOLD_SEED", &cfg.Engine.ThresholdSeedPath)
	num("DETECTOR_TIMEOUT", &cfg.Engine.DetectorTimeout)
	if v := getEnv("IDENTITY_FIELDS", ""); v != "" {
		var fields []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		cfg.Engine.IdentityFields = fields
	}

	flag("WORKER_ENABLED", &cfg.Worker.Enabled)
	num("WORKER_COUNT", &cfg.Worker.WorkerCount)

	flag("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Validate checks settings that would otherwise fail late at startup.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
		return fmt.Errorf("engine timezone: %w", err)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}
	if len(cfg.Engine.IdentityFields) == 0 {
		return fmt.Errorf("at least one identity field is required")
	}
	if cfg.Worker.WorkerCount < 0 {
		return fmt.Errorf("worker count must be >= 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}
