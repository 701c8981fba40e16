package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"

	SourceFile = "file"
	SourceHTTP = "http"
	SourceS3   = "s3"
)

// MinSigningKeyBytes is the shortest session signing key accepted in
// production.
const MinSigningKeyBytes = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	ReferenceSource   string `mapstructure:"REFERENCE_SOURCE"`
	ReferencePath     string `mapstructure:"REFERENCE_PATH"`
	ReferenceURL      string `mapstructure:"REFERENCE_URL"`
	ReferenceS3Bucket string `mapstructure:"REFERENCE_S3_BUCKET"`
	ReferenceS3Key    string `mapstructure:"REFERENCE_S3_KEY"`

	EventLogBackend string `mapstructure:"EVENTLOG_BACKEND"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	BadgerPath      string `mapstructure:"BADGER_PATH"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	SMSAPIURL        string        `mapstructure:"SMS_API_URL"`
	SMSAPIKey        string        `mapstructure:"SMS_API_KEY"`
	SMSTimeout       time.Duration `mapstructure:"SMS_TIMEOUT"`
	ReminderSchedule string        `mapstructure:"REMINDER_SCHEDULE"`

	MLAPIURL     string        `mapstructure:"ML_API_URL"`
	MLAPITimeout time.Duration `mapstructure:"ML_API_TIMEOUT"`

	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"REFERENCE_SOURCE", "REFERENCE_PATH", "REFERENCE_URL", "REFERENCE_S3_BUCKET", "REFERENCE_S3_KEY",
	"EVENTLOG_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "BADGER_PATH",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"SMS_API_URL", "SMS_API_KEY", "SMS_TIMEOUT", "REMINDER_SCHEDULE",
	"ML_API_URL", "ML_API_TIMEOUT",
	"SESSION_SIGNING_KEY", "SESSION_TTL", "REQUEST_TIMEOUT", "CORS_ORIGINS",
}

// Load reads an optional .env file and the environment. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REFERENCE_SOURCE", SourceFile)
	v.SetDefault("REFERENCE_PATH", "data/reference.json")
	v.SetDefault("EVENTLOG_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("BADGER_PATH", "data/eventlog")
	v.SetDefault("KAFKA_TOPIC", "healthalert.mutations")
	v.SetDefault("KAFKA_GROUP_ID", "healthalert")
	v.SetDefault("SMS_TIMEOUT", "10s")
	v.SetDefault("REMINDER_SCHEDULE", "0 18 * * *")
	v.SetDefault("ML_API_TIMEOUT", "15s")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.EventLogBackend = strings.ToLower(strings.TrimSpace(cfg.EventLogBackend))
	cfg.ReferenceSource = strings.ToLower(strings.TrimSpace(cfg.ReferenceSource))
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether mutation events fan out across replicas.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.EventLogBackend {
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("EVENTLOG_BACKEND %q loses data on restart and is not allowed in production", c.EventLogBackend)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENTLOG_BACKEND is %q", c.EventLogBackend)
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when EVENTLOG_BACKEND is %q", c.EventLogBackend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when EVENTLOG_BACKEND is %q", c.EventLogBackend)
		}
	default:
		return fmt.Errorf("EVENTLOG_BACKEND must be memory, redis, badger or postgres, got %q", c.EventLogBackend)
	}

	switch c.ReferenceSource {
	case SourceFile:
		if c.ReferencePath == "" {
			return fmt.Errorf("REFERENCE_PATH is required when REFERENCE_SOURCE is %q", c.ReferenceSource)
		}
	case SourceHTTP:
		if c.ReferenceURL == "" {
			return fmt.Errorf("REFERENCE_URL is required when REFERENCE_SOURCE is %q", c.ReferenceSource)
		}
	case SourceS3:
		if c.ReferenceS3Bucket == "" || c.ReferenceS3Key == "" {
			return fmt.Errorf("REFERENCE_S3_BUCKET and REFERENCE_S3_KEY are required when REFERENCE_SOURCE is %q", c.ReferenceSource)
		}
	default:
		return fmt.Errorf("REFERENCE_SOURCE must be file, http or s3, got %q", c.ReferenceSource)
	}

	if c.IsProduction() && len(c.SessionSigningKey) < MinSigningKeyBytes {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least %d bytes in production, got %d", MinSigningKeyBytes, len(c.SessionSigningKey))
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
