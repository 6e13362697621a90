package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SYLLABUS"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "syllabus.db"
	defaultIdentityAudience    = "authenticated"
	defaultSyncMaxAttempts     = 3
	defaultSyncConflictBackoff = 50 * time.Millisecond
	defaultSyncRetryBackoff    = 100 * time.Millisecond
	defaultUsernameMaxAttempts = 50
	defaultLocksBackend        = "local"
	defaultRedisLockTTL        = 10 * time.Second
	defaultRedisRetryInterval  = 25 * time.Millisecond
	defaultTracingSampleRatio  = 1.0
)

var defaultInstructorEmailMarkers = []string{"admin", "edu", "training"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string `validate:"required"`
	LogLevel    string `validate:"required,oneof=debug info warn warning error"`
	LogFormat   string `validate:"required,oneof=json console"`

	DatabaseDriver string `validate:"required,oneof=sqlite postgres"`
	DatabasePath   string `validate:"required_if=DatabaseDriver sqlite"`
	DatabaseDSN    string `validate:"required_if=DatabaseDriver postgres"`

	IdentityIssuer         string `validate:"required"`
	IdentityAudience       string `validate:"required"`
	IdentityServiceSecret  string
	InstructorEmailMarkers []string

	SyncMaxAttempts     int           `validate:"gte=1,lte=10"`
	SyncConflictBackoff time.Duration `validate:"gte=0"`
	SyncRetryBackoff    time.Duration `validate:"gte=0"`
	UsernameMaxAttempts int           `validate:"gte=1"`

	LocksBackend            string        `validate:"required,oneof=local redis"`
	LocksRedisAddress       string        `validate:"required_if=LocksBackend redis"`
	LocksRedisTTL           time.Duration `validate:"gt=0"`
	LocksRedisRetryInterval time.Duration `validate:"gt=0"`

	MetricsEnabled bool

	TracingEndpoint    string
	TracingInsecure    bool
	TracingSampleRatio float64 `validate:"gte=0,lte=1"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("identity.audience", defaultIdentityAudience)
	configViper.SetDefault("identity.instructor_email_markers", defaultInstructorEmailMarkers)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("sync.conflict_backoff", defaultSyncConflictBackoff)
	configViper.SetDefault("sync.retry_backoff", defaultSyncRetryBackoff)
	configViper.SetDefault("sync.username_max_attempts", defaultUsernameMaxAttempts)
	configViper.SetDefault("locks.backend", defaultLocksBackend)
	configViper.SetDefault("locks.redis_ttl", defaultRedisLockTTL)
	configViper.SetDefault("locks.redis_retry_interval", defaultRedisRetryInterval)
	configViper.SetDefault("metrics.enabled", true)
	configViper.SetDefault("tracing.sample_ratio", defaultTracingSampleRatio)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:   strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),

		IdentityIssuer:         strings.TrimSpace(configViper.GetString("identity.issuer")),
		IdentityAudience:       strings.TrimSpace(configViper.GetString("identity.audience")),
		IdentityServiceSecret:  configViper.GetString("identity.service_secret"),
		InstructorEmailMarkers: splitList(configViper.GetStringSlice("identity.instructor_email_markers")),

		SyncMaxAttempts:     configViper.GetInt("sync.max_attempts"),
		SyncConflictBackoff: configViper.GetDuration("sync.conflict_backoff"),
		SyncRetryBackoff:    configViper.GetDuration("sync.retry_backoff"),
		UsernameMaxAttempts: configViper.GetInt("sync.username_max_attempts"),

		LocksBackend:            strings.ToLower(strings.TrimSpace(configViper.GetString("locks.backend"))),
		LocksRedisAddress:       strings.TrimSpace(configViper.GetString("locks.redis_address")),
		LocksRedisTTL:           configViper.GetDuration("locks.redis_ttl"),
		LocksRedisRetryInterval: configViper.GetDuration("locks.redis_retry_interval"),

		MetricsEnabled: configViper.GetBool("metrics.enabled"),

		TracingEndpoint:    strings.TrimSpace(configViper.GetString("tracing.otlp_endpoint")),
		TracingInsecure:    configViper.GetBool("tracing.insecure"),
		TracingSampleRatio: configViper.GetFloat64("tracing.sample_ratio"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func (c AppConfig) validate() error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", configKeys[fieldErr.Field()], fieldErr.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

var configKeys = map[string]string{
	"HTTPAddress":             "http.address",
	"LogLevel":                "log.level",
	"LogFormat":               "log.format",
	"DatabaseDriver":          "database.driver",
	"DatabasePath":            "database.path",
	"DatabaseDSN":             "database.dsn",
	"IdentityIssuer":          "identity.issuer",
	"IdentityAudience":        "identity.audience",
	"SyncMaxAttempts":         "sync.max_attempts",
	"SyncConflictBackoff":     "sync.conflict_backoff",
	"SyncRetryBackoff":        "sync.retry_backoff",
	"UsernameMaxAttempts":     "sync.username_max_attempts",
	"LocksBackend":            "locks.backend",
	"LocksRedisAddress":       "locks.redis_address",
	"LocksRedisTTL":           "locks.redis_ttl",
	"LocksRedisRetryInterval": "locks.redis_retry_interval",
	"TracingSampleRatio":      "tracing.sample_ratio",
}

// splitList accepts both real lists and a single comma-separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
