/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @notes
 * - Config is loaded before the logger exists, so problems with individual values are
 *   collected in Warnings and logged by the caller once logging is up.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: parses amounts given in pounds.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultEventExchange         = "security.events"
	defaultCaptureExchange       = "payments.events"
	defaultCaptureQueue          = "security_service.captures"
	defaultTimeZone              = "Europe/London"
	defaultAggregateBatchSize    = 200
	defaultAggregateSchedule     = "*/10 * * * *"
	defaultCurrentPrisonSchedule = "5 * * * *"
	defaultTotalsSchedule        = "30 3 * * *"
	defaultJobLockTTLSeconds     = 900
	defaultOutboxPollIntervalMS  = 1200
	defaultJobLockPrefix         = "security:job_lock"
)

// Config holds all the configuration variables for the security service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	ApplySchema              bool   `mapstructure:"APPLY_SCHEMA"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventExchange            string `mapstructure:"EVENT_EXCHANGE"`
	CaptureEventExchange     string `mapstructure:"CAPTURE_EVENT_EXCHANGE"`
	CaptureEventQueue        string `mapstructure:"CAPTURE_EVENT_QUEUE"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	JobLockPrefix            string `mapstructure:"JOB_LOCK_PREFIX"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	JWTAudience              string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TimeZone                 string `mapstructure:"TIME_ZONE"`
	RulesFile                string `mapstructure:"RULES_FILE"`
	HighAmountLimit          int64  `mapstructure:"HIGH_AMOUNT_LIMIT"`
	AggregateBatchSize       int    `mapstructure:"AGGREGATE_BATCH_SIZE"`
	AggregateJobSchedule     string `mapstructure:"AGGREGATE_JOB_SCHEDULE"`
	CurrentPrisonJobSchedule string `mapstructure:"CURRENT_PRISON_JOB_SCHEDULE"`
	TotalsJobSchedule        string `mapstructure:"TOTALS_JOB_SCHEDULE"`
	JobLockTTLSeconds        int    `mapstructure:"JOB_LOCK_TTL_SECONDS"`
	OutboxPollIntervalMS     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	LogFormat                string `mapstructure:"LOG_FORMAT"`

	// Location is TimeZone resolved; counting windows start at its midnight.
	Location *time.Location `mapstructure:"-"`
	// Warnings lists values that were invalid and replaced by defaults.
	Warnings []string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APPLY_SCHEMA", false)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("CAPTURE_EVENT_EXCHANGE", defaultCaptureExchange)
	viper.SetDefault("CAPTURE_EVENT_QUEUE", defaultCaptureQueue)
	viper.SetDefault("JOB_LOCK_PREFIX", defaultJobLockPrefix)
	viper.SetDefault("TIME_ZONE", defaultTimeZone)
	viper.SetDefault("HIGH_AMOUNT_LIMIT", 0)
	viper.SetDefault("AGGREGATE_BATCH_SIZE", defaultAggregateBatchSize)
	viper.SetDefault("AGGREGATE_JOB_SCHEDULE", defaultAggregateSchedule)
	viper.SetDefault("CURRENT_PRISON_JOB_SCHEDULE", defaultCurrentPrisonSchedule)
	viper.SetDefault("TOTALS_JOB_SCHEDULE", defaultTotalsSchedule)
	viper.SetDefault("JOB_LOCK_TTL_SECONDS", defaultJobLockTTLSeconds)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMS)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("APPLY_SCHEMA")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("CAPTURE_EVENT_EXCHANGE")
	_ = viper.BindEnv("CAPTURE_EVENT_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SECURITY_REDIS_URL")
	_ = viper.BindEnv("JOB_LOCK_PREFIX")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SECURITY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TIME_ZONE")
	_ = viper.BindEnv("RULES_FILE")
	_ = viper.BindEnv("HIGH_AMOUNT_LIMIT")
	_ = viper.BindEnv("HIGH_AMOUNT_LIMIT_POUNDS")
	_ = viper.BindEnv("AGGREGATE_BATCH_SIZE")
	_ = viper.BindEnv("AGGREGATE_JOB_SCHEDULE")
	_ = viper.BindEnv("CURRENT_PRISON_JOB_SCHEDULE")
	_ = viper.BindEnv("TOTALS_JOB_SCHEDULE")
	_ = viper.BindEnv("JOB_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			warn("failed to read config file; using environment values: %v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SECURITY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.JobLockPrefix = strings.TrimSpace(config.JobLockPrefix)
	if config.JobLockPrefix == "" {
		config.JobLockPrefix = defaultJobLockPrefix
	}

	// Allow specifying the high amount limit in pounds via HIGH_AMOUNT_LIMIT_POUNDS.
	if viper.IsSet("HIGH_AMOUNT_LIMIT_POUNDS") {
		poundsStr := strings.TrimSpace(viper.GetString("HIGH_AMOUNT_LIMIT_POUNDS"))
		if poundsStr != "" {
			pounds, parseErr := decimal.NewFromString(poundsStr)
			if parseErr != nil {
				warn("invalid HIGH_AMOUNT_LIMIT_POUNDS %q: %v", poundsStr, parseErr)
			} else {
				config.HighAmountLimit = pounds.Shift(2).Round(0).IntPart()
			}
		}
	}
	if config.HighAmountLimit < 0 {
		warn("negative high amount limit %d; using catalogue limits", config.HighAmountLimit)
		config.HighAmountLimit = 0
	}

	location, locErr := time.LoadLocation(config.TimeZone)
	if locErr != nil {
		warn("invalid TIME_ZONE %q; using %s: %v", config.TimeZone, defaultTimeZone, locErr)
		config.TimeZone = defaultTimeZone
		location, locErr = time.LoadLocation(defaultTimeZone)
		if locErr != nil {
			location = time.UTC
		}
	}
	config.Location = location

	if config.AggregateBatchSize <= 0 {
		warn("invalid AGGREGATE_BATCH_SIZE %d; using %d", config.AggregateBatchSize, defaultAggregateBatchSize)
		config.AggregateBatchSize = defaultAggregateBatchSize
	}
	if config.JobLockTTLSeconds <= 0 {
		config.JobLockTTLSeconds = defaultJobLockTTLSeconds
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = defaultOutboxPollIntervalMS
	}

	config.AggregateJobSchedule = validSchedule("AGGREGATE_JOB_SCHEDULE", config.AggregateJobSchedule, defaultAggregateSchedule, warn)
	config.CurrentPrisonJobSchedule = validSchedule("CURRENT_PRISON_JOB_SCHEDULE", config.CurrentPrisonJobSchedule, defaultCurrentPrisonSchedule, warn)
	config.TotalsJobSchedule = validSchedule("TOTALS_JOB_SCHEDULE", config.TotalsJobSchedule, defaultTotalsSchedule, warn)

	config.Warnings = warnings
	return
}

func validSchedule(key, spec, fallback string, warn func(string, ...any)) string {
	spec = strings.TrimSpace(spec)
	if _, err := cron.ParseStandard(spec); err != nil {
		warn("invalid %s %q; using %q: %v", key, spec, fallback, err)
		return fallback
	}
	return spec
}

// JobLockTTL is the lifetime of a scheduled job's lock.
func (c Config) JobLockTTL() time.Duration {
	return time.Duration(c.JobLockTTLSeconds) * time.Second
}

// OutboxPollInterval is how often the outbox dispatcher claims messages.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) CORSOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
