/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: For parsing the IOF rate table without float drift.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/transfa/loan-service/internal/balance"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	defaultRedisRateLimitPrefix = "loan_service:rate_limit"
)

// Config holds all the configuration variables for the loan-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns          int32  `mapstructure:"DATABASE_MAX_CONNS"`
	LockTimeoutMS             int    `mapstructure:"LOCK_TIMEOUT_MS"`
	RunMigrations             bool   `mapstructure:"RUN_MIGRATIONS"`
	StorageDriver             string `mapstructure:"STORAGE_DRIVER"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PaymentRateLimitPerMinute int    `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	AuditExchange             string `mapstructure:"AUDIT_EXCHANGE"`
	AuditRelaySchedule        string `mapstructure:"AUDIT_RELAY_SCHEDULE"`
	AuditRelayBatchSize       int    `mapstructure:"AUDIT_RELAY_BATCH_SIZE"`
	IOFDailyRate              string `mapstructure:"IOF_DAILY_RATE"`
	IOFFixedRate              string `mapstructure:"IOF_FIXED_RATE"`
	IOFMaxDays                int    `mapstructure:"IOF_MAX_DAYS"`
	DaysPerMonth              int    `mapstructure:"DAYS_PER_MONTH"`
	BalanceTimezone           string `mapstructure:"BALANCE_TIMEZONE"`
	MetricsEnabled            bool   `mapstructure:"METRICS_ENABLED"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("LOCK_TIMEOUT_MS", 5000)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRedisRateLimitPrefix)
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", 100)
	viper.SetDefault("AUDIT_EXCHANGE", "loan_audit_events")
	viper.SetDefault("AUDIT_RELAY_SCHEDULE", "@every 10s")
	viper.SetDefault("AUDIT_RELAY_BATCH_SIZE", 100)
	viper.SetDefault("IOF_DAILY_RATE", "0.000082")
	viper.SetDefault("IOF_FIXED_RATE", "0.0038")
	viper.SetDefault("IOF_MAX_DAYS", 365)
	viper.SetDefault("DAYS_PER_MONTH", 30)
	viper.SetDefault("BALANCE_TIMEZONE", "UTC")
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "SECRET_KEY")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOAN_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUDIT_EXCHANGE")
	_ = viper.BindEnv("AUDIT_RELAY_SCHEDULE")
	_ = viper.BindEnv("AUDIT_RELAY_BATCH_SIZE")
	_ = viper.BindEnv("IOF_DAILY_RATE")
	_ = viper.BindEnv("IOF_FIXED_RATE")
	_ = viper.BindEnv("IOF_MAX_DAYS")
	_ = viper.BindEnv("DAYS_PER_MONTH")
	_ = viper.BindEnv("BALANCE_TIMEZONE")
	_ = viper.BindEnv("METRICS_ENABLED")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRedisRateLimitPrefix
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	switch config.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown storage driver; using postgres\" driver=%q", config.StorageDriver)
		config.StorageDriver = StorageDriverPostgres
	}

	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}
	if config.LockTimeoutMS < 0 {
		log.Printf("level=warn component=config msg=\"negative lock timeout configured; disabling it\" lock_timeout_ms=%d", config.LockTimeoutMS)
		config.LockTimeoutMS = 0
	}
	if config.PaymentRateLimitPerMinute <= 0 {
		config.PaymentRateLimitPerMinute = 100
	}
	if config.AuditRelayBatchSize <= 0 {
		config.AuditRelayBatchSize = 100
	}
	if strings.TrimSpace(config.AuditRelaySchedule) == "" {
		config.AuditRelaySchedule = "@every 10s"
	}

	return
}

// LockTimeout is the row lock wait bound. Zero waits forever.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// BalanceConfig builds the accrual constants. Rates must be non-negative decimals.
func (c Config) BalanceConfig() (balance.Config, error) {
	daily, err := parseRate("IOF_DAILY_RATE", c.IOFDailyRate)
	if err != nil {
		return balance.Config{}, err
	}
	fixed, err := parseRate("IOF_FIXED_RATE", c.IOFFixedRate)
	if err != nil {
		return balance.Config{}, err
	}

	location := time.UTC
	if tz := strings.TrimSpace(c.BalanceTimezone); tz != "" {
		if location, err = time.LoadLocation(tz); err != nil {
			return balance.Config{}, fmt.Errorf("invalid BALANCE_TIMEZONE %q: %w", tz, err)
		}
	}

	return balance.Config{
		DaysPerMonth: c.DaysPerMonth,
		IOFDailyRate: daily,
		IOFFixedRate: fixed,
		IOFMaxDays:   c.IOFMaxDays,
		Location:     location,
	}, nil
}

func parseRate(key, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return value, nil
}
