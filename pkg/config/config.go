// Package config loads the runtime configuration from the environment.
// Every key has a default; malformed values fail at startup rather than at
// first use. Money-valued keys are written as decimals ("3.00") and held as
// integer minor units everywhere past this boundary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Environment keys.
const (
	EnvServiceName            = "SERVICE_NAME"
	EnvNATSURL                = "NATS_URL"
	EnvSQLiteDSN              = "SQLITE_DSN"
	EnvRedisURL               = "REDIS_URL"
	EnvCredentialsURL         = "CREDENTIALS_URL"
	EnvCredentialsFile        = "CREDENTIALS_FILE"
	EnvPaginationDefaultLimit = "PAGINATION_DEFAULT_LIMIT"
	EnvPaginationMaxLimit     = "PAGINATION_MAX_LIMIT"
	EnvMaxReservationsPerUser = "MAX_RESERVATIONS_PER_USER"
	EnvReservationFee         = "BOOK_RESERVATION_FEE"
	EnvReturnDueDays          = "BOOK_RETURN_DUE_DATE_DAYS"
	EnvLateFeePerDay          = "LATE_FEE_PER_DAY"
	EnvMaxRetryAttempts       = "EVENT_STORE_MAX_RETRY_ATTEMPTS"
	EnvCacheDefaultTTL        = "CACHE_DEFAULT_TTL"
)

// Config is the loaded runtime configuration.
type Config struct {
	// ServiceName names the durable bus queue and telemetry identity.
	ServiceName string

	// NATSURL is the broker URL. Empty runs the embedded server.
	NATSURL string

	// SQLiteDSN is the event store DSN. ":memory:" for tests.
	SQLiteDSN string

	// RedisURL is the cache URL. Empty selects the in-memory cache.
	RedisURL string

	// CredentialsURL is a gocloud secrets keeper URL for broker
	// credentials. Empty reads credentials from the environment.
	CredentialsURL string

	// CredentialsFile locates the ciphertext the keeper decrypts.
	CredentialsFile string

	PaginationDefaultLimit int
	PaginationMaxLimit     int

	// MaxReservationsPerUser caps active reservations in the saga.
	MaxReservationsPerUser int

	// ReservationFee is the debit on a pending payment, in minor units.
	ReservationFee int64

	// ReturnDueDays offsets the due date at reservation time.
	ReturnDueDays int

	// LateFeePerDay is the per-day late fee in minor units.
	LateFeePerDay int64

	// MaxRetryAttempts bounds command retries on version conflicts.
	MaxRetryAttempts int

	// CacheDefaultTTL applies to cache entries stored without an explicit
	// lifetime.
	CacheDefaultTTL time.Duration
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		ServiceName:            "libris",
		SQLiteDSN:              "file:libris.db",
		PaginationDefaultLimit: 10,
		PaginationMaxLimit:     100,
		MaxReservationsPerUser: 3,
		ReservationFee:         300,
		ReturnDueDays:          14,
		LateFeePerDay:          20,
		MaxRetryAttempts:       3,
		CacheDefaultTTL:        60 * time.Second,
	}
}

// Load reads the configuration from the process environment and validates
// it.
func Load() (Config, error) {
	return loadFrom(os.Getenv)
}

func loadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()
	cfg.ServiceName = getEnv(getenv, EnvServiceName, cfg.ServiceName)
	cfg.NATSURL = getenv(EnvNATSURL)
	cfg.SQLiteDSN = getEnv(getenv, EnvSQLiteDSN, cfg.SQLiteDSN)
	cfg.RedisURL = getenv(EnvRedisURL)
	cfg.CredentialsURL = getenv(EnvCredentialsURL)
	cfg.CredentialsFile = getenv(EnvCredentialsFile)

	var err error
	if cfg.PaginationDefaultLimit, err = getEnvInt(getenv, EnvPaginationDefaultLimit, cfg.PaginationDefaultLimit); err != nil {
		return Config{}, err
	}
	if cfg.PaginationMaxLimit, err = getEnvInt(getenv, EnvPaginationMaxLimit, cfg.PaginationMaxLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxReservationsPerUser, err = getEnvInt(getenv, EnvMaxReservationsPerUser, cfg.MaxReservationsPerUser); err != nil {
		return Config{}, err
	}
	if cfg.ReservationFee, err = getEnvMoney(getenv, EnvReservationFee, cfg.ReservationFee); err != nil {
		return Config{}, err
	}
	if cfg.ReturnDueDays, err = getEnvInt(getenv, EnvReturnDueDays, cfg.ReturnDueDays); err != nil {
		return Config{}, err
	}
	if cfg.LateFeePerDay, err = getEnvMoney(getenv, EnvLateFeePerDay, cfg.LateFeePerDay); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetryAttempts, err = getEnvInt(getenv, EnvMaxRetryAttempts, cfg.MaxRetryAttempts); err != nil {
		return Config{}, err
	}

	ttlSeconds, err := getEnvInt(getenv, EnvCacheDefaultTTL, int(cfg.CacheDefaultTTL/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.CacheDefaultTTL = time.Duration(ttlSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("config: %s must not be empty", EnvServiceName)
	}
	if c.SQLiteDSN == "" {
		return fmt.Errorf("config: %s must not be empty", EnvSQLiteDSN)
	}
	if c.PaginationDefaultLimit < 1 || c.PaginationMaxLimit < 1 {
		return fmt.Errorf("config: pagination limits must be positive")
	}
	if c.PaginationDefaultLimit > c.PaginationMaxLimit {
		return fmt.Errorf("config: %s (%d) exceeds %s (%d)",
			EnvPaginationDefaultLimit, c.PaginationDefaultLimit,
			EnvPaginationMaxLimit, c.PaginationMaxLimit)
	}
	if c.CredentialsURL != "" && c.CredentialsFile == "" {
		return fmt.Errorf("config: %s requires %s", EnvCredentialsURL, EnvCredentialsFile)
	}
	if c.MaxReservationsPerUser < 1 {
		return fmt.Errorf("config: %s must be positive", EnvMaxReservationsPerUser)
	}
	if c.ReservationFee < 0 || c.LateFeePerDay < 0 {
		return fmt.Errorf("config: fees must not be negative")
	}
	if c.ReturnDueDays < 1 {
		return fmt.Errorf("config: %s must be positive", EnvReturnDueDays)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("config: %s must be positive", EnvMaxRetryAttempts)
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("config: %s must be positive", EnvCacheDefaultTTL)
	}
	return nil
}

// MinorUnits parses a decimal money string ("3.00") into int64 minor units
// with half-to-even rounding.
func MinorUnits(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid money value %q: %w", value, err)
	}
	return d.Mul(decimal.NewFromInt(100)).RoundBank(0).IntPart(), nil
}

// FormatMinorUnits renders minor units as a two-decimal string.
func FormatMinorUnits(units int64) string {
	return decimal.NewFromInt(units).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func getEnv(getenv func(string) string, key, fallback string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(getenv func(string) string, key string, fallback int) (int, error) {
	value := getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid integer %q", key, value)
	}
	return parsed, nil
}

func getEnvMoney(getenv func(string) string, key string, fallback int64) (int64, error) {
	value := getenv(key)
	if value == "" {
		return fallback, nil
	}
	units, err := MinorUnits(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return units, nil
}
