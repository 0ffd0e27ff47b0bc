// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// Symbols is the list of trading pairs to collect (e.g., "BTCUSDT,ETHUSDT").
	Symbols []string

	// Interval is the candle width as an exchange interval string (e.g., "5m").
	Interval string

	// UpdateFrequencyMinutes is how often new closed candles are expected.
	UpdateFrequencyMinutes int

	// MaxLookbackDays is the backfill ceiling: history older than this is
	// never fetched, even after a long outage.
	MaxLookbackDays int

	// StorageOffsetHours is the fixed hour shift between exchange time (UTC)
	// and the display timestamps stored alongside it.
	StorageOffsetHours int

	// DBDSN is the Postgres connection string.
	DBDSN string

	// LogLevel is the logrus level name ("debug", "info", "warn", "error").
	LogLevel string
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
// DATABASE_URL, when set, overrides the individual DB_* variables.
func getDatabaseDSN() string {
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		return dsn
	}

	dbUser := getEnv("DB_USER", "postgres")
	dbPassword := getEnv("DB_PASSWORD", "postgres")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_NAME", "safetradelab")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup; a validation error is fatal.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	cfg := &AppConfig{
		Symbols:                splitSymbols(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
		Interval:               getEnv("INTERVAL", "5m"),
		UpdateFrequencyMinutes: getEnvInt("UPDATE_FREQUENCY_MINUTES", 5),
		MaxLookbackDays:        getEnvInt("MAX_LOOKBACK_DAYS", 180),
		StorageOffsetHours:     getEnvInt("STORAGE_TZ_OFFSET_HOURS", 3),
		DBDSN:                  getDatabaseDSN(),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present.
func (c *AppConfig) Validate() error {
	var errs []string

	if len(c.Symbols) == 0 {
		errs = append(errs, "SYMBOLS is required")
	}
	if c.DBDSN == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.MaxLookbackDays <= 0 {
		errs = append(errs, "MAX_LOOKBACK_DAYS must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// splitSymbols parses a comma-separated symbol list, dropping empty entries.
func splitSymbols(raw string) []string {
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			symbols = append(symbols, strings.ToUpper(s))
		}
	}
	return symbols
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
