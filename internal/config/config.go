package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"

	BusMemory = "memory"
	BusAMQP   = "amqp"

	AdviceNone   = "none"
	AdviceGemini = "gemini"
	AdviceOpenAI = "openai"
)

type Config struct {
	// HTTP Server
	Port            string
	RateLimitRPM    int
	ShutdownTimeout time.Duration

	// Persistence
	DataBackend    string
	SQLiteDBPath   string
	BadgerPath     string
	StateKey       string
	PersistTimeout time.Duration

	// Sync bus
	SyncBus      string
	AMQPURL      string
	AMQPExchange string

	// Cycle
	CycleCheckInterval time.Duration

	// Advice
	AdviceProvider  string
	GeminiAPIKey    string
	GeminiModel     string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	AdviceCacheTTL  time.Duration
	AdviceCacheSize int
	CurrencySymbol  string

	// Identity
	GoogleClientID   string
	DemoLoginEnabled bool

	// Cycle history export
	GoogleSpreadsheetID      string
	GoogleHistorySheet       string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	ExportBatchSize          int
	ExportInterval           time.Duration

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8081"),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", 120),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DataBackend:    getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath:   getEnv("SQLITE_DB_PATH", "./data/payflow.db"),
		BadgerPath:     getEnv("BADGER_PATH", "./data/badger"),
		StateKey:       getEnv("STATE_KEY", "current_state"),
		PersistTimeout: getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),

		SyncBus:      getEnv("SYNC_BUS", BusMemory),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "payflow_realtime_sync"),

		CycleCheckInterval: getEnvDuration("CYCLE_CHECK_INTERVAL", 15*time.Minute),

		AdviceProvider:  strings.ToLower(getEnv("ADVICE_PROVIDER", AdviceNone)),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		AdviceCacheTTL:  getEnvDuration("ADVICE_CACHE_TTL", time.Hour),
		AdviceCacheSize: getEnvInt("ADVICE_CACHE_SIZE", 64),
		CurrencySymbol:  getEnv("CURRENCY_SYMBOL", "₹"),

		GoogleClientID:   getEnv("GOOGLE_CLIENT_ID", ""),
		DemoLoginEnabled: getEnvBool("DEMO_LOGIN_ENABLED", true),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleHistorySheet:       getEnv("GOOGLE_HISTORY_SHEET", "History"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		ExportBatchSize:          getEnvInt("EXPORT_BATCH_SIZE", 10),
		ExportInterval:           getEnvDuration("EXPORT_INTERVAL", 10*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// HistoryExportEnabled reports whether closed cycles go to a spreadsheet.
func (c *Config) HistoryExportEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{BackendSQLite, BackendBadger, BackendMemory}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if err := ensureDir(filepath.Dir(c.SQLiteDBPath)); err != nil {
			errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", filepath.Dir(c.SQLiteDBPath), err))
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			errors = append(errors, "Badger path cannot be empty when using badger backend")
		}
	}

	if strings.TrimSpace(c.StateKey) == "" {
		errors = append(errors, "state key cannot be empty")
	}

	validBuses := []string{BusMemory, BusAMQP}
	if !slices.Contains(validBuses, c.SyncBus) {
		errors = append(errors, fmt.Sprintf("invalid sync bus '%s': must be one of %v", c.SyncBus, validBuses))
	}
	if c.SyncBus == BusAMQP {
		if c.AMQPURL == "" {
			errors = append(errors, "AMQP URL is required when using amqp sync bus")
		} else if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when using amqp sync bus")
		}
	}

	if c.PersistTimeout < 100*time.Millisecond || c.PersistTimeout > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid persist timeout %v: must be between 100ms and 1m", c.PersistTimeout))
	}
	if c.CycleCheckInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid cycle check interval %v: must be at least 1 second", c.CycleCheckInterval))
	} else if c.CycleCheckInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid cycle check interval %v: must be at most 24 hours", c.CycleCheckInterval))
	}

	validProviders := []string{AdviceNone, AdviceGemini, AdviceOpenAI}
	switch c.AdviceProvider {
	case AdviceNone:
	case AdviceGemini:
		if c.GeminiAPIKey == "" {
			errors = append(errors, "GEMINI_API_KEY is required when ADVICE_PROVIDER is gemini")
		}
	case AdviceOpenAI:
		if c.OpenAIAPIKey == "" {
			errors = append(errors, "OPENAI_API_KEY is required when ADVICE_PROVIDER is openai")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid advice provider '%s': must be one of %v", c.AdviceProvider, validProviders))
	}
	if c.AdviceCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid advice cache size %d: must be at least 1", c.AdviceCacheSize))
	}

	if c.HistoryExportEnabled() && c.GoogleServiceAccountFile != "" {
		if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
		}
	}

	if c.ExportBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at least 1", c.ExportBatchSize))
	} else if c.ExportBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at most 1000", c.ExportBatchSize))
	}
	if c.ExportInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at least 1 second", c.ExportInterval))
	}

	if c.RateLimitRPM < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitRPM))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
