package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	GRPCPort string

	DBPath      string
	CatalogPath string
	ReportDir   string

	LogLevel       string
	LogFormat      string
	TracingEnabled bool

	// Execution
	DryRun           bool
	SchedulerTick    time.Duration
	SchedulerWorkers int

	// Brokers
	BrokerTimeout  time.Duration
	HealthInterval time.Duration
	QuoteMaxAge    time.Duration

	// FX
	FXRefresh time.Duration
	FXURL     string

	// Auth
	OperatorJWTSecret string

	// API limits
	APIRateLimit float64
	APIRateBurst int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCPort:          getEnv("GRPC_PORT", "9090"),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		CatalogPath:       getEnv("CATALOG_PATH", "./config/catalog.yaml"),
		ReportDir:         getEnv("REPORT_DIR", "./data/reports"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "json")),
		TracingEnabled:    getEnv("TRACING_ENABLED", "false") == "true",
		DryRun:            getEnv("DRY_RUN", "false") == "true",
		SchedulerTick:     getEnvMillis("SCHEDULER_TICK_MS", 100),
		SchedulerWorkers:  getEnvInt("SCHEDULER_WORKERS", 8),
		BrokerTimeout:     getEnvMillis("BROKER_TIMEOUT_MS", 5000),
		HealthInterval:    time.Duration(getEnvInt("HEALTH_INTERVAL_SEC", 15)) * time.Second,
		QuoteMaxAge:       getEnvMillis("QUOTE_MAX_AGE_MS", 2000),
		FXRefresh:         time.Duration(getEnvInt("FX_REFRESH_SEC", 300)) * time.Second,
		FXURL:             os.Getenv("FX_URL"),
		OperatorJWTSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		APIRateLimit:      getEnvFloat("API_RATE_LIMIT", 20),
		APIRateBurst:      getEnvInt("API_RATE_BURST", 50),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvMillis(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Millisecond
}
