package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every recognized option. All durations are resolved here so
// the rest of the code never parses environment variables.
type Config struct {
	Host string
	Port string

	// Storage
	DatabaseURL     string
	StorageEnabled  bool
	DebugSQL        bool
	SlowQueryMs     int64
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnMaxIdle   time.Duration
	DBConnLifetime  time.Duration
	CleanupInterval time.Duration // short-ID map cleanup cadence
	RetentionWindow time.Duration // short-ID map entry TTL

	// Credentials
	CredentialsDir   string
	EnableClientAuth bool

	// Upstream
	ClaudeAPIURL       string
	ClaudeAPITimeout   time.Duration
	ProxyServerTimeout time.Duration

	// Request body bounds
	MaxRequestBodyBytes int64
	MaxMessageCount     int
	MaxTotalTextChars   int

	// HTTP transport connection pool
	ProxyMaxIdleConns        int
	ProxyMaxIdleConnsPerHost int
	ProxyIdleConnTimeout     time.Duration

	// Conversation linking
	CompactMarkerPrefix string

	// AI analysis worker
	AIWorkerEnabled         bool
	AIWorkerPollInterval    time.Duration
	AIWorkerMaxConcurrent   int
	AIWorkerJobTimeout      time.Duration
	AIAnalysisMaxRetries    int
	GeminiAPIKey            string
	GeminiModelName         string
	GeminiRequestTimeout    time.Duration
	AIMaxPromptTokens       int
	AIHeadMessages          int
	AITailMessages          int
	AnalysisPromptOverride  string `yaml:"analysis_prompt"`
	AnalysisCreateLimit     int
	AnalysisRetrievalLimit  int

	// Dashboard / analysis API
	DashboardAPIKey string

	// Notifications
	ErrorWebhookURL string

	// Server
	ServerShutdownTimeout time.Duration

	// Logging
	Debug     bool
	LogLevel  string
	LogFormat string
}

// Load reads .env, environment variables, and the optional YAML config file.
// A missing .env or config file is not an error; a malformed config file is.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Host: getEnvOrDefault("HOST", "0.0.0.0"),
		Port: getEnvOrDefault("PORT", "3000"),

		DatabaseURL:     getEnvOrDefault("DATABASE_URL", ""),
		StorageEnabled:  getEnvAsBool("STORAGE_ENABLED", false),
		DebugSQL:        getEnvAsBool("DEBUG_SQL", false),
		SlowQueryMs:     getEnvAsInt64("SLOW_QUERY_THRESHOLD_MS", 5000),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdle:   time.Duration(getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1)) * time.Minute,
		DBConnLifetime:  time.Duration(getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		CleanupInterval: getEnvAsMillis("STORAGE_ADAPTER_CLEANUP_MS", 5*time.Minute),
		RetentionWindow: getEnvAsMillis("STORAGE_ADAPTER_RETENTION_MS", time.Hour),

		CredentialsDir:   getEnvOrDefault("CREDENTIALS_DIR", "credentials"),
		EnableClientAuth: getEnvAsBool("ENABLE_CLIENT_AUTH", true),

		ClaudeAPIURL:       getEnvOrDefault("CLAUDE_API_URL", "https://api.anthropic.com"),
		ClaudeAPITimeout:   getEnvAsMillis("CLAUDE_API_TIMEOUT", 10*time.Minute),
		ProxyServerTimeout: getEnvAsMillis("PROXY_SERVER_TIMEOUT", 11*time.Minute),

		MaxRequestBodyBytes: getEnvAsInt64("MAX_REQUEST_BODY_BYTES", 32<<20),
		MaxMessageCount:     getEnvAsInt("MAX_MESSAGE_COUNT", 1000),
		MaxTotalTextChars:   getEnvAsInt("MAX_TOTAL_TEXT_CHARS", 8<<20),

		ProxyMaxIdleConns:        getEnvAsInt("PROXY_MAX_IDLE_CONNS", 100),
		ProxyMaxIdleConnsPerHost: getEnvAsInt("PROXY_MAX_IDLE_CONNS_PER_HOST", 50),
		ProxyIdleConnTimeout:     time.Duration(getEnvAsInt("PROXY_IDLE_CONN_TIMEOUT_SECONDS", 90)) * time.Second,

		CompactMarkerPrefix: getEnvOrDefault("COMPACT_MARKER_PREFIX",
			"This session is being continued from a previous conversation"),

		AIWorkerEnabled:        getEnvAsBool("AI_WORKER_ENABLED", false),
		AIWorkerPollInterval:   getEnvAsMillis("AI_WORKER_POLL_INTERVAL_MS", 5*time.Second),
		AIWorkerMaxConcurrent:  getEnvAsInt("AI_WORKER_MAX_CONCURRENT_JOBS", 3),
		AIWorkerJobTimeout:     time.Duration(getEnvAsInt("AI_WORKER_JOB_TIMEOUT_MINUTES", 5)) * time.Minute,
		AIAnalysisMaxRetries:   getEnvAsInt("AI_ANALYSIS_MAX_RETRIES", 3),
		GeminiAPIKey:           getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModelName:        getEnvOrDefault("GEMINI_MODEL_NAME", "gemini-2.0-flash"),
		GeminiRequestTimeout:   getEnvAsMillis("AI_ANALYSIS_GEMINI_REQUEST_TIMEOUT_MS", 60*time.Second),
		AIMaxPromptTokens:      getEnvAsInt("AI_MAX_PROMPT_TOKENS", 855000),
		AIHeadMessages:         getEnvAsInt("AI_HEAD_MESSAGES", 5),
		AITailMessages:         getEnvAsInt("AI_TAIL_MESSAGES", 20),
		AnalysisCreateLimit:    getEnvAsInt("ANALYSIS_RATE_LIMIT_CREATES_PER_MIN", 15),
		AnalysisRetrievalLimit: getEnvAsInt("ANALYSIS_RATE_LIMIT_READS_PER_MIN", 100),

		DashboardAPIKey: getEnvOrDefault("DASHBOARD_API_KEY", ""),

		ErrorWebhookURL: getEnvOrDefault("ERROR_WEBHOOK_URL", ""),

		ServerShutdownTimeout: time.Duration(getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,

		Debug:     getEnvAsBool("DEBUG", false),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	// Optional config file for settings that are awkward as environment
	// variables (multi-line analysis prompt override).
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", configFilePath, err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFilePath, err)
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.StorageEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("STORAGE_ENABLED requires DATABASE_URL")
	}
	if c.AIWorkerEnabled && !c.StorageEnabled {
		return fmt.Errorf("AI_WORKER_ENABLED requires STORAGE_ENABLED")
	}
	if c.AIWorkerEnabled && c.GeminiAPIKey == "" {
		return fmt.Errorf("AI_WORKER_ENABLED requires GEMINI_API_KEY")
	}
	if c.ProxyServerTimeout <= c.ClaudeAPITimeout {
		return fmt.Errorf("PROXY_SERVER_TIMEOUT (%s) must exceed CLAUDE_API_TIMEOUT (%s)",
			c.ProxyServerTimeout, c.ClaudeAPITimeout)
	}
	if c.DashboardAPIKey == "" {
		log.Println("Warning: DASHBOARD_API_KEY is not set, analysis API runs in read-only mode")
	}
	return nil
}

// LoadConfigFile merges a YAML config file into cfg.
func LoadConfigFile(reader io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// getEnvAsMillis reads an integer number of milliseconds.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed) * time.Millisecond
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as milliseconds, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
