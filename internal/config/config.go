package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all runtime options, loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// History database (the CRM's Postgres; read-only for this service).
	DatabaseURL    string
	DatabaseSchema string

	EngineBaseURL        string
	EngineToken          string
	EngineAttempts       int
	EngineReadTimeout    time.Duration
	EngineConnectTimeout time.Duration

	ProviderBaseURL string
	ProviderName    string
	ProviderTimeout time.Duration

	AdminBaseURL string
	AdminToken   string

	ASRBaseURL string
	ASRTimeout time.Duration

	DebounceWindow   time.Duration
	BubbleDelay      time.Duration
	ActiveLockTTL    time.Duration
	DedupTTL         time.Duration
	SignatureSkew    time.Duration
	TextSafeSplit    int
	HistoryReadDepth int
}

// Load builds a Config from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "wa_ingress"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", ""),

		EngineBaseURL:        getEnv("ENGINE_BASE_URL", ""),
		EngineToken:          getEnv("ENGINE_INTERNAL_TOKEN", ""),
		EngineAttempts:       getEnvInt("ENGINE_ATTEMPTS", 3),
		EngineReadTimeout:    getEnvDuration("ENGINE_TIMEOUT_READ_SECONDS", 120*time.Second),
		EngineConnectTimeout: getEnvDuration("ENGINE_TIMEOUT_CONNECT_SECONDS", 5*time.Second),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", ""),
		ProviderName:    getEnv("PROVIDER_NAME", "whatsapp"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT_SECONDS", 30*time.Second),

		AdminBaseURL: getEnv("ADMIN_BASE_URL", ""),
		AdminToken:   getEnv("ADMIN_INTERNAL_TOKEN", ""),

		ASRBaseURL: getEnv("ASR_BASE_URL", ""),
		ASRTimeout: getEnvDuration("ASR_TIMEOUT_SECONDS", 60*time.Second),

		DebounceWindow:   getEnvDuration("DEBOUNCE_SECONDS", 11*time.Second),
		BubbleDelay:      getEnvDuration("BUBBLE_DELAY_SECONDS", 4*time.Second),
		ActiveLockTTL:    getEnvDuration("ACTIVE_LOCK_TTL_SECONDS", 60*time.Second),
		DedupTTL:         getEnvDuration("WAMID_DEDUP_TTL_SECONDS", 24*time.Hour),
		SignatureSkew:    getEnvDuration("SIGNATURE_SKEW_SECONDS", 300*time.Second),
		TextSafeSplit:    getEnvInt("TEXT_SAFE_SPLIT_CHARS", 400),
		HistoryReadDepth: getEnvInt("HISTORY_READ_DEPTH", 20),
	}

	if cfg.EngineBaseURL == "" {
		return cfg, fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if cfg.ProviderBaseURL == "" {
		return cfg, fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if cfg.TextSafeSplit <= 0 {
		return cfg, fmt.Errorf("TEXT_SAFE_SPLIT_CHARS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration reads a duration expressed in whole seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
