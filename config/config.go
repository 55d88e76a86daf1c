package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port           int
	TwilioPort     int    // Port for the voice webhook server (used when ServerType is "both")
	ServerType     string // "websocket", "twilio", or "both"
	StorageBackend string // "redis" or "memory"
	RedisURL       string
	RedisPassword  string
	StateRetention time.Duration // 0 keeps conversations forever

	MaxSessions    int
	SessionTimeout time.Duration

	ModelProvider     string // "gemini" or "openai"
	GeminiAPIKey      string
	GeminiModel       string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	ExtractionTimeout time.Duration
	HistoryWindow     int

	MaxAttempts        int
	ServiceMaxAttempts int

	CompanyName string
	Services    []string
	TimeSlots   []string

	AllowedOrigins  []string
	KeepAlivePeriod time.Duration

	EventsEnabled     bool
	EventsTopicPrefix string
	EscalationNumber  string

	LogLevel  string
	LogFormat string // "console" or "json"
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:               8080,
		TwilioPort:         8081,
		ServerType:         "websocket",
		StorageBackend:     "redis",
		RedisURL:           "localhost:6379",
		MaxSessions:        100,
		SessionTimeout:     30 * time.Minute,
		ModelProvider:      "gemini",
		ExtractionTimeout:  10 * time.Second,
		HistoryWindow:      3,
		MaxAttempts:        3,
		ServiceMaxAttempts: 3,
		AllowedOrigins:     []string{"*"},
		KeepAlivePeriod:    30 * time.Second,
		EventsTopicPrefix:  "booking",
		LogLevel:           "info",
		LogFormat:          "console",
	}

	var err error

	// Optional: MODEL_PROVIDER ("gemini" or "openai")
	if provider := os.Getenv("MODEL_PROVIDER"); provider != "" {
		switch provider {
		case "gemini", "openai":
			config.ModelProvider = provider
		default:
			return nil, fmt.Errorf("invalid MODEL_PROVIDER: must be 'gemini' or 'openai'")
		}
	}

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	config.GeminiModel = os.Getenv("GEMINI_MODEL")
	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	config.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")
	config.OpenAIModel = os.Getenv("OPENAI_MODEL")

	// Required: the key of the selected provider
	switch config.ModelProvider {
	case "gemini":
		if config.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case "openai":
		if config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	}

	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}
	if config.TwilioPort, err = intEnv("TWILIO_PORT", config.TwilioPort); err != nil {
		return nil, err
	}

	// Optional: SERVER_TYPE ("websocket", "twilio", or "both")
	if serverType := os.Getenv("SERVER_TYPE"); serverType != "" {
		switch serverType {
		case "websocket", "twilio", "both":
			config.ServerType = serverType
		default:
			return nil, fmt.Errorf("invalid SERVER_TYPE: must be 'websocket', 'twilio', or 'both'")
		}
	}

	// Optional: STORAGE_BACKEND ("redis" or "memory")
	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		switch backend {
		case "redis", "memory":
			config.StorageBackend = backend
		default:
			return nil, fmt.Errorf("invalid STORAGE_BACKEND: must be 'redis' or 'memory'")
		}
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: STATE_RETENTION (in minutes, unset keeps conversations forever)
	if config.StateRetention, err = durationEnv("STATE_RETENTION", time.Minute, config.StateRetention); err != nil {
		return nil, err
	}

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if config.SessionTimeout, err = durationEnv("SESSION_TIMEOUT", time.Minute, config.SessionTimeout); err != nil {
		return nil, err
	}

	// Optional: EXTRACTION_TIMEOUT (in seconds)
	if config.ExtractionTimeout, err = durationEnv("EXTRACTION_TIMEOUT", time.Second, config.ExtractionTimeout); err != nil {
		return nil, err
	}
	if config.ExtractionTimeout <= 0 {
		return nil, fmt.Errorf("invalid EXTRACTION_TIMEOUT: must be positive")
	}

	if config.HistoryWindow, err = intEnv("HISTORY_WINDOW", config.HistoryWindow); err != nil {
		return nil, err
	}
	if config.MaxAttempts, err = intEnv("MAX_ATTEMPTS", config.MaxAttempts); err != nil {
		return nil, err
	}
	if config.ServiceMaxAttempts, err = intEnv("SERVICE_MAX_ATTEMPTS", config.ServiceMaxAttempts); err != nil {
		return nil, err
	}
	if config.MaxAttempts < 1 || config.ServiceMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid attempt limits: MAX_ATTEMPTS and SERVICE_MAX_ATTEMPTS must be at least 1")
	}

	// Optional: business catalog (comma-separated lists)
	config.CompanyName = os.Getenv("COMPANY_NAME")
	config.Services = listEnv("SERVICES")
	config.TimeSlots = listEnv("TIME_SLOTS")

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := listEnv("ALLOWED_ORIGINS"); len(origins) > 0 {
		config.AllowedOrigins = origins
	}

	// Optional: KEEPALIVE_PERIOD (in seconds)
	if config.KeepAlivePeriod, err = durationEnv("KEEPALIVE_PERIOD", time.Second, config.KeepAlivePeriod); err != nil {
		return nil, err
	}

	// Optional: EVENTS_ENABLED
	if enabled := os.Getenv("EVENTS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid EVENTS_ENABLED: %w", err)
		}
		config.EventsEnabled = b
	}
	if prefix := os.Getenv("EVENTS_TOPIC_PREFIX"); prefix != "" {
		config.EventsTopicPrefix = prefix
	}
	config.EscalationNumber = os.Getenv("ESCALATION_NUMBER")

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "console", "json":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'console' or 'json'")
		}
	}

	return config, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

func durationEnv(key string, unit time.Duration, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return time.Duration(n) * unit, nil
}

func listEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
