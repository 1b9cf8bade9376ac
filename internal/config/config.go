package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment values.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Provider routing values for AI_PROVIDER.
const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
	ProviderMock      = "mock"
)

// Config holds all runtime configuration. It is read once at startup.
type Config struct {
	Environment string
	Port        string
	LogLevel    slog.Level

	StateTable       string
	DynamoDBEndpoint string
	RedisURL         string
	ParamPrefix      string

	AIProvider     string
	AITemperature  float64
	AIMaxTokens    int
	AITimeout      time.Duration
	HistoryLimit   int
	OpenAIModel    string
	OpenAIBaseURL  string
	AnthropicModel string

	LockTimeout       time.Duration
	DedupTTL          time.Duration
	MaxOutboundLength int
	IdempotencyBucket time.Duration
	GreenAPIBaseURL   string
	OutboundRate      float64

	// parseErrs holds values that were set but could not be parsed.
	parseErrs []error
}

// Load reads configuration from the environment. A .env file in the working
// directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var env envParser
	cfg := &Config{
		Environment:      strings.ToLower(getEnv("ENVIRONMENT", EnvDevelopment)),
		Port:             getEnv("PORT", "8000"),
		LogLevel:         parseLevel(os.Getenv("LOG_LEVEL")),
		StateTable:       os.Getenv("STATE_TABLE"),
		DynamoDBEndpoint: os.Getenv("DYNAMODB_ENDPOINT"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ParamPrefix:      os.Getenv("PARAM_PREFIX"),

		AIProvider:     strings.ToLower(getEnv("AI_PROVIDER", ProviderMock)),
		AITemperature:  env.float("AI_TEMPERATURE", 0.7),
		AIMaxTokens:    env.int("AI_MAX_TOKENS", 1024),
		AITimeout:      time.Duration(env.int("AI_TIMEOUT_SECONDS", 20)) * time.Second,
		HistoryLimit:   env.int("HISTORY_LIMIT", 10),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		AnthropicModel: getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		LockTimeout:       time.Duration(env.int("LOCK_TIMEOUT_SECONDS", 30)) * time.Second,
		DedupTTL:          time.Duration(env.int("WEBHOOK_DEDUP_TTL_SECONDS", 300)) * time.Second,
		MaxOutboundLength: env.int("MAX_OUTBOUND_LENGTH", 4096),
		IdempotencyBucket: time.Duration(env.int("IDEMPOTENCY_BUCKET_SECONDS", 1)) * time.Second,
		GreenAPIBaseURL:   getEnv("GREEN_API_BASE_URL", "https://api.green-api.com"),
		OutboundRate:      env.float("OUTBOUND_RATE_PER_SECOND", 5),
	}
	cfg.parseErrs = env.errs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid or missing setting at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)

	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment))
	}
	switch c.AIProvider {
	case ProviderPrimary, ProviderSecondary, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("AI_PROVIDER must be one of primary, secondary, mock, got %q", c.AIProvider))
	}

	if c.StateTable == "" {
		errs = append(errs, errors.New("STATE_TABLE is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.ParamPrefix == "" && c.AIProvider != ProviderMock {
		errs = append(errs, errors.New("PARAM_PREFIX is required unless AI_PROVIDER is mock"))
	}

	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT_SECONDS must be positive"))
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, errors.New("WEBHOOK_DEDUP_TTL_SECONDS must be positive"))
	}
	if c.MaxOutboundLength < 4 {
		errs = append(errs, errors.New("MAX_OUTBOUND_LENGTH must be at least 4"))
	}
	if c.AITimeout <= 0 || c.AITimeout >= c.LockTimeout {
		errs = append(errs, errors.New("AI_TIMEOUT_SECONDS must be positive and shorter than LOCK_TIMEOUT_SECONDS"))
	}
	if c.AIMaxTokens <= 0 {
		errs = append(errs, errors.New("AI_MAX_TOKENS must be positive"))
	}
	if c.AITemperature < 0 || c.AITemperature > 2 {
		errs = append(errs, errors.New("AI_TEMPERATURE must be between 0 and 2"))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must not be negative"))
	}
	if c.IdempotencyBucket <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_BUCKET_SECONDS must be positive"))
	}
	if c.OutboundRate <= 0 {
		errs = append(errs, errors.New("OUTBOUND_RATE_PER_SECOND must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed settings and keeps every malformed one so Validate
// can report it instead of silently using the default.
type envParser struct {
	errs []error
}

func (p *envParser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return def
	}
	return f
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}
