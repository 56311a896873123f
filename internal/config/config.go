// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCHealthPort  string
	FrontendURL     string
	DBPath          string
	LogLevel        string
	LogFile         string
	ConfigFile      string
	Loop            LoopBounds
	Pricing         Pricing
	LLM             LLMConfig
	Portfolio       PortfolioConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Retention       RetentionConfig
}

// LoopBounds caps one reasoning turn. Any bound reached forces finalization.
type LoopBounds struct {
	MaxIterations      int     `yaml:"max_iterations"`
	MaxDurationSeconds int     `yaml:"max_duration_seconds"`
	MaxCostUSD         float64 `yaml:"max_cost_usd"`
	MaxParallelTools   int     `yaml:"max_parallel_tools"`
}

// DefaultLoopBounds returns the documented defaults: 10 iterations, 30 seconds, $0.10.
func DefaultLoopBounds() LoopBounds {
	return LoopBounds{
		MaxIterations:      10,
		MaxDurationSeconds: 30,
		MaxCostUSD:         0.10,
		MaxParallelTools:   4,
	}
}

// MaxDuration returns the wall-clock bound as a duration.
func (b LoopBounds) MaxDuration() time.Duration {
	return time.Duration(b.MaxDurationSeconds) * time.Second
}

// Validate rejects bounds that would never let a turn run.
func (b LoopBounds) Validate() error {
	var errs []error
	if b.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be > 0, got %d", b.MaxIterations))
	}
	if b.MaxDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("max_duration_seconds must be > 0, got %d", b.MaxDurationSeconds))
	}
	if b.MaxCostUSD <= 0 {
		errs = append(errs, fmt.Errorf("max_cost_usd must be > 0, got %g", b.MaxCostUSD))
	}
	if b.MaxParallelTools <= 0 {
		errs = append(errs, fmt.Errorf("max_parallel_tools must be > 0, got %d", b.MaxParallelTools))
	}
	return errors.Join(errs...)
}

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Pricing maps model names to prices. Unknown models use Default.
type Pricing struct {
	Default ModelPrice            `yaml:"default"`
	Models  map[string]ModelPrice `yaml:"models"`
}

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		Default: ModelPrice{InputPerMillion: 3.0, OutputPerMillion: 15.0},
		Models: map[string]ModelPrice{
			"claude-sonnet-4-20250514":  {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-3-5-haiku-20241022": {InputPerMillion: 0.80, OutputPerMillion: 4.0},
			"rules":                     {},
		},
	}
}

// Price returns the price for model, falling back to Default.
func (p Pricing) Price(model string) ModelPrice {
	if price, ok := p.Models[model]; ok {
		return price
	}
	return p.Default
}

// Cost estimates the USD cost of one reasoning step.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price := p.Price(model)
	return float64(inputTokens)*price.InputPerMillion/1_000_000 +
		float64(outputTokens)*price.OutputPerMillion/1_000_000
}

// LLMConfig selects the reasoning backend.
type LLMConfig struct {
	Provider     string // "rules", "anthropic", "openai", "ollama"
	APIKey       string
	BaseURL      string
	PrimaryModel string
	FastModel    string
	Temperature  float64
	MaxTokens    int
}

// PortfolioConfig selects the portfolio data provider.
type PortfolioConfig struct {
	Provider string // "static" or "ghostfolio"
	BaseURL  string
	Token    string
	Timeout  time.Duration
}

// SSEConfig controls the streaming transport.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	MaxBodyBytes      int64
	TokenChunkSize    int
}

// RateLimitConfig controls the per-client sliding window on chat routes.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// RetentionConfig controls pruning of idle conversations.
type RetentionConfig struct {
	MaxIdle  time.Duration
	Interval time.Duration
}

// Load reads configuration from environment variables, then applies the
// optional YAML overlay named by AGENT_CONFIG_FILE.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	bounds := DefaultLoopBounds()
	bounds.MaxIterations = getEnvInt("AGENT_MAX_ITERATIONS", bounds.MaxIterations)
	bounds.MaxDurationSeconds = getEnvInt("AGENT_TIMEOUT_SECONDS", bounds.MaxDurationSeconds)
	bounds.MaxCostUSD = getEnvFloat("AGENT_MAX_COST_USD", bounds.MaxCostUSD)
	bounds.MaxParallelTools = getEnvInt("AGENT_MAX_PARALLEL_TOOLS", bounds.MaxParallelTools)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/folio.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		ConfigFile:     getEnv("AGENT_CONFIG_FILE", ""),
		Loop:           bounds,
		Pricing:        DefaultPricing(),
		LLM: LLMConfig{
			Provider:     strings.ToLower(getEnv("LLM_PROVIDER", "rules")),
			APIKey:       getEnv("LLM_API_KEY", ""),
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			PrimaryModel: getEnv("LLM_PRIMARY_MODEL", "claude-sonnet-4-20250514"),
			FastModel:    getEnv("LLM_FAST_MODEL", "claude-3-5-haiku-20241022"),
			Temperature:  getEnvFloat("LLM_TEMPERATURE", 0),
			MaxTokens:    getEnvInt("LLM_MAX_TOKENS", 4096),
		},
		Portfolio: PortfolioConfig{
			Provider: strings.ToLower(getEnv("PORTFOLIO_PROVIDER", "static")),
			BaseURL:  getEnv("GHOSTFOLIO_BASE_URL", "http://localhost:3333/api"),
			Token:    getEnv("GHOSTFOLIO_ACCESS_TOKEN", ""),
			Timeout:  getEnvDuration("GHOSTFOLIO_TIMEOUT", 10*time.Second),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxBodyBytes:      int64(getEnvInt("SSE_MAX_BODY_BYTES", 64*1024)),
			TokenChunkSize:    getEnvInt("SSE_TOKEN_CHUNK_SIZE", 24),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Retention: RetentionConfig{
			MaxIdle:  getEnvDuration("CONVERSATION_RETENTION", 30*24*time.Hour),
			Interval: getEnvDuration("CONVERSATION_RETENTION_INTERVAL", time.Hour),
		},
	}

	if cfg.ConfigFile != "" {
		if err := cfg.ApplyOverlayFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := c.Loop.Validate(); err != nil {
		return fmt.Errorf("loop bounds: %w", err)
	}
	switch c.LLM.Provider {
	case "rules", "ollama":
	case "anthropic", "openai":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for provider %q", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Portfolio.Provider {
	case "static":
	case "ghostfolio":
		if c.Portfolio.BaseURL == "" {
			return fmt.Errorf("GHOSTFOLIO_BASE_URL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown PORTFOLIO_PROVIDER %q", c.Portfolio.Provider)
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.TokenChunkSize <= 0 {
		return fmt.Errorf("SSE_TOKEN_CHUNK_SIZE must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requires requests > 0 and window > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
