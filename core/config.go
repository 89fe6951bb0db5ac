package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized configuration key. Three-layer priority,
// lowest to highest: struct defaults (DefaultConfig) → environment
// variables (LoadFromEnv) → functional options (NewConfig).
type Config struct {
	Layers    LayerConfig
	Backend   BackendConfig
	Breaker   BreakerConfig
	Budget    BudgetConfig
	Cache     CacheConfig
	Memory    MemoryConfig
	Learning  LearningConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig

	logger Logger
}

// LayerConfig holds the per-layer cache TTLs.
type LayerConfig struct {
	StrategicTTL      time.Duration `env:"COGCORE_LAYERS_STRATEGIC_TTL_MS" default:"120000ms"`
	DesignTTL         time.Duration `env:"COGCORE_LAYERS_DESIGN_TTL_MS" default:"300000ms"`
	ImplementationTTL time.Duration `env:"COGCORE_LAYERS_IMPLEMENTATION_TTL_MS" default:"600000ms"`
}

// BackendMode selects how the Backend Multiplexer picks live vs. mock.
type BackendMode string

const (
	BackendLive   BackendMode = "live"
	BackendMock   BackendMode = "mock"
	BackendHybrid BackendMode = "hybrid"
)

// BackendConfig configures the backend multiplexer.
type BackendConfig struct {
	Mode           BackendMode   `env:"COGCORE_BACKEND_MODE" default:"hybrid"`
	Timeout        time.Duration `env:"COGCORE_BACKEND_TIMEOUT_MS" default:"30000ms"`
	RetryJitterMax time.Duration `env:"COGCORE_BACKEND_RETRY_JITTER_MS_MAX" default:"2000ms"`
	LiveEndpoint   string        `env:"COGCORE_BACKEND_LIVE_ENDPOINT"`
	LiveAPIKey     string        `env:"COGCORE_BACKEND_LIVE_API_KEY"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `env:"COGCORE_BREAKER_FAILURE_THRESHOLD" default:"3"`
	CooldownMs       time.Duration `env:"COGCORE_BREAKER_COOLDOWN_MS" default:"60000ms"`
}

// BudgetConfig configures the hard cost caps.
type BudgetConfig struct {
	PerSessionCents int `env:"COGCORE_BUDGET_PER_SESSION_CENTS" default:"0"`
	PerHourCents    int `env:"COGCORE_BUDGET_PER_HOUR_CENTS" default:"0"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	CapacityBytes int64   `env:"COGCORE_CACHE_CAPACITY_BYTES" default:"67108864"`
	HighWatermark float64 `env:"COGCORE_CACHE_HIGH_WATERMARK" default:"0.9"`
	Backend       string  `env:"COGCORE_CACHE_BACKEND" default:"memory"` // memory|redis
	RedisURL      string  `env:"COGCORE_CACHE_REDIS_URL"`
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	ShortTermMaxAgeDays    int    `env:"COGCORE_MEMORY_SHORT_TERM_MAX_AGE_DAYS" default:"7"`
	ConsolidationThreshold int    `env:"COGCORE_MEMORY_CONSOLIDATION_THRESHOLD" default:"1024"`
	Backend                string `env:"COGCORE_MEMORY_BACKEND" default:"memory"` // memory|redis
	RedisURL               string `env:"COGCORE_MEMORY_REDIS_URL"`
}

// LearningConfig configures the backward learning pass.
type LearningConfig struct {
	Rate                    float64 `env:"COGCORE_LEARNING_RATE" default:"0.1"`
	MaxIterationsPerSession int     `env:"COGCORE_LEARNING_MAX_ITERATIONS_PER_SESSION" default:"3"`
	EscalationMagnitude     float64 `env:"COGCORE_LEARNING_ESCALATION_MAGNITUDE" default:"0.7"`
}

// TelemetryConfig configures the optional OTel adapter.
type TelemetryConfig struct {
	Enabled     bool   `env:"COGCORE_TELEMETRY_ENABLED" default:"false"`
	ServiceName string `env:"COGCORE_TELEMETRY_SERVICE_NAME" default:"cogcore"`
	Exporter    string `env:"COGCORE_TELEMETRY_EXPORTER" default:"stdout"` // stdout|none
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level  string `env:"COGCORE_LOGGING_LEVEL" default:"info"`
	Format string `env:"COGCORE_LOGGING_FORMAT" default:"text"` // json|text
	Output string `env:"COGCORE_LOGGING_OUTPUT" default:"stdout"`
}

// DefaultConfig returns layer-one (struct default) configuration.
func DefaultConfig() *Config {
	return &Config{
		Layers: LayerConfig{
			StrategicTTL:      120 * time.Second,
			DesignTTL:         300 * time.Second,
			ImplementationTTL: 600 * time.Second,
		},
		Backend: BackendConfig{
			Mode:           BackendHybrid,
			Timeout:        30 * time.Second,
			RetryJitterMax: 2 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CooldownMs:       60 * time.Second,
		},
		Budget: BudgetConfig{},
		Cache: CacheConfig{
			CapacityBytes: 64 * 1024 * 1024,
			HighWatermark: 0.9,
			Backend:       "memory",
		},
		Memory: MemoryConfig{
			ShortTermMaxAgeDays:    7,
			ConsolidationThreshold: 1024,
			Backend:                "memory",
		},
		Learning: LearningConfig{
			Rate:                    0.1,
			MaxIterationsPerSession: 3,
			EscalationMagnitude:     0.7,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cogcore",
			Exporter:    "stdout",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadFromEnv applies layer-two (environment variable) overrides in place.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("COGCORE_LAYERS_STRATEGIC_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Layers.StrategicTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_LAYERS_DESIGN_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Layers.DesignTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_LAYERS_IMPLEMENTATION_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Layers.ImplementationTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_BACKEND_MODE"); v != "" {
		c.Backend.Mode = BackendMode(v)
	}
	if v := os.Getenv("COGCORE_BACKEND_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Backend.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_BACKEND_RETRY_JITTER_MS_MAX"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Backend.RetryJitterMax = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_BACKEND_LIVE_ENDPOINT"); v != "" {
		c.Backend.LiveEndpoint = v
	}
	if v := os.Getenv("COGCORE_BACKEND_LIVE_API_KEY"); v != "" {
		c.Backend.LiveAPIKey = v
	}
	if v := os.Getenv("COGCORE_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("COGCORE_BREAKER_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Breaker.CooldownMs = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COGCORE_BUDGET_PER_SESSION_CENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budget.PerSessionCents = n
		}
	}
	if v := os.Getenv("COGCORE_BUDGET_PER_HOUR_CENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budget.PerHourCents = n
		}
	}
	if v := os.Getenv("COGCORE_CACHE_CAPACITY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.CapacityBytes = n
		}
	}
	if v := os.Getenv("COGCORE_CACHE_HIGH_WATERMARK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Cache.HighWatermark = f
		}
	}
	if v := os.Getenv("COGCORE_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("COGCORE_CACHE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("COGCORE_MEMORY_SHORT_TERM_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.ShortTermMaxAgeDays = n
		}
	}
	if v := os.Getenv("COGCORE_MEMORY_CONSOLIDATION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.ConsolidationThreshold = n
		}
	}
	if v := os.Getenv("COGCORE_MEMORY_BACKEND"); v != "" {
		c.Memory.Backend = v
	}
	if v := os.Getenv("COGCORE_MEMORY_REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
	}
	if v := os.Getenv("COGCORE_LEARNING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Learning.Rate = f
		}
	}
	if v := os.Getenv("COGCORE_LEARNING_MAX_ITERATIONS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Learning.MaxIterationsPerSession = n
		}
	}
	if v := os.Getenv("COGCORE_LEARNING_ESCALATION_MAGNITUDE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Learning.EscalationMagnitude = f
		}
	}
	if v := os.Getenv("COGCORE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("COGCORE_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("COGCORE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("COGCORE_LOGGING_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COGCORE_LOGGING_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("COGCORE_LOGGING_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Option applies a layer-three (functional option) override; the highest
// priority layer.
type Option func(*Config) error

func WithBackendMode(mode BackendMode) Option {
	return func(c *Config) error {
		c.Backend.Mode = mode
		return nil
	}
}

func WithBudget(perSessionCents, perHourCents int) Option {
	return func(c *Config) error {
		if perSessionCents < 0 || perHourCents < 0 {
			return NewCoreError("WithBudget", "InvalidConfiguration", ErrInvalidConfiguration)
		}
		c.Budget.PerSessionCents = perSessionCents
		c.Budget.PerHourCents = perHourCents
		return nil
	}
}

func WithCacheBackend(backend, redisURL string) Option {
	return func(c *Config) error {
		c.Cache.Backend = backend
		c.Cache.RedisURL = redisURL
		return nil
	}
}

func WithMemoryBackend(backend, redisURL string) Option {
	return func(c *Config) error {
		c.Memory.Backend = backend
		c.Memory.RedisURL = redisURL
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// NewConfig applies all three configuration layers in priority order and
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Telemetry.ServiceName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the configuration's root logger, building one lazily if
// NewConfig was bypassed (e.g. in tests constructing Config literally).
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Telemetry.ServiceName)
	}
	return c.logger
}

// Validate checks invariants NewConfig cannot express as simple defaults.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendLive, BackendMock, BackendHybrid:
	default:
		return NewCoreError("Config.Validate", "InvalidConfiguration",
			fmt.Errorf("%w: unknown backend.mode %q", ErrInvalidConfiguration, c.Backend.Mode))
	}
	if c.Cache.HighWatermark <= 0 || c.Cache.HighWatermark > 1 {
		return NewCoreError("Config.Validate", "InvalidConfiguration",
			fmt.Errorf("%w: cache.high_watermark must be in (0,1]", ErrInvalidConfiguration))
	}
	if c.Breaker.FailureThreshold < 1 {
		return NewCoreError("Config.Validate", "InvalidConfiguration",
			fmt.Errorf("%w: breaker.failure_threshold must be >= 1", ErrInvalidConfiguration))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return NewCoreError("Config.Validate", "MissingConfiguration",
			fmt.Errorf("%w: cache.backend=redis requires cache.redis_url", ErrMissingConfiguration))
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisURL == "" {
		return NewCoreError("Config.Validate", "MissingConfiguration",
			fmt.Errorf("%w: memory.backend=redis requires memory.redis_url", ErrMissingConfiguration))
	}
	return nil
}
