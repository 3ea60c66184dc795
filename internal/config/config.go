// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `env:"PORT" envDefault:"8080"`
	ServerReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	ServerWriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AppBaseURL         string        `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`

	// NATS settings
	NATSURL      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSCAFile   string `env:"NATS_CA_FILE"`
	NATSCertFile string `env:"NATS_CERT_FILE"`
	NATSKeyFile  string `env:"NATS_KEY_FILE"`
	NATSToken    string `env:"NATS_TOKEN"`

	// Storage
	DatabaseURL    string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/support?sslmode=disable"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	RunMigrations  bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	RedisURL       string        `env:"REDIS_URL"`

	// Encryption key for channel and ticketing credentials at rest.
	CredentialsKey string `env:"CREDENTIALS_KEY" envDefault:"development-credentials-key-change-me"`

	// JWT settings
	JWTSecret string `env:"JWT_SECRET" envDefault:"development-secret-change-in-production"`

	// LLM settings
	AnthropicAPIKey     string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey        string `env:"OPENAI_API_KEY"`
	DefaultLLM          string `env:"DEFAULT_LLM" envDefault:"anthropic"`
	ChatModel           string `env:"CHAT_MODEL"`
	JudgeModel          string `env:"JUDGE_MODEL"`
	EmbeddingModel      string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int    `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`

	// Transactional email
	EmailAPIKey string `env:"EMAIL_API_KEY"`
	EmailAPIURL string `env:"EMAIL_API_URL" envDefault:"https://api.resend.com"`
	EmailFrom   string `env:"EMAIL_FROM" envDefault:"Support Bot <notifications@example.com>"`

	// Dashboard origins allowed to call the authenticated API.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Rate limiting
	RateLimitRequests       int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	RateLimitWindow         time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	WidgetRateLimitRequests int           `env:"WIDGET_RATE_LIMIT_REQUESTS" envDefault:"20"`
	WidgetRateLimitWindow   time.Duration `env:"WIDGET_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Queue workers
	WorkersEnabled           bool          `env:"WORKERS_ENABLED" envDefault:"true"`
	OutboundRetryConcurrency int           `env:"OUTBOUND_RETRY_CONCURRENCY" envDefault:"8"`
	CreditGrantConcurrency   int           `env:"CREDIT_GRANT_CONCURRENCY" envDefault:"2"`
	AnalyticsConcurrency     int           `env:"ANALYTICS_CONCURRENCY" envDefault:"1"`
	AnalyticsRollupInterval  time.Duration `env:"ANALYTICS_ROLLUP_INTERVAL" envDefault:"1h"`

	// Logging
	Env      string `env:"ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Tracing
	TracingEndpoint string `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
	TracingEnabled  bool   `env:"TRACING_ENABLED" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("CREDENTIALS_KEY must not be empty")
	}
	return &cfg, nil
}
