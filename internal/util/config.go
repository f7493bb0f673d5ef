package util

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

//nolint:gochecknoglobals // here its ok
var once sync.Once

func loadDotEnv() {
	once.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("Warning: could not load .env file: %v", err)
		}
	})
}

const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"

	RawTokenLength = 32
	JWTLeeWay      = 5 * time.Second
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Server   ServerConfig
	Token    TokenConfig
	Session  SessionConfig
	DB       DBConfig
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Security SecurityConfig
}

type ServerConfig struct {
	ServerAddr      string        `env:"SERVER_ADDRESS" envDefault:"localhost:8080" validate:"required,hostname_port"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s" validate:"duration_gt0"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s" validate:"duration_gt0"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"30s" validate:"duration_gt0"`
	GracefulTimeout time.Duration `env:"GRACEFUL_TIMEOUT" envDefault:"5s" validate:"duration_gt0"`
}

type TokenConfig struct {
	JwtSecretKey string        `env:"JWT_SECRET" validate:"required,min=32"`
	Issuer       string        `env:"JWT_ISSUER" envDefault:"authsessions" validate:"required"`
	Audience     string        `env:"JWT_AUDIENCE" envDefault:"authsessions-api" validate:"required"`
	AccessTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m" validate:"duration_gt0"`
	RefreshTTL   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h" validate:"duration_gt0"`
}

type SessionConfig struct {
	Backend           string        `env:"SESSION_STORE" envDefault:"postgres" validate:"oneof=postgres redis memory"`
	StoreTimeout      time.Duration `env:"SESSION_STORE_TIMEOUT" envDefault:"3s" validate:"duration_gt0"`
	MaxInsertAttempts int           `env:"SESSION_MAX_INSERT_ATTEMPTS" envDefault:"3" validate:"gte=1,lte=10"`
	Retention         time.Duration `env:"SESSION_RETENTION" envDefault:"336h" validate:"duration_gt0"`
	SeedUserEmail     string        `env:"SEED_USER_EMAIL" validate:"omitempty,email"`
	SeedUserPassword  string        `env:"SEED_USER_PASSWORD" validate:"required_with=SeedUserEmail,password_bytes"`
}

type DBConfig struct {
	DSN string `env:"DATABASE_URL"`
}

type RedisConfig struct {
	Addr      string `env:"ADDR" envDefault:"localhost:6379" validate:"required,hostname_port"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0" validate:"gte=0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"authsessions" validate:"required"`
}

type SecurityConfig struct {
	AdminAPIKey    string        `env:"AUTH_SERVICE_API_KEY"`
	APIKeyGrace    time.Duration `env:"API_KEY_GRACE" envDefault:"24h" validate:"duration_gt0"`
	WebhookURL     string        `env:"WEBHOOK_URL" validate:"omitempty,url"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s" validate:"duration_gt0"`
}

// LoadConfig reads .env (if present), then the process environment, and
// validates the result.
func LoadConfig() (*Config, error) {
	loadDotEnv()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Session.Backend != StoreBackendMemory && c.DB.DSN == "" {
		return fmt.Errorf("config validation: DATABASE_URL is required for %s session store", c.Session.Backend)
	}
	return nil
}
