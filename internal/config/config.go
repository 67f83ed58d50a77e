package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds runtime configuration for the job server.
type Config struct {
	// CredentialsFile names the JSON file with server_address, certfile and keyfile.
	CredentialsFile string        `env:"CREDENTIALS_FILE" envDefault:"credentials.json"`
	OpsAddr         string        `env:"OPS_ADDR" envDefault:":9090"`
	ConnTimeout     time.Duration `env:"CONN_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5ms"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" envDefault:"67108864"`
	LogDebug        bool          `env:"LOG_DEBUG" envDefault:"false"`
	// ProfilesFile replaces the built-in hardware profiles when set.
	ProfilesFile string `env:"PROFILES_FILE"`

	Redis     RedisConfig `envPrefix:"REDIS_"`
	RateLimit RateLimitConfig

	// ArchiveDSN enables the Postgres job archive.
	ArchiveDSN string `env:"ARCHIVE_DSN"`
	Artifacts  ArtifactConfig

	SimulatorURL     string        `env:"SIMULATOR_URL"`
	SimulatorTimeout time.Duration `env:"SIMULATOR_TIMEOUT" envDefault:"60s"`
}

// RedisConfig locates the rate limiter's Redis. An empty Addr disables rate
// limiting.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// RateLimitConfig sizes the per-host submit token bucket.
type RateLimitConfig struct {
	Capacity     int     `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RefillPerSec float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"0.5"`
}

// ArtifactConfig selects where finished records are published. S3 wins
// over a local directory; with neither set nothing is published.
type ArtifactConfig struct {
	Dir         string `env:"ARTIFACT_DIR"`
	S3Bucket    string `env:"ARTIFACT_S3_BUCKET"`
	S3Region    string `env:"ARTIFACT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"ARTIFACT_S3_ENDPOINT"`
	S3PathStyle bool   `env:"ARTIFACT_S3_PATH_STYLE" envDefault:"false"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.CredentialsFile == "" {
		return errors.New("CREDENTIALS_FILE is required")
	}
	if c.ConnTimeout <= 0 {
		return fmt.Errorf("CONN_TIMEOUT must be positive, got %s", c.ConnTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	}
	if c.Redis.Addr != "" && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSec <= 0) {
		return errors.New("rate limit capacity and refill must be positive when REDIS_ADDR is set")
	}
	return nil
}

// NewLogger builds the process logger: production JSON, or development
// console output when LOG_DEBUG is set.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
