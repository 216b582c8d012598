package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Bundles   BundlesConfig   `json:"bundles" yaml:"bundles"`
	Log       LogConfig       `json:"log" yaml:"log"`
	// Features overrides flag defaults by name.
	Features map[string]bool `json:"features" yaml:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port      string `json:"port" yaml:"port"`
	Host      string `json:"host" yaml:"host"`
	EnableTLS bool   `json:"enable_tls" yaml:"enable_tls"`
	CertFile  string `json:"cert_file" yaml:"cert_file"`
	KeyFile   string `json:"key_file" yaml:"key_file"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	// Driver is sqlite3 or pgx.
	Driver string `json:"driver" yaml:"driver"`
	// Path is the sqlite file; URL is the postgres connection string.
	Path string `json:"path" yaml:"path"`
	URL  string `json:"url" yaml:"url"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "pgx" {
		return d.URL
	}
	return d.Path
}

// RedisConfig holds cache configuration. An empty Addr selects the in-memory cache.
type RedisConfig struct {
	Addr       string `json:"addr" yaml:"addr"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TTL returns the cache entry lifetime.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
	// AppSecret verifies the HS256 session tokens issued to the embedded admin.
	AppSecret string `json:"app_secret" yaml:"app_secret"`
}

// RateLimitConfig holds per-client request rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// TracingConfig holds Jaeger exporter configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Environment string `json:"environment" yaml:"environment"`
}

// KafkaConfig holds the event sink configuration. No brokers disables the sink.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// BundlesConfig holds the business limits applied to bundles.
type BundlesConfig struct {
	MaxFixedDiscount          string `json:"max_fixed_discount" yaml:"max_fixed_discount"`
	CreationLimit             int    `json:"creation_limit" yaml:"creation_limit"`
	CreationWindowSeconds     int    `json:"creation_window_seconds" yaml:"creation_window_seconds"`
	ActivationIntervalSeconds int    `json:"activation_interval_seconds" yaml:"activation_interval_seconds"`
}

// FixedDiscountCeiling parses MaxFixedDiscount.
func (b BundlesConfig) FixedDiscountCeiling() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(b.MaxFixedDiscount)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid max fixed discount %q", b.MaxFixedDiscount)
	}
	return d, nil
}

// CreationWindow returns the trailing window of the creation guard.
func (b BundlesConfig) CreationWindow() time.Duration {
	return time.Duration(b.CreationWindowSeconds) * time.Second
}

// ActivationInterval returns how often scheduled bundles are checked.
func (b BundlesConfig) ActivationInterval() time.Duration {
	return time.Duration(b.ActivationIntervalSeconds) * time.Second
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// LoadConfig loads configuration from a .env file, environment variables and/or
// a config file. Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := defaults()

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Path:   "./bundles.db",
		},
		Redis: RedisConfig{
			TTLSeconds: 300,
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			Environment: "development",
		},
		Kafka: KafkaConfig{
			Topic: "bundle-events",
		},
		Bundles: BundlesConfig{
			MaxFixedDiscount:          "10000",
			CreationLimit:             5,
			CreationWindowSeconds:     60,
			ActivationIntervalSeconds: 60,
		},
		Log: LogConfig{
			Level: "info",
		},
		Features: map[string]bool{},
	}
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setBool(&cfg.Server.EnableTLS, "SERVER_ENABLE_TLS")
	setString(&cfg.Server.CertFile, "SERVER_CERT_FILE")
	setString(&cfg.Server.KeyFile, "SERVER_KEY_FILE")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.Path, "DATABASE_PATH")
	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.TTLSeconds, "REDIS_TTL_SECONDS")

	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")
	setString(&cfg.Security.AppSecret, "APP_SECRET")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "JAEGER_ENDPOINT")
	setString(&cfg.Tracing.Environment, "ENVIRONMENT")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	setString(&cfg.Bundles.MaxFixedDiscount, "BUNDLE_MAX_FIXED_DISCOUNT")
	setInt(&cfg.Bundles.CreationLimit, "BUNDLE_CREATION_LIMIT")
	setInt(&cfg.Bundles.CreationWindowSeconds, "BUNDLE_CREATION_WINDOW_SECONDS")
	setInt(&cfg.Bundles.ActivationIntervalSeconds, "BUNDLE_ACTIVATION_INTERVAL_SECONDS")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setBool(&cfg.Log.Pretty, "LOG_PRETTY")

	// FEATURE_<NAME>=true|false toggles a flag, e.g. FEATURE_STOREFRONT_WIDGET=false.
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FEATURE_") || value == "" {
			continue
		}
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		cfg.Features[strings.ToLower(strings.TrimPrefix(key, "FEATURE_"))] = parseBool(value)
	}
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = parseBool(value)
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "pgx":
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the pgx driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	if c.Security.AppSecret == "" {
		return fmt.Errorf("app secret is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Bundles.CreationLimit < 0 || c.Bundles.CreationWindowSeconds < 0 {
		return fmt.Errorf("bundle creation limit and window must not be negative")
	}
	if c.Bundles.ActivationIntervalSeconds <= 0 {
		return fmt.Errorf("bundle activation interval must be positive")
	}
	if _, err := c.Bundles.FixedDiscountCeiling(); err != nil {
		return err
	}
	return nil
}
