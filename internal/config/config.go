package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Each service reads the sections it needs.
//
// Sources are layered: built-in defaults, then the YAML file named by CONFIG_FILE, then a
// .env file (ENV_FILE, default ".env"), then the process environment. Environment keys are
// the section prefix plus the field key, e.g. HTTP_ADDRESS or UPSTREAM_TIMEOUT.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" envconfig:"HTTP"`
	GRPC     GRPCConfig     `yaml:"grpc" envconfig:"GRPC"`
	Database DatabaseConfig `yaml:"database" envconfig:"DB"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Upstream UpstreamConfig `yaml:"upstream" envconfig:"UPSTREAM"`
	Orders   OrdersConfig   `yaml:"orders" envconfig:"ORDERS"`
	Payments PaymentsConfig `yaml:"payments" envconfig:"PAYMENTS"`
	Kafka    KafkaConfig    `yaml:"kafka" envconfig:"KAFKA"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Address         string        `yaml:"address" split_words:"true"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
}

// GRPCConfig contains the gRPC health server settings.
type GRPCConfig struct {
	Address string `yaml:"address" split_words:"true"` // e.g. ":50051"; empty disables it
}

// DatabaseConfig contains database-related settings.
type DatabaseConfig struct {
	Path string `yaml:"path" split_words:"true"` // SQLite file; empty means <schema>.db
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwtSecret" split_words:"true"`
	ServiceName     string        `yaml:"serviceName" split_words:"true"`
	ServiceTokenTTL time.Duration `yaml:"serviceTokenTTL" split_words:"true"`
}

// UpstreamConfig contains service-to-service client settings.
type UpstreamConfig struct {
	OrderServiceURL   string        `yaml:"orderServiceUrl" split_words:"true"`
	PaymentServiceURL string        `yaml:"paymentServiceUrl" split_words:"true"`
	Timeout           time.Duration `yaml:"timeout" split_words:"true"`
	RetryMax          int           `yaml:"retryMax" split_words:"true"`
	RetryBackoff      time.Duration `yaml:"retryBackoff" split_words:"true"`
}

// OrdersConfig contains order lifecycle settings.
type OrdersConfig struct {
	DedupWindow        time.Duration `yaml:"dedupWindow" split_words:"true"`
	NumberTimezone     string        `yaml:"numberTimezone" split_words:"true"`
	DefaultDeliveryFee int64         `yaml:"defaultDeliveryFee" split_words:"true"`
	Currency           string        `yaml:"currency" split_words:"true"`
}

// PaymentsConfig contains payment gateway settings.
type PaymentsConfig struct {
	TTL                 time.Duration `yaml:"ttl" split_words:"true"`
	ReturnURL           string        `yaml:"returnUrl" split_words:"true"`
	SandboxURL          string        `yaml:"sandboxUrl" split_words:"true"`
	SandboxSecret       string        `yaml:"sandboxSecret" split_words:"true"`
	StripeSecretKey     string        `yaml:"stripeSecretKey" split_words:"true"`
	StripeWebhookSecret string        `yaml:"stripeWebhookSecret" split_words:"true"`
}

// KafkaConfig contains event publishing settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers             []string `yaml:"brokers" split_words:"true"`
	OrderEventsTopic    string   `yaml:"orderEventsTopic" split_words:"true"`
	ReconciliationTopic string   `yaml:"reconciliationTopic" split_words:"true"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `yaml:"level" split_words:"true"`
}

const devJWTSecret = "dev-secret-change-me"

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:         ":8080",
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC:     GRPCConfig{Address: ":50051"},
		Database: DatabaseConfig{},
		Auth: AuthConfig{
			ServiceTokenTTL: 10 * time.Minute,
		},
		Upstream: UpstreamConfig{
			OrderServiceURL:   "http://localhost:8080",
			PaymentServiceURL: "http://localhost:8081",
			Timeout:           30 * time.Second,
			RetryMax:          2,
			RetryBackoff:      200 * time.Millisecond,
		},
		Orders: OrdersConfig{
			DedupWindow:        3 * time.Second,
			NumberTimezone:     "UTC",
			DefaultDeliveryFee: 10000,
			Currency:           "VND",
		},
		Payments: PaymentsConfig{
			TTL:        15 * time.Minute,
			ReturnURL:  "http://localhost:3000/orders",
			SandboxURL: "http://localhost:9090",
		},
		Kafka: KafkaConfig{
			OrderEventsTopic:    "order.status.changed",
			ReconciliationTopic: "reconciliation.required",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from all sources. JWT secret is required.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is not set; required for production")
	}
	return cfg, nil
}

// LoadWithDefaults is like Load but uses a development default for the JWT secret.
// WARNING: Only use in development! Use Load() in production.
func LoadWithDefaults() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = devJWTSecret
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if c.Upstream.RetryMax < 0 {
		return fmt.Errorf("upstream retry max must be >= 0")
	}
	if c.Orders.DedupWindow < 0 {
		return fmt.Errorf("orders dedup window must be >= 0")
	}
	if c.Orders.DefaultDeliveryFee < 0 {
		return fmt.Errorf("orders default delivery fee must be >= 0")
	}
	if _, err := time.LoadLocation(c.Orders.NumberTimezone); err != nil {
		return fmt.Errorf("orders number timezone: %w", err)
	}
	if c.Payments.TTL <= 0 {
		return fmt.Errorf("payments ttl must be positive")
	}
	return nil
}

// Location returns the timezone used for order and mission numbers.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Orders.NumberTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// String returns a string representation of the config (sensitive values are masked).
func (c *Config) String() string {
	return fmt.Sprintf("Config{HTTP: %s, gRPC: %s, DB: %s, Upstream: order=%s payment=%s timeout=%s, Kafka: %v, Auth: *** (masked) ***, Gateways: *** (masked) ***}",
		c.HTTP.Address, c.GRPC.Address, c.Database.Path,
		c.Upstream.OrderServiceURL, c.Upstream.PaymentServiceURL, c.Upstream.Timeout, c.Kafka.Brokers)
}
