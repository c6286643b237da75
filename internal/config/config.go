package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"deskmeter/internal/billing"
)

type Config struct {
	Store string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	// DBMaxConns bounds the pool shared by the API, the charge scheduler and recovery.
	DBMaxConns int

	RedisHost string
	RedisPort string

	BusProvider string
	NatsHost    string
	NatsPort    string
	GRPCBusAddr string

	ApiEnabled string
	ApiPort    string
	GRPCPort   string

	ProviderURL     string
	ProviderAPIKey  string
	ProviderImageID string
	ProviderZone    string
	ProviderTimeout time.Duration

	ProviderMaxRetries int

	DefaultPricePerMinute    decimal.Decimal
	DefaultMinBalanceToStart decimal.Decimal
	ChargeInterval           time.Duration
	ProvisionalTimeout       time.Duration
	ConflictRetries          int

	LogLevel string
}

// New loads and validates configuration from environment variables.
// Redis, the HTTP API and the gRPC server are optional; the database is only
// required when DESKMETER_STORE is postgres.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store:           getEnv("DESKMETER_STORE", "postgres"),
		DBUser:          os.Getenv("DESKMETER_POSTGRES_USER"),
		DBPass:          os.Getenv("DESKMETER_POSTGRES_PASSWORD"),
		DBHost:          os.Getenv("DESKMETER_POSTGRES_HOST"),
		DBPort:          getEnv("DESKMETER_POSTGRES_PORT", "5432"),
		DBName:          os.Getenv("DESKMETER_POSTGRES_DB"),
		SSLMode:         getEnv("DESKMETER_POSTGRES_SSLMODE", "disable"),
		RedisHost:       os.Getenv("DESKMETER_REDIS_HOST"),
		RedisPort:       getEnv("DESKMETER_REDIS_PORT", "6379"),
		BusProvider:     getEnv("DESKMETER_BUS_PROVIDER", "none"),
		NatsHost:        os.Getenv("DESKMETER_NATS_HOST"),
		NatsPort:        getEnv("DESKMETER_NATS_PORT", "4222"),
		GRPCBusAddr:     os.Getenv("DESKMETER_GRPC_BUS_ADDR"),
		ApiEnabled:      getEnv("DESKMETER_API_ENABLED", "true"),
		ApiPort:         getEnv("DESKMETER_API_PORT", "8080"),
		GRPCPort:        os.Getenv("DESKMETER_GRPC_PORT"),
		ProviderURL:     os.Getenv("DESKMETER_PROVIDER_URL"),
		ProviderAPIKey:  os.Getenv("DESKMETER_PROVIDER_API_KEY"),
		ProviderImageID: os.Getenv("DESKMETER_PROVIDER_IMAGE_ID"),
		ProviderZone:    os.Getenv("DESKMETER_PROVIDER_ZONE"),
		ProviderTimeout: getEnvDuration("DESKMETER_PROVIDER_TIMEOUT", 30*time.Second),
		ChargeInterval:  getEnvDuration("DESKMETER_CHARGE_INTERVAL", time.Minute),
		ConflictRetries: getEnvInt("DESKMETER_CONFLICT_RETRIES", 3),
		LogLevel:        getEnv("DESKMETER_LOG_LEVEL", "info"),

		ProvisionalTimeout: getEnvDuration("DESKMETER_PROVISIONAL_TIMEOUT", 5*time.Minute),
		ProviderMaxRetries: getEnvInt("DESKMETER_PROVIDER_MAX_RETRIES", 3),
		DBMaxConns:         getEnvInt("DESKMETER_POSTGRES_MAX_CONNS", 10),
	}

	var err error
	if cfg.DefaultPricePerMinute, err = getEnvDecimal("DESKMETER_DEFAULT_PRICE_PER_MINUTE", "0.5"); err != nil {
		return nil, err
	}
	if cfg.DefaultMinBalanceToStart, err = getEnvDecimal("DESKMETER_DEFAULT_MIN_BALANCE_TO_START", "2.5"); err != nil {
		return nil, err
	}
	// Money is kept to cents; a price that rounds to zero is rejected.
	cfg.DefaultPricePerMinute = cfg.DefaultPricePerMinute.Round(billing.CurrencyPlaces)
	cfg.DefaultMinBalanceToStart = cfg.DefaultMinBalanceToStart.Round(billing.CurrencyPlaces)
	if !cfg.DefaultPricePerMinute.IsPositive() {
		return nil, fmt.Errorf("DESKMETER_DEFAULT_PRICE_PER_MINUTE must be greater than 0")
	}
	if cfg.DefaultMinBalanceToStart.IsNegative() {
		return nil, fmt.Errorf("DESKMETER_DEFAULT_MIN_BALANCE_TO_START must not be negative")
	}

	switch cfg.Store {
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for database: DESKMETER_POSTGRES_USER/HOST/DB")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid store %q, must be 'postgres' or 'memory'", cfg.Store)
	}

	switch cfg.BusProvider {
	case "none":
	case "nats":
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: DESKMETER_NATS_HOST")
		}
	case "grpc":
		if cfg.GRPCBusAddr == "" {
			return nil, fmt.Errorf("missing required env for grpc bus: DESKMETER_GRPC_BUS_ADDR")
		}
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'none', 'nats' or 'grpc'", cfg.BusProvider)
	}

	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("missing required env: DESKMETER_PROVIDER_URL")
	}
	if cfg.ChargeInterval <= 0 {
		return nil, fmt.Errorf("DESKMETER_CHARGE_INTERVAL must be positive")
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if DESKMETER_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("DESKMETER_API_PORT is required when DESKMETER_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (DESKMETER_API_ENABLED != true)")
}

// GRPCAddr returns the gRPC listen address, or an error when no port is set.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCPort == "" {
		return "", fmt.Errorf("gRPC server is disabled (DESKMETER_GRPC_PORT not set)")
	}
	return ":" + c.GRPCPort, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvDecimal(key, defaultVal string) (decimal.Decimal, error) {
	val := getEnv(key, defaultVal)
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal in %s: %w", key, err)
	}
	return d, nil
}
