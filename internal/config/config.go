package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StorageProvider string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	BusProvider string
	NatsHost    string
	NatsPort    string
	GRPCHost    string
	GRPCPort    string
	GRPCListen  string

	ApiEnabled string
	ApiPort    string

	CASMaxAttempts  int
	CASBaseDelay    time.Duration
	CASMaxDelay     time.Duration
	TransferTimeout time.Duration
	CreditRounds    int

	BonusAmount      int64
	AmountScale      int32
	AddressNamespace string
	AuditInterval    time.Duration
}

// New loads and validates configuration from environment variables.
// Postgres is only required when SKYLEDGER_STORAGE_PROVIDER=postgres; Redis is
// optional and only enables the address cache. The HTTP server is optional:
// if SKYLEDGER_API_ENABLED != "true", ApiAddr() returns an error and the HTTP
// server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StorageProvider:  getEnv("SKYLEDGER_STORAGE_PROVIDER", "memory"),
		DBUser:           os.Getenv("SKYLEDGER_POSTGRES_USER"),
		DBPass:           os.Getenv("SKYLEDGER_POSTGRES_PASSWORD"),
		DBHost:           os.Getenv("SKYLEDGER_POSTGRES_HOST"),
		DBPort:           getEnv("SKYLEDGER_POSTGRES_PORT", "5432"),
		DBName:           os.Getenv("SKYLEDGER_POSTGRES_DB"),
		SSLMode:          getEnv("SKYLEDGER_POSTGRES_SSLMODE", "disable"),
		RedisHost:        os.Getenv("SKYLEDGER_REDIS_HOST"),
		RedisPort:        getEnv("SKYLEDGER_REDIS_PORT", "6379"),
		BusProvider:      getEnv("SKYLEDGER_BUS_PROVIDER", "none"),
		NatsHost:         os.Getenv("SKYLEDGER_NATS_HOST"),
		NatsPort:         getEnv("SKYLEDGER_NATS_PORT", "4222"),
		GRPCHost:         os.Getenv("SKYLEDGER_GRPC_HOST"),
		GRPCPort:         os.Getenv("SKYLEDGER_GRPC_PORT"),
		GRPCListen:       getEnv("SKYLEDGER_GRPC_LISTEN", ":50051"),
		ApiEnabled:       os.Getenv("SKYLEDGER_API_ENABLED"),
		ApiPort:          os.Getenv("SKYLEDGER_API_PORT"),
		CASMaxAttempts:   getEnvInt("SKYLEDGER_CAS_MAX_ATTEMPTS", 8),
		CASBaseDelay:     getEnvDuration("SKYLEDGER_CAS_BASE_DELAY", 2*time.Millisecond),
		CASMaxDelay:      getEnvDuration("SKYLEDGER_CAS_MAX_DELAY", 100*time.Millisecond),
		TransferTimeout:  getEnvDuration("SKYLEDGER_TRANSFER_TIMEOUT", 10*time.Second),
		CreditRounds:     getEnvInt("SKYLEDGER_CREDIT_ROUNDS", 8),
		BonusAmount:      int64(getEnvInt("SKYLEDGER_BONUS_AMOUNT", 30)),
		AmountScale:      int32(getEnvInt("SKYLEDGER_AMOUNT_SCALE", 0)),
		AddressNamespace: getEnv("SKYLEDGER_ADDRESS_NAMESPACE", "skypay"),
		AuditInterval:    getEnvDuration("SKYLEDGER_AUDIT_INTERVAL", 0),
	}

	switch cfg.StorageProvider {
	case "memory":
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for database: SKYLEDGER_POSTGRES_USER/HOST/DB")
		}
	default:
		return nil, fmt.Errorf("invalid storage provider %q, must be 'memory' or 'postgres'", cfg.StorageProvider)
	}

	switch cfg.BusProvider {
	case "none":
	case "nats":
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: SKYLEDGER_NATS_HOST")
		}
	case "grpc":
		if cfg.GRPCHost == "" || cfg.GRPCPort == "" {
			return nil, fmt.Errorf("missing required env for grpc bus: SKYLEDGER_GRPC_HOST/PORT")
		}
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats', 'grpc' or 'none'", cfg.BusProvider)
	}

	if cfg.CASMaxAttempts < 1 {
		return nil, fmt.Errorf("SKYLEDGER_CAS_MAX_ATTEMPTS must be at least 1, got %d", cfg.CASMaxAttempts)
	}
	if cfg.CreditRounds < 1 {
		return nil, fmt.Errorf("SKYLEDGER_CREDIT_ROUNDS must be at least 1, got %d", cfg.CreditRounds)
	}
	if cfg.BonusAmount < 0 {
		return nil, fmt.Errorf("SKYLEDGER_BONUS_AMOUNT must not be negative, got %d", cfg.BonusAmount)
	}
	if cfg.AmountScale < 0 || cfg.AmountScale > 8 {
		return nil, fmt.Errorf("SKYLEDGER_AMOUNT_SCALE must be between 0 and 8, got %d", cfg.AmountScale)
	}
	if cfg.TransferTimeout <= 0 {
		return nil, fmt.Errorf("SKYLEDGER_TRANSFER_TIMEOUT must be positive")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns "" when no Redis host is configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if SKYLEDGER_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("SKYLEDGER_API_PORT is required when SKYLEDGER_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (SKYLEDGER_API_ENABLED != true)")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
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
