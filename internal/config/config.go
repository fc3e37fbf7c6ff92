// Package config provides configuration management for the orchestrator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/ntt-orchestrator/internal/errors"
)

// Cursor modes for the event scanner
const (
	// CursorAdvanceFirst stores the head before fetching logs; a failed fetch skips the range
	CursorAdvanceFirst = "advance-first"
	// CursorAfterScan stores the head only once the range was fetched; ranges may be scanned twice
	CursorAfterScan = "after-scan"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Scanner  ScannerConfig
	Chains   ChainsConfig
	NTT      NTTConfig
	Solana   SolanaConfig
	Frontend FrontendConfig
	Export   ExportConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              string
	Host              string
	RequestsPerSecond int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ConnectionString returns the pgx DSN for this configuration
func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// RedisConfig holds the broker connection. One client is shared by every queue.
type RedisConfig struct {
	URL string
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Prefix          string
	Concurrency     int
	PollInterval    time.Duration
	Attempts        int
	// LockDuration is how long a claimed job stays owned without a refresh
	LockDuration    time.Duration
	// StalledInterval is how often active jobs with expired locks are requeued
	StalledInterval time.Duration
}

// ScannerConfig holds settings for the check-events task
type ScannerConfig struct {
	Networks   []string
	Schedule   string
	CursorMode string
	// MaxBlockRange caps the blocks requested per log query
	MaxBlockRange uint64
}

// ChainsConfig holds per-chain settings keyed by numeric chain id
type ChainsConfig struct {
	Chains map[string]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
}

// NTTConfig holds settings for the ntt command line tool
type NTTConfig struct {
	Binary          string
	BasePath        string
	NetworkEnv      string
	PushAfterLimits bool
}

// SolanaConfig holds settings for the Solana tooling
type SolanaConfig struct {
	KeygenBinary   string
	SPLTokenBinary string
	PayerPath      string
	Decimals       int
}

// FrontendConfig holds the notification endpoint
type FrontendConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// ExportConfig holds job history export settings
type ExportConfig struct {
	Dir string
}

// MetricsConfig holds the worker metrics listener
type MetricsConfig struct {
	Addr string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "3000"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "ntt_orchestrator"),
				User:           getEnv("POSTGRES_USER", "orchestrator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				URL: getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
			},
		},
		Queue: QueueConfig{
			Prefix:          getEnv("QUEUE_PREFIX", "bull"),
			Concurrency:     getEnvAsInt("QUEUE_CONCURRENCY", 1),
			PollInterval:    getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			Attempts:        getEnvAsInt("QUEUE_ATTEMPTS", 2),
			LockDuration:    getEnvAsDuration("QUEUE_LOCK_DURATION", 30*time.Second),
			StalledInterval: getEnvAsDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
		},
		Scanner: ScannerConfig{
			Networks:      splitList(getEnv("NETWORKS", "")),
			Schedule:      getEnv("CHECK_EVENTS_SCHEDULE", "@every 30s"),
			CursorMode:    getEnv("SCANNER_CURSOR_MODE", CursorAdvanceFirst),
			MaxBlockRange: getEnvAsUint64("SCANNER_MAX_BLOCK_RANGE", 2000),
		},
		NTT: NTTConfig{
			Binary:          getEnv("NTT_BINARY", "ntt"),
			BasePath:        getEnv("BASE_PATH", "./projects"),
			NetworkEnv:      getEnv("NETWORK_ENV", "Testnet"),
			PushAfterLimits: getEnvAsBool("NTT_PUSH_AFTER_LIMITS", false),
		},
		Solana: SolanaConfig{
			KeygenBinary:   getEnv("SOLANA_KEYGEN_BINARY", "solana-keygen"),
			SPLTokenBinary: getEnv("SPL_TOKEN_BINARY", "spl-token"),
			PayerPath:      getEnv("SOLANA_PAYER_PATH", ""),
			Decimals:       getEnvAsInt("SOLANA_TOKEN_DECIMALS", 9),
		},
		Frontend: FrontendConfig{
			APIURL:  getEnv("FRONTEND_API_URL", ""),
			APIKey:  getEnv("FRONTEND_API_KEY", ""),
			Timeout: getEnvAsDuration("FRONTEND_TIMEOUT", 10*time.Second),
		},
		Export: ExportConfig{
			Dir: getEnv("EXPORT_DIR", "./exports"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9100"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs(config.Scanner.Networks)

	return config, nil
}

// loadChainConfigs collects CHAIN_<ID>_* settings for every id mentioned in
// the environment, plus the scanned networks
func loadChainConfigs(networks []string) ChainsConfig {
	ids := make(map[string]struct{})
	for _, n := range networks {
		ids[n] = struct{}{}
	}
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if !strings.HasPrefix(key, "CHAIN_") {
			continue
		}
		rest := strings.TrimPrefix(key, "CHAIN_")
		if i := strings.Index(rest, "_"); i > 0 {
			ids[rest[:i]] = struct{}{}
		}
	}

	chains := make(map[string]ChainConfig, len(ids))
	for id := range ids {
		prefix := "CHAIN_" + strings.ToUpper(id)
		chains[id] = ChainConfig{
			RPCURL:          getEnv(prefix+"_RPC_URL", ""),
			ContractAddress: getEnv(prefix+"_CONTRACT_ADDRESS", ""),
			PrivateKey:      getEnv(prefix+"_PRIVATE_KEY", ""),
		}
	}

	return ChainsConfig{Chains: chains}
}

// RPCURL returns the RPC endpoint for a chain or a configuration error
func (c ChainsConfig) RPCURL(chainID string) (string, error) {
	if v := c.Chains[chainID].RPCURL; v != "" {
		return v, nil
	}
	return "", apperrors.NewConfigurationError("CHAIN_"+chainID+"_RPC_URL", "not set")
}

// ContractAddress returns the factory address for a chain or a configuration error
func (c ChainsConfig) ContractAddress(chainID string) (string, error) {
	if v := c.Chains[chainID].ContractAddress; v != "" {
		return v, nil
	}
	return "", apperrors.NewConfigurationError("CHAIN_"+chainID+"_CONTRACT_ADDRESS", "not set")
}

// PrivateKey returns the deployer key for a chain or a configuration error
func (c ChainsConfig) PrivateKey(chainID string) (string, error) {
	if v := c.Chains[chainID].PrivateKey; v != "" {
		return v, nil
	}
	return "", apperrors.NewConfigurationError("CHAIN_"+chainID+"_PRIVATE_KEY", "not set")
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

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
// getEnvAsUint64 gets an environment variable as an unsigned integer with a default value
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
