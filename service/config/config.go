package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Aptos configuration
	AptosNodeURL    string
	AptosIndexerURL string
	AptosAPIKey     string
	RPCRateLimit    float64

	// Contract configuration
	ModuleAddress  string
	ModuleName     string
	CollectionName string
	CatalogFile    string

	// Signer configuration. At most one of PrivateKey and Mnemonic is set.
	SignerPrivateKey     string
	SignerMnemonic       string
	SignerDerivationPath string

	// Action configuration
	RefreshDelay    time.Duration
	FinalityTimeout time.Duration
	ViewConcurrency int
	SnapshotMaxAge  time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	RefreshInterval   time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Aptos configuration
	cfg.AptosNodeURL = getEnvOrDefault("APTOS_NODE_URL", "https://fullnode.testnet.aptoslabs.com/v1")
	cfg.AptosIndexerURL = getEnvOrDefault("APTOS_INDEXER_URL", "https://api.testnet.aptoslabs.com/v1/graphql")
	cfg.AptosAPIKey = os.Getenv("APTOS_API_KEY")

	rateLimit, err := parseFloat("RPC_RATE_LIMIT", 0)
	if err != nil {
		errs = append(errs, err)
	} else if rateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPC_RATE_LIMIT must not be negative"))
	} else {
		cfg.RPCRateLimit = rateLimit
	}

	// Contract configuration
	cfg.ModuleAddress = os.Getenv("CARBON_MODULE_ADDRESS")
	if cfg.ModuleAddress == "" {
		errs = append(errs, fmt.Errorf("CARBON_MODULE_ADDRESS is required"))
	}
	cfg.ModuleName = getEnvOrDefault("CARBON_MODULE_NAME", "carbon_credit_v3")
	cfg.CollectionName = getEnvOrDefault("CARBON_COLLECTION_NAME", "CarbonMove Market V3")
	cfg.CatalogFile = os.Getenv("CATALOG_FILE")

	// Signer configuration
	cfg.SignerPrivateKey = os.Getenv("SIGNER_PRIVATE_KEY")
	cfg.SignerMnemonic = os.Getenv("SIGNER_MNEMONIC")
	cfg.SignerDerivationPath = getEnvOrDefault("SIGNER_DERIVATION_PATH", "m/44'/637'/0'/0'/0'")
	if cfg.SignerPrivateKey != "" && cfg.SignerMnemonic != "" {
		errs = append(errs, fmt.Errorf("SIGNER_PRIVATE_KEY and SIGNER_MNEMONIC are mutually exclusive"))
	}

	// Action configuration
	if cfg.RefreshDelay, err = parseDuration("REFRESH_DELAY", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.FinalityTimeout, err = parseDuration("FINALITY_TIMEOUT", "20s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SnapshotMaxAge, err = parseDuration("SNAPSHOT_MAX_AGE", "15s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ViewConcurrency, err = parseInt("VIEW_CONCURRENCY", 8); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "carbonmove-actions")
	if cfg.RefreshInterval, err = parseDuration("REFRESH_INTERVAL", "1m"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// HasSigner reports whether a signing key is configured.
func (c *Config) HasSigner() bool {
	return c.SignerPrivateKey != "" || c.SignerMnemonic != ""
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.AptosNodeURL == "" {
		errs = append(errs, fmt.Errorf("AptosNodeURL is required"))
	}

	if c.AptosIndexerURL == "" {
		errs = append(errs, fmt.Errorf("AptosIndexerURL is required"))
	}

	if c.ModuleAddress == "" {
		errs = append(errs, fmt.Errorf("ModuleAddress is required"))
	}

	if c.ModuleName == "" {
		errs = append(errs, fmt.Errorf("ModuleName is required"))
	}

	if c.CollectionName == "" {
		errs = append(errs, fmt.Errorf("CollectionName is required"))
	}

	if c.SignerPrivateKey != "" && c.SignerMnemonic != "" {
		errs = append(errs, fmt.Errorf("SignerPrivateKey and SignerMnemonic are mutually exclusive"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.RefreshDelay < 0 {
		errs = append(errs, fmt.Errorf("RefreshDelay must not be negative"))
	}

	if c.FinalityTimeout < time.Second {
		errs = append(errs, fmt.Errorf("FinalityTimeout must be at least 1 second"))
	}

	if c.ViewConcurrency < 1 {
		errs = append(errs, fmt.Errorf("ViewConcurrency must be at least 1"))
	}

	if c.RefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("RefreshInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
