package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/retry"
	"github.com/brojonat/freshwallet/service/solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration (optional; scans are not persisted without it)
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration. Several comma-separated URLs may be given; each
	// process picks one.
	SolanaRPCURLs []string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// RPC pacing
	RPCMinInterval     time.Duration
	RPCMaxAttempts     int
	RPCBaseDelay       time.Duration
	RPCMaxDelay        time.Duration
	RPCDetailBatchSize int
	RPCPageSize        int
	RPCSignatureCap    int
	RPCCountCap        int

	// Detection thresholds
	DustThresholdLamports int64
	RelayForwardRatio     float64
	MaxHops               int
	MaxWindow             int

	// SourcesFile is a JSON object mapping source names to account lists.
	SourcesFile string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URL"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "freshwallet-scans")

	// RPC pacing
	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"RPC_MIN_INTERVAL", "250ms", &cfg.RPCMinInterval},
		{"RPC_BASE_DELAY", "1s", &cfg.RPCBaseDelay},
		{"RPC_MAX_DELAY", "8s", &cfg.RPCMaxDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"RPC_MAX_ATTEMPTS", 3, &cfg.RPCMaxAttempts},
		{"RPC_DETAIL_BATCH_SIZE", 3, &cfg.RPCDetailBatchSize},
		{"RPC_PAGE_SIZE", 100, &cfg.RPCPageSize},
		{"RPC_SIGNATURE_CAP", 1000, &cfg.RPCSignatureCap},
		{"RPC_COUNT_CAP", 100, &cfg.RPCCountCap},
		{"MAX_HOPS", 3, &cfg.MaxHops},
		{"MAX_WINDOW", 10, &cfg.MaxWindow},
	}
	for _, i := range ints {
		v, err := parseInt(i.key, i.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*i.dst = v
	}

	dust, err := parseInt("DUST_THRESHOLD_LAMPORTS", 1000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DustThresholdLamports = int64(dust)
	}

	ratio, err := parseFloat("RELAY_FORWARD_RATIO", 0.8)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RelayForwardRatio = ratio
	}

	cfg.SourcesFile = os.Getenv("SOURCES_FILE")

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

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
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

	if c.RPCMinInterval < 0 {
		errs = append(errs, fmt.Errorf("RPCMinInterval cannot be negative"))
	}

	if c.RPCMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RPCMaxAttempts must be at least 1"))
	}

	if c.RPCBaseDelay > c.RPCMaxDelay {
		errs = append(errs, fmt.Errorf("RPCBaseDelay (%v) cannot be greater than RPCMaxDelay (%v)", c.RPCBaseDelay, c.RPCMaxDelay))
	}

	if c.RPCDetailBatchSize < 1 {
		errs = append(errs, fmt.Errorf("RPCDetailBatchSize must be at least 1"))
	}

	if c.RPCPageSize < 1 || c.RPCPageSize > 1000 {
		errs = append(errs, fmt.Errorf("RPCPageSize must be between 1 and 1000"))
	}

	if c.RPCCountCap < 1 || c.RPCCountCap > 1000 {
		errs = append(errs, fmt.Errorf("RPCCountCap must be between 1 and 1000"))
	}

	if c.RPCSignatureCap < 1 {
		errs = append(errs, fmt.Errorf("RPCSignatureCap must be at least 1"))
	}

	if c.DustThresholdLamports < 0 {
		errs = append(errs, fmt.Errorf("DustThresholdLamports cannot be negative"))
	}

	if c.RelayForwardRatio <= 0 || c.RelayForwardRatio > 1 {
		errs = append(errs, fmt.Errorf("RelayForwardRatio must be in (0, 1]"))
	}

	if c.MaxHops < 0 {
		errs = append(errs, fmt.Errorf("MaxHops cannot be negative"))
	}

	if c.MaxWindow < 1 {
		errs = append(errs, fmt.Errorf("MaxWindow must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// SolanaOptions returns ledger client options for the given RPC endpoint.
func (c *Config) SolanaOptions(rpcURL string) solana.Options {
	return solana.Options{
		MinInterval: c.RPCMinInterval,
		Retry: retry.Policy{
			MaxAttempts: c.RPCMaxAttempts,
			BaseDelay:   c.RPCBaseDelay,
			MaxDelay:    c.RPCMaxDelay,
		},
		DetailBatchSize: c.RPCDetailBatchSize,
		PageSize:        c.RPCPageSize,
		SignatureCap:    c.RPCSignatureCap,
		CountCap:        c.RPCCountCap,
		Endpoint:        solana.EndpointLabel(rpcURL),
	}
}

// DetectorParams returns the configured detection thresholds.
func (c *Config) DetectorParams() detector.Params {
	return detector.Params{
		DustThreshold: c.DustThresholdLamports,
		ForwardRatio:  c.RelayForwardRatio,
		MaxHops:       c.MaxHops,
		MaxWindow:     c.MaxWindow,
	}
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

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
