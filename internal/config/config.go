// Package config loads the service configuration from the environment. A
// .env file, when present, is folded in by the entry point before loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/resilience"
)

// Config is the full service configuration.
type Config struct {
	// HTTPAddr is the REST and websocket listen address.
	HTTPAddr string
	// DatabaseURL enables the postgres store; empty selects the in-memory
	// store.
	DatabaseURL string
	// RedisAddr enables the price cache; empty disables caching.
	RedisAddr string

	// OracleURL is the price oracle base URL; empty is fallback-only mode.
	OracleURL string
	// VaultEndpoints maps chain name to vault service base URL.
	VaultEndpoints map[string]string
	// NativeAssets maps chain name to its collateral asset symbol.
	NativeAssets map[string]string

	// AxelarRPCEndpoints maps chain name to Axelar gateway RPC base URL.
	AxelarRPCEndpoints map[string]string
	// AxelarGateways maps chain name to the Axelar gateway contract.
	AxelarGateways map[string]string
	// AxelarExplorerURL is the GMP explorer API for status polling.
	AxelarExplorerURL string
	// AxelarBaseFee is the flat relay fee per Axelar send.
	AxelarBaseFee float64
	// CCIPRPCEndpoints maps chain name to CCIP router RPC base URL.
	CCIPRPCEndpoints map[string]string
	// CCIPRouters maps chain name to the CCIP router contract.
	CCIPRouters map[string]string
	// CCIPExplorerURL is the CCIP explorer API for status polling.
	CCIPExplorerURL string
	// CCIPBaseFee is the flat fee per CCIP send.
	CCIPBaseFee float64
	// ReceiverAddresses maps chain name to the settlement receiver contract.
	ReceiverAddresses map[string]string
	// MaxBridgeFee caps the accepted protocol fee in native token units.
	MaxBridgeFee float64

	// MonitorSchedule, RetrySchedule and RecoverySchedule are cron
	// expressions for the background loops.
	MonitorSchedule  string
	RetrySchedule    string
	RecoverySchedule string

	// LogLevel and LogFormat configure the root logger.
	LogLevel  string
	LogFormat string

	// AuditLogPath persists mutating-request audit entries as JSONL.
	AuditLogPath string

	// Resilience is the shared breaker and retry tuning.
	Resilience resilience.Config
}

// Load reads the configuration from the environment, applying defaults for
// everything optional.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:           env("HTTP_ADDR", ":8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		OracleURL:          os.Getenv("ORACLE_URL"),
		VaultEndpoints:     envMap("VAULT_ENDPOINTS"),
		NativeAssets:       envMap("NATIVE_ASSETS"),
		AxelarRPCEndpoints: envMap("AXELAR_RPC_ENDPOINTS"),
		AxelarGateways:     envMap("AXELAR_GATEWAYS"),
		AxelarExplorerURL:  os.Getenv("AXELAR_EXPLORER_URL"),
		CCIPRPCEndpoints:   envMap("CCIP_RPC_ENDPOINTS"),
		CCIPRouters:        envMap("CCIP_ROUTERS"),
		CCIPExplorerURL:    os.Getenv("CCIP_EXPLORER_URL"),
		ReceiverAddresses:  envMap("RECEIVER_ADDRESSES"),
		MonitorSchedule:    env("MONITOR_SCHEDULE", "@every 15s"),
		RetrySchedule:      env("RETRY_SCHEDULE", "@every 30s"),
		RecoverySchedule:   env("RECOVERY_SCHEDULE", "@every 1m"),
		LogLevel:           env("LOG_LEVEL", "info"),
		LogFormat:          env("LOG_FORMAT", "json"),
		AuditLogPath:       os.Getenv("AUDIT_LOG_PATH"),
		Resilience:         resilience.DefaultConfig(),
	}

	var err error
	if cfg.MaxBridgeFee, err = envFloat("MAX_BRIDGE_FEE", 1.0); err != nil {
		return Config{}, err
	}
	if cfg.AxelarBaseFee, err = envFloat("AXELAR_BASE_FEE", 0.01); err != nil {
		return Config{}, err
	}
	if cfg.CCIPBaseFee, err = envFloat("CCIP_BASE_FEE", 0.01); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.FailureThreshold, err = envInt("BREAKER_FAILURE_THRESHOLD", cfg.Resilience.FailureThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.SuccessThreshold, err = envInt("BREAKER_SUCCESS_THRESHOLD", cfg.Resilience.SuccessThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.ResetTimeout, err = envDuration("BREAKER_RESET_TIMEOUT", cfg.Resilience.ResetTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.MaxRetries, err = envInt("MAX_RETRIES", cfg.Resilience.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.InitialDelay, err = envDuration("RETRY_INITIAL_DELAY", cfg.Resilience.InitialDelay); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.MaxDelay, err = envDuration("RETRY_MAX_DELAY", cfg.Resilience.MaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.RequestsPerSecond, err = envFloat("RATE_LIMIT_RPS", cfg.Resilience.RequestsPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.Resilience.Burst, err = envInt("RATE_LIMIT_BURST", cfg.Resilience.Burst); err != nil {
		return Config{}, err
	}
	if codes, err := envInts("RETRYABLE_STATUS_CODES"); err != nil {
		return Config{}, err
	} else if len(codes) > 0 {
		cfg.Resilience.RetryableStatusCodes = codes
	}

	return cfg, nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envMap parses "key1=val1,key2=val2" environment values.
func envMap(key string) map[string]string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[strings.ToLower(kv[0])] = kv[1]
	}
	return out
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// envInts parses a comma-separated integer list.
func envInts(key string) ([]int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	out := make([]int, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
