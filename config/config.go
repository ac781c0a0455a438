package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/errors"
	"github.com/joho/godotenv"

	"github.com/Jerome2332/confidex-sub008/types"
)

// devAPIKeyPlaceholder is rejected in production.
const devAPIKeyPlaceholder = "dev-api-key-change-me"

// Config is the fully resolved crank configuration.
type Config struct {
	Env     string // development | production
	Enabled bool

	// Poll loop
	PollingInterval      time.Duration
	MaxConcurrentMatches int
	ErrorThreshold       int
	PauseDuration        time.Duration

	// MPC
	UseRealMpc         bool
	MpcTimeout         time.Duration
	MpcCallbackTimeout time.Duration
	MpcProgramID       types.Pubkey
	MpcClusterOffset   uint64

	// Chain
	RPCPrimary         string
	RPCFallbacks       []string
	WSURL              string
	OrderbookProgramID types.Pubkey

	// Blockhash cache
	BlockhashRefreshInterval time.Duration
	BlockhashMaxAge          time.Duration
	BlockhashPrefetchCount   int
	BlockhashFetchTimeout    time.Duration

	// Wallet
	WalletPath      string
	WalletSecretKey string

	// Admin / persistence
	AdminAPIKey     string
	AdminListenAddr string
	DatabasePath    string
	LogLevel        string
}

// Load reads .env (if present) and the process environment into a validated
// Config. Validation failures return ErrInvalidConfig.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Split out so tests can
// inject an environment without mutating the process.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Env:             strings.ToLower(strings.TrimSpace(getenv("NODE_ENV"))),
		WalletPath:      getenv("CRANK_WALLET_PATH"),
		WalletSecretKey: getenv("CRANK_WALLET_SECRET_KEY"),
		AdminAPIKey:     getenv("ADMIN_API_KEY"),
		AdminListenAddr: stringOr(getenv("ADMIN_LISTEN_ADDR"), ":8091"),
		DatabasePath:    stringOr(getenv("DATABASE_PATH"), "crank.db"),
		LogLevel:        stringOr(getenv("LOG_LEVEL"), "info"),
		WSURL:           getenv("CRANK_WS_URL"),
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}

	var err error
	if cfg.Enabled, err = boolOr(getenv, "CRANK_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.UseRealMpc, err = boolOr(getenv, "CRANK_USE_REAL_MPC", true); err != nil {
		return nil, err
	}

	if cfg.PollingInterval, err = durationMsOr(getenv, "CRANK_POLLING_INTERVAL_MS", 5000, 1000, 60000); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentMatches, err = intOr(getenv, "CRANK_MAX_CONCURRENT_MATCHES", 5, 1, 20); err != nil {
		return nil, err
	}
	if cfg.ErrorThreshold, err = intOr(getenv, "CRANK_ERROR_THRESHOLD", 10, 1, 1000); err != nil {
		return nil, err
	}
	if cfg.PauseDuration, err = durationMsOr(getenv, "CRANK_PAUSE_DURATION_MS", 60000, 1000, 3600000); err != nil {
		return nil, err
	}

	if cfg.MpcTimeout, err = durationMsOr(getenv, "MPC_TIMEOUT_MS", 120000, 30000, 300000); err != nil {
		return nil, err
	}
	if cfg.MpcCallbackTimeout, err = durationMsOr(getenv, "MPC_CALLBACK_TIMEOUT_MS", 30000, 10000, 60000); err != nil {
		return nil, err
	}
	if offset, err := intOr(getenv, "MPC_CLUSTER_OFFSET", 456, 1, 1<<30); err != nil {
		return nil, err
	} else {
		cfg.MpcClusterOffset = uint64(offset)
	}

	if cfg.BlockhashRefreshInterval, err = durationMsOr(getenv, "BLOCKHASH_REFRESH_INTERVAL_MS", 30000, 1000, 600000); err != nil {
		return nil, err
	}
	if cfg.BlockhashMaxAge, err = durationMsOr(getenv, "BLOCKHASH_MAX_AGE_MS", 60000, 1000, 600000); err != nil {
		return nil, err
	}
	if cfg.BlockhashPrefetchCount, err = intOr(getenv, "BLOCKHASH_PREFETCH_COUNT", 2, 1, 10); err != nil {
		return nil, err
	}
	if cfg.BlockhashFetchTimeout, err = durationMsOr(getenv, "BLOCKHASH_FETCH_TIMEOUT_MS", 5000, 1000, 60000); err != nil {
		return nil, err
	}

	// CRANK_RPC_PRIMARY wins over the legacy RPC_URL name.
	cfg.RPCPrimary = stringOr(getenv("CRANK_RPC_PRIMARY"), getenv("RPC_URL"))
	if fallbacks := getenv("CRANK_RPC_FALLBACK"); fallbacks != "" {
		for _, u := range strings.Split(fallbacks, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPCFallbacks = append(cfg.RPCFallbacks, u)
			}
		}
	}

	if raw := getenv("ORDERBOOK_PROGRAM_ID"); raw != "" {
		if cfg.OrderbookProgramID, err = types.ParsePubkey(raw); err != nil {
			return nil, errors.Wrapf(types.ErrInvalidConfig, "ORDERBOOK_PROGRAM_ID: %v", err)
		}
	}
	if raw := getenv("MPC_PROGRAM_ID"); raw != "" {
		if cfg.MpcProgramID, err = types.ParsePubkey(raw); err != nil {
			return nil, errors.Wrapf(types.ErrInvalidConfig, "MPC_PROGRAM_ID: %v", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether production validation applies.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func (c *Config) validate() error {
	if c.WalletPath != "" && c.WalletSecretKey != "" {
		return errors.Wrap(types.ErrInvalidConfig,
			"CRANK_WALLET_PATH and CRANK_WALLET_SECRET_KEY are mutually exclusive")
	}
	if !c.IsProduction() {
		return nil
	}
	if c.AdminAPIKey == "" || c.AdminAPIKey == devAPIKeyPlaceholder {
		return errors.Wrap(types.ErrInvalidConfig, "ADMIN_API_KEY is required in production")
	}
	if len(c.AdminAPIKey) < 16 {
		return errors.Wrap(types.ErrInvalidConfig, "ADMIN_API_KEY must be at least 16 characters")
	}
	if c.RPCPrimary == "" {
		return errors.Wrap(types.ErrInvalidConfig, "CRANK_RPC_PRIMARY or RPC_URL is required in production")
	}
	if c.OrderbookProgramID.IsZero() || c.MpcProgramID.IsZero() {
		return errors.Wrap(types.ErrInvalidConfig, "program IDs are required in production")
	}
	return nil
}

// Summary returns the non-secret subset reported by the admin status endpoint.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"env":                    c.Env,
		"enabled":                c.Enabled,
		"pollingIntervalMs":      c.PollingInterval.Milliseconds(),
		"maxConcurrentMatches":   c.MaxConcurrentMatches,
		"errorThreshold":         c.ErrorThreshold,
		"pauseDurationMs":        c.PauseDuration.Milliseconds(),
		"useRealMpc":             c.UseRealMpc,
		"mpcTimeoutMs":           c.MpcTimeout.Milliseconds(),
		"mpcClusterOffset":       c.MpcClusterOffset,
		"rpcPrimary":             c.RPCPrimary,
		"rpcFallbacks":           len(c.RPCFallbacks),
		"blockhashPrefetchCount": c.BlockhashPrefetchCount,
		"databasePath":           c.DatabasePath,
		"logLevel":               c.LogLevel,
	}
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func boolOr(getenv func(string) string, name string, def bool) (bool, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Wrapf(types.ErrInvalidConfig, "%s: expected bool, got %q", name, raw)
	}
	return v, nil
}

func intOr(getenv func(string) string, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(types.ErrInvalidConfig, "%s: expected int, got %q", name, raw)
	}
	if v < min || v > max {
		return 0, errors.Wrap(types.ErrInvalidConfig,
			fmt.Sprintf("%s: %d out of range [%d, %d]", name, v, min, max))
	}
	return v, nil
}

func durationMsOr(getenv func(string) string, name string, def, min, max int) (time.Duration, error) {
	v, err := intOr(getenv, name, def, min, max)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}
