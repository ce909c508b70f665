package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved runtime configuration. All values come from
// environment variables; a .env file is honored for local development.
// Secrets never have fallback defaults.
type Config struct {
	// Chain connectivity (required).
	RPCURL  string
	ChainID int64

	// On-chain writes. Empty PrivateKey means read-only operation; empty
	// ContractAddress disables the flag registry entirely.
	PrivateKey      string
	ContractAddress string

	// Scoring artifacts. All optional; a missing model means rule-based
	// fallback scoring only.
	ModelPath     string
	ScalerPath    string
	FeaturesPath  string
	BlacklistPath string

	// Server surface.
	Port          int
	CORSOrigins   string
	RateLimitMax  int
	BodySizeLimit int64
	LogLevel      string
	NodeEnv       string

	// Optional collaborators.
	DatabaseURL     string
	AlertWebhookURL string

	// Poll cadence.
	BlockPollInterval  time.Duration
	WalletScanInterval time.Duration
}

const (
	defaultPort          = 3001
	defaultRateLimitMax  = 100
	defaultBodySizeLimit = 1 << 20 // 1 MiB
	defaultLogLevel      = "info"
	defaultBlockPoll     = 4 * time.Second
	defaultWalletScan    = 2 * time.Second
)

var ErrMissingEnv = errors.New("required environment variable not set")

// Load reads configuration from the environment, applying a .env file if one
// exists next to the binary. It validates that required values are present
// and parseable; the caller aborts startup on error.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:          os.Getenv("SOMNIA_RPC_URL"),
		PrivateKey:      strings.TrimPrefix(os.Getenv("PRIVATE_KEY"), "0x"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		ModelPath:       os.Getenv("MODEL_PATH"),
		ScalerPath:      os.Getenv("SCALER_PATH"),
		FeaturesPath:    os.Getenv("FEATURES_PATH"),
		BlacklistPath:   os.Getenv("BLACKLIST_PATH"),
		CORSOrigins:     getEnvOrDefault("CORS_ORIGINS", "*"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", defaultLogLevel),
		NodeEnv:         getEnvOrDefault("NODE_ENV", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: SOMNIA_RPC_URL", ErrMissingEnv)
	}

	rawChainID := os.Getenv("SOMNIA_CHAIN_ID")
	if rawChainID == "" {
		return nil, fmt.Errorf("%w: SOMNIA_CHAIN_ID", ErrMissingEnv)
	}
	chainID, err := strconv.ParseInt(rawChainID, 10, 64)
	if err != nil || chainID <= 0 {
		return nil, fmt.Errorf("SOMNIA_CHAIN_ID %q is not a positive integer", rawChainID)
	}
	cfg.ChainID = chainID

	if cfg.Port, err = intEnv("PORT", defaultPort); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = intEnv("RATE_LIMIT_MAX", defaultRateLimitMax); err != nil {
		return nil, err
	}

	bodyLimit, err := intEnv("BODY_SIZE_LIMIT", defaultBodySizeLimit)
	if err != nil {
		return nil, err
	}
	cfg.BodySizeLimit = int64(bodyLimit)

	if cfg.BlockPollInterval, err = durationEnv("BLOCK_POLL_INTERVAL", defaultBlockPoll); err != nil {
		return nil, err
	}
	if cfg.WalletScanInterval, err = durationEnv("WALLET_SCAN_INTERVAL", defaultWalletScan); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Production reports whether the process runs with production hardening
// (JSON logs, gin release mode).
func (c *Config) Production() bool {
	return strings.EqualFold(c.NodeEnv, "production")
}

// CanWrite reports whether on-chain flag writes are possible.
func (c *Config) CanWrite() bool {
	return c.PrivateKey != "" && c.ContractAddress != ""
}

// CORSOriginList splits the configured origins. "*" or empty means any.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" || c.CORSOrigins == "*" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s %q is not a positive integer", key, raw)
	}
	return v, nil
}

// durationEnv accepts Go duration strings ("4s", "500ms") and, for
// compatibility with older deployments, bare integers meaning seconds.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%s %q is not a positive duration", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s %q is not a valid duration", key, raw)
	}
	return d, nil
}
