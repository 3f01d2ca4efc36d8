// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred) or from a
// config.yaml file in the working directory. Environment variables take
// precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example PROXY_PORT becomes proxy_port
// in YAML.
//
// The wallet key is optional: without one the proxy still runs, but every
// request routes to the free tier because no payment can be signed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/clawrouter/clawrouter/internal/catalog"
)

// DefaultPort is used whenever PROXY_PORT is missing, non-numeric, zero, or
// out of the valid TCP range.
const DefaultPort = 8402

// Config is the top-level configuration container.
type Config struct {
	// Port is the loopback TCP port the proxy listens on. Default: 8402.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// WalletKey is the hex private key (0x-prefixed) used to sign payment
	// authorizations. Empty means no paid requests: everything routes free.
	WalletKey string

	// Disabled registers the proxy without intercepting: requests pass
	// through to upstream untouched. Set by CLAWROUTER_DISABLED.
	Disabled bool

	// UpstreamURL is the aggregator endpoint the proxy forwards to.
	UpstreamURL string

	// Timeouts controls the per-request upstream deadlines.
	Timeouts TimeoutConfig

	// Dedup controls the request-coalescing cache.
	Dedup DedupConfig

	// Router controls scoring and tier selection.
	Router RouterConfig

	// BalanceInterval is how often the wallet balance probe runs. Default: 30s.
	BalanceInterval time.Duration
}

// TimeoutConfig holds the independent upstream deadlines.
type TimeoutConfig struct {
	// Connect is the TCP connect deadline. Default: 5s.
	Connect time.Duration
	// FirstByte is the upstream response-header deadline. Default: 10s.
	FirstByte time.Duration
	// Total bounds the whole upstream exchange, stream included. Default: 60s.
	Total time.Duration
}

// DedupConfig controls the dedup cache.
type DedupConfig struct {
	// Capacity is the maximum number of cached fingerprints. Default: 256.
	Capacity int
	// TTL is how long a completed response stays replayable. Default: 30s.
	TTL time.Duration
}

// RouterConfig holds the routing knobs exposed to configuration. Weight and
// lexicon replacement stay compile-time; these are the operational levers.
type RouterConfig struct {
	// ConfidenceThreshold below which the decision falls back to the
	// ambiguous default tier. Default: 0.70.
	ConfidenceThreshold float64

	// AmbiguousTier is the tier used when confidence is low. Default: MEDIUM.
	AmbiguousTier string

	// MaxTokensForceComplex forces COMPLEX at or above this max_tokens.
	// Default: 100000.
	MaxTokensForceComplex int

	// Tier model overrides: primary first, fallbacks after. Empty keeps the
	// builtin list.
	SimpleModels    []string
	MediumModels    []string
	ComplexModels   []string
	ReasoningModels []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PROXY_PORT", DefaultPort)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_URL", "https://api.clawrouter.ai")

	v.SetDefault("CONNECT_TIMEOUT", "5s")
	v.SetDefault("FIRST_BYTE_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_TIMEOUT", "60s")

	v.SetDefault("DEDUP_CAPACITY", 256)
	v.SetDefault("DEDUP_TTL", "30s")

	v.SetDefault("ROUTER_CONFIDENCE_THRESHOLD", 0.70)
	v.SetDefault("ROUTER_AMBIGUOUS_TIER", string(catalog.TierMedium))
	v.SetDefault("ROUTER_FORCE_COMPLEX_MAX_TOKENS", 100_000)

	v.SetDefault("BALANCE_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     normalizePort(v.GetInt("PROXY_PORT")),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		WalletKey: strings.TrimSpace(v.GetString("WALLET_KEY")),
		Disabled:  v.GetBool("CLAWROUTER_DISABLED"),

		UpstreamURL: v.GetString("UPSTREAM_URL"),

		Timeouts: TimeoutConfig{
			Connect:   v.GetDuration("CONNECT_TIMEOUT"),
			FirstByte: v.GetDuration("FIRST_BYTE_TIMEOUT"),
			Total:     v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		Dedup: DedupConfig{
			Capacity: v.GetInt("DEDUP_CAPACITY"),
			TTL:      v.GetDuration("DEDUP_TTL"),
		},

		Router: RouterConfig{
			ConfidenceThreshold:   v.GetFloat64("ROUTER_CONFIDENCE_THRESHOLD"),
			AmbiguousTier:         strings.ToUpper(v.GetString("ROUTER_AMBIGUOUS_TIER")),
			MaxTokensForceComplex: v.GetInt("ROUTER_FORCE_COMPLEX_MAX_TOKENS"),

			SimpleModels:    v.GetStringSlice("TIER_SIMPLE_MODELS"),
			MediumModels:    v.GetStringSlice("TIER_MEDIUM_MODELS"),
			ComplexModels:   v.GetStringSlice("TIER_COMPLEX_MODELS"),
			ReasoningModels: v.GetStringSlice("TIER_REASONING_MODELS"),
		},

		BalanceInterval: v.GetDuration("BALANCE_INTERVAL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizePort clamps invalid port values to the default rather than
// refusing to start: the proxy is a local sidecar and a bad PROXY_PORT
// should not take the whole host tool down.
func normalizePort(p int) int {
	if p < 1 || p > 65535 {
		return DefaultPort
	}
	return p
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if strings.TrimSpace(c.UpstreamURL) == "" {
		return fmt.Errorf("config: UPSTREAM_URL must not be empty")
	}

	if c.WalletKey != "" && !strings.HasPrefix(c.WalletKey, "0x") {
		return fmt.Errorf("config: WALLET_KEY must be a 0x-prefixed hex private key")
	}

	if c.Router.ConfidenceThreshold <= 0 || c.Router.ConfidenceThreshold >= 1 {
		return fmt.Errorf(
			"config: ROUTER_CONFIDENCE_THRESHOLD must be in (0,1), got %v",
			c.Router.ConfidenceThreshold,
		)
	}

	switch catalog.Tier(c.Router.AmbiguousTier) {
	case catalog.TierSimple, catalog.TierMedium, catalog.TierComplex, catalog.TierReasoning:
	default:
		return fmt.Errorf("config: invalid ROUTER_AMBIGUOUS_TIER %q", c.Router.AmbiguousTier)
	}

	return nil
}

// TierOverrides converts the configured tier model lists into catalog
// overrides. Lists left empty keep the builtin assignments.
func (c *Config) TierOverrides() map[catalog.Tier]catalog.TierModels {
	out := make(map[catalog.Tier]catalog.TierModels)
	add := func(t catalog.Tier, models []string) {
		if len(models) == 0 {
			return
		}
		out[t] = catalog.TierModels{Primary: models[0], Fallbacks: models[1:]}
	}
	add(catalog.TierSimple, c.Router.SimpleModels)
	add(catalog.TierMedium, c.Router.MediumModels)
	add(catalog.TierComplex, c.Router.ComplexModels)
	add(catalog.TierReasoning, c.Router.ReasoningModels)
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
