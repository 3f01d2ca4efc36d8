package config

import (
	"testing"
	"time"

	"github.com/clawrouter/clawrouter/internal/catalog"
)

// TestNormalizePort verifies out-of-range and zero ports clamp to the default.
func TestNormalizePort(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{8402, 8402},
		{1, 1},
		{65535, 65535},
		{0, DefaultPort},   // viper yields 0 for non-numeric values too
		{-5, DefaultPort},
		{65536, DefaultPort},
		{99999, DefaultPort},
	}
	for _, tc := range cases {
		if got := normalizePort(tc.in); got != tc.want {
			t.Errorf("normalizePort(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestLoadDefaults verifies the zero-environment configuration.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.UpstreamURL == "" {
		t.Error("UpstreamURL default missing")
	}
	if cfg.WalletKey != "" {
		t.Errorf("WalletKey = %q, want empty", cfg.WalletKey)
	}
	if cfg.Disabled {
		t.Error("Disabled should default to false")
	}
	if cfg.Timeouts.Connect != 5*time.Second ||
		cfg.Timeouts.FirstByte != 10*time.Second ||
		cfg.Timeouts.Total != 60*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Dedup.Capacity != 256 || cfg.Dedup.TTL != 30*time.Second {
		t.Errorf("dedup = %+v", cfg.Dedup)
	}
	if cfg.Router.ConfidenceThreshold != 0.70 {
		t.Errorf("ConfidenceThreshold = %v", cfg.Router.ConfidenceThreshold)
	}
	if cfg.Router.AmbiguousTier != string(catalog.TierMedium) {
		t.Errorf("AmbiguousTier = %q", cfg.Router.AmbiguousTier)
	}
	if cfg.Router.MaxTokensForceComplex != 100_000 {
		t.Errorf("MaxTokensForceComplex = %d", cfg.Router.MaxTokensForceComplex)
	}
	if cfg.BalanceInterval != 30*time.Second {
		t.Errorf("BalanceInterval = %v", cfg.BalanceInterval)
	}
}

// TestLoadFromEnv verifies env vars override the defaults.
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROXY_PORT", "9001")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WALLET_KEY", "0xabc123")
	t.Setenv("CLAWROUTER_DISABLED", "true")
	t.Setenv("UPSTREAM_URL", "https://staging.example.com")
	t.Setenv("DEDUP_TTL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.WalletKey != "0xabc123" {
		t.Errorf("WalletKey = %q", cfg.WalletKey)
	}
	if !cfg.Disabled {
		t.Error("Disabled should be set")
	}
	if cfg.UpstreamURL != "https://staging.example.com" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.Dedup.TTL != 45*time.Second {
		t.Errorf("Dedup.TTL = %v", cfg.Dedup.TTL)
	}
}

// TestLoadBadPortClampsToDefault verifies non-numeric and out-of-range ports
// fall back rather than failing startup.
func TestLoadBadPortClampsToDefault(t *testing.T) {
	for _, bad := range []string{"not-a-port", "-1", "0", "99999"} {
		t.Setenv("PROXY_PORT", bad)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load with PROXY_PORT=%q: %v", bad, err)
		}
		if cfg.Port != DefaultPort {
			t.Errorf("PROXY_PORT=%q → Port %d, want %d", bad, cfg.Port, DefaultPort)
		}
	}
}

// TestLoadRejections is the validation failure table.
func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"wallet key without prefix", "WALLET_KEY", "abc123"},
		{"empty upstream", "UPSTREAM_URL", "   "},
		{"threshold too high", "ROUTER_CONFIDENCE_THRESHOLD", "1.5"},
		{"bad ambiguous tier", "ROUTER_AMBIGUOUS_TIER", "TURBO"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q should fail", tc.key, tc.value)
			}
		})
	}
}

// TestTierOverrides verifies the configured model lists become catalog
// overrides, with empty lists keeping the builtins.
func TestTierOverrides(t *testing.T) {
	cfg := &Config{
		Router: RouterConfig{
			SimpleModels: []string{"google/gemini-2.5-flash", "meta/llama-3.1-8b-instruct"},
		},
	}
	over := cfg.TierOverrides()
	if len(over) != 1 {
		t.Fatalf("overrides = %v", over)
	}
	tm := over[catalog.TierSimple]
	if tm.Primary != "google/gemini-2.5-flash" {
		t.Errorf("primary = %q", tm.Primary)
	}
	if len(tm.Fallbacks) != 1 || tm.Fallbacks[0] != "meta/llama-3.1-8b-instruct" {
		t.Errorf("fallbacks = %v", tm.Fallbacks)
	}
}
