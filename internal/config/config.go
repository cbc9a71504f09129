// Package config aggregates the chains file and environment into the typed
// configuration the rest of the service consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tokenrails/internal/chains"
)

// ChainsFile models chains.yaml.
type ChainsFile struct {
	Chains []chains.Chain `yaml:"chains"`
}

// ProviderConfig holds the external HTTP collaborators.
type ProviderConfig struct {
	RateBaseURL       string
	VerifyBaseURL     string
	SettlementBaseURL string
	RequestTimeout    time.Duration
}

// ServiceConfig holds the HTTP surface settings.
type ServiceConfig struct {
	HTTPPort      int
	LogLevel      string
	HMACSecret    string
	HMACClockSkew time.Duration
}

// WalletConfig holds the service signer settings.
type WalletConfig struct {
	PrivateKey string
}

// JournalConfig selects where redemption requests persist.
type JournalConfig struct {
	PostgresDSN string
	FilePath    string
}

// RetryConfig bounds every retry loop in the service.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// OracleConfig tunes the balance and rate caches.
type OracleConfig struct {
	BalanceTTL      time.Duration
	RateTTL         time.Duration
	RateRefreshEach time.Duration
	FeeRate         float64
	InvertPrice     bool
}

// AppConfig ties everything together.
type AppConfig struct {
	Chains    []chains.Chain
	Service   ServiceConfig
	Providers ProviderConfig
	Wallet    WalletConfig
	Journal   JournalConfig
	Retry     RetryConfig
	Oracles   OracleConfig
}

const defaultChainsPath = "chains.yaml"

// Load reads chains.yaml and applies environment overrides.
func Load() (*AppConfig, error) {
	chainsPath := envOr("CHAINS_PATH", defaultChainsPath)
	chainCfg, err := loadChains(chainsPath)
	if err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}

	cfg := &AppConfig{
		Chains: chainCfg.Chains,
		Service: ServiceConfig{
			HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
			LogLevel:      envOr("LOG_LEVEL", "info"),
			HMACSecret:    envOr("HMAC_SECRET", ""),
			HMACClockSkew: envOrDuration("HMAC_CLOCK_SKEW", time.Minute),
		},
		Providers: ProviderConfig{
			RateBaseURL:       envOr("RATE_API_URL", "http://localhost:4000"),
			VerifyBaseURL:     envOr("VERIFY_API_URL", "http://localhost:4001"),
			SettlementBaseURL: envOr("SETTLEMENT_API_URL", "http://localhost:4002"),
			RequestTimeout:    envOrDuration("PROVIDER_TIMEOUT", 10*time.Second),
		},
		Wallet: WalletConfig{
			PrivateKey: envOr("WALLET_PRIVATE_KEY", ""),
		},
		Journal: JournalConfig{
			PostgresDSN: envOr("JOURNAL_POSTGRES_DSN", ""),
			FilePath:    envOr("JOURNAL_FILE_PATH", filepath.Join(os.TempDir(), "tokenrails-journal.json")),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    envOrDuration("RETRY_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:        envOrDuration("RETRY_MAX_BACKOFF", 8*time.Second),
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
		},
		Oracles: OracleConfig{
			BalanceTTL:      envOrDuration("BALANCE_CACHE_TTL", 30*time.Second),
			RateTTL:         envOrDuration("RATE_CACHE_TTL", 30*time.Second),
			RateRefreshEach: envOrDuration("RATE_REFRESH_INTERVAL", time.Minute),
			FeeRate:         0.005,
			InvertPrice:     envOr("RATE_PRICE_CONVENTION", "direct") == "inverse",
		},
	}
	return cfg, nil
}

func loadChains(path string) (*ChainsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ChainsFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("%s defines no chains", path)
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
