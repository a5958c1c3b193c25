package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"clickforge/internal/upgrade"
)

type APIConfig struct {
	Addr               string
	DatabaseURL        string
	GameSessionURL     string
	GameSessionAPIKey  string
	GameSessionTimeout time.Duration
	CatalogPath        string
	Limits             upgrade.PurchaseLimits
	Fraud              upgrade.FraudConfig
}

type WorkerConfig struct {
	DatabaseURL        string
	GameSessionURL     string
	GameSessionAPIKey  string
	GameSessionTimeout time.Duration
	CatalogPath        string
	Every              time.Duration
	RunOnce            bool
}

type CLIConfig struct {
	APIBaseURL string
	PlayerID   string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("UPGRADES_API_ADDR", ":8080")
	}

	limits := upgrade.DefaultPurchaseLimits()
	limits.MaxLevelsPerRequest = envIntDefault("UPGRADES_MAX_LEVELS_PER_REQUEST", limits.MaxLevelsPerRequest)
	limits.MaxPurchasesPerMinute = envIntDefault("UPGRADES_MAX_PURCHASES_PER_MINUTE", limits.MaxPurchasesPerMinute)
	limits.DuplicateWindow = envDurationDefault("UPGRADES_DUPLICATE_WINDOW", limits.DuplicateWindow)
	limits.OvercommitFactor = envDecimalDefault("UPGRADES_OVERCOMMIT_FACTOR", limits.OvercommitFactor)

	fraud := upgrade.DefaultFraudConfig()
	fraud.BlockThreshold = envFloatDefault("UPGRADES_FRAUD_BLOCK_THRESHOLD", fraud.BlockThreshold)
	fraud.SuspiciousThreshold = envFloatDefault("UPGRADES_FRAUD_SUSPICIOUS_THRESHOLD", fraud.SuspiciousThreshold)
	fraud.RapidPurchases = envIntDefault("UPGRADES_FRAUD_RAPID_PURCHASES", fraud.RapidPurchases)

	cfg := APIConfig{
		Addr:               addr,
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		GameSessionURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("GAME_SESSION_URL")), "/"),
		GameSessionAPIKey:  strings.TrimSpace(os.Getenv("GAME_SESSION_API_KEY")),
		GameSessionTimeout: envDurationDefault("GAME_SESSION_TIMEOUT", 5*time.Second),
		CatalogPath:        strings.TrimSpace(os.Getenv("UPGRADES_CATALOG_PATH")),
		Limits:             limits,
		Fraud:              fraud,
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GameSessionURL == "" {
		return cfg, fmt.Errorf("GAME_SESSION_URL is required")
	}
	if cfg.Limits.MaxLevelsPerRequest <= 0 {
		return cfg, fmt.Errorf("UPGRADES_MAX_LEVELS_PER_REQUEST must be > 0")
	}
	if cfg.Fraud.SuspiciousThreshold > cfg.Fraud.BlockThreshold {
		return cfg, fmt.Errorf("UPGRADES_FRAUD_SUSPICIOUS_THRESHOLD must not exceed UPGRADES_FRAUD_BLOCK_THRESHOLD")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		GameSessionURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("GAME_SESSION_URL")), "/"),
		GameSessionAPIKey:  strings.TrimSpace(os.Getenv("GAME_SESSION_API_KEY")),
		GameSessionTimeout: envDurationDefault("GAME_SESSION_TIMEOUT", 5*time.Second),
		CatalogPath:        strings.TrimSpace(os.Getenv("UPGRADES_CATALOG_PATH")),
		Every:              envDurationDefault("UPGRADES_WORKER_EVERY", time.Minute),
		RunOnce:            envBoolDefault("UPGRADES_WORKER_RUN_ONCE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GameSessionURL == "" {
		return cfg, fmt.Errorf("GAME_SESSION_URL is required")
	}
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("UPGR_API_BASE_URL", "http://localhost:8080"), "/"),
		PlayerID:   strings.TrimSpace(os.Getenv("UPGR_PLAYER_ID")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDecimalDefault(key string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
