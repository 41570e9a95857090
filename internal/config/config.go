// Package config loads process configuration from the environment, with a
// local .env file as an optional override source for development.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/errs"
)

// Config holds every environment-driven setting the copy-trading core reads.
type Config struct {
	Debug bool

	// Credential Vault
	WalletEncryptionKey [32]byte

	// Blockchain
	PolygonRPCURL string
	PolygonWSURL  string

	// Webhook parity (unused by the core WS pipeline, see SPEC_FULL §6)
	RindexerWebhookSecret string

	// Exchange
	CLOBBaseURL string

	// Durable Store
	StoreDriver  string // "postgres" | "sqlite"
	DatabaseURL  string // postgres DSN
	DatabasePath string // sqlite file path

	// Optional Telegram notify sink
	TelegramToken  string
	TelegramChatID int64

	// Engine tuning (defaults match spec.md constants; overridable for tests)
	DedupWindow         time.Duration
	CooldownDuration    time.Duration
	MaxConsecutiveFails int
	MinOrderUSDC        decimal.Decimal
	GTCTimeout          time.Duration
	HealthInterval      time.Duration
	MaxOrdersPerMinute  int
	// MaxTrackedAddresses is loaded but not read by any component; the WS
	// Subscriber's advisory cap is its own fixed constant (200).
	MaxTrackedAddresses int
}

// Load reads configuration from the environment. Call godotenv.Load before
// this in main so .env values are visible via os.Getenv.
func Load() (*Config, error) {
	keyHex := os.Getenv("WALLET_ENCRYPTION_KEY")
	if keyHex == "" {
		return nil, errs.Wrap(errs.ConfigInvalid, "WALLET_ENCRYPTION_KEY is required")
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, errs.Wrap(errs.ConfigInvalid, "WALLET_ENCRYPTION_KEY must be 32 bytes hex")
	}

	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		PolygonRPCURL:         getEnv("POLYGON_RPC_URL", ""),
		PolygonWSURL:          getEnv("POLYGON_WS_URL", ""),
		RindexerWebhookSecret: os.Getenv("RINDEXER_WEBHOOK_SECRET"),

		CLOBBaseURL: getEnv("CLOB_BASE_URL", "https://clob.polymarket.com"),

		StoreDriver:  getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "data/copytrader.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DedupWindow:         getEnvDuration("DEDUP_WINDOW", 30*time.Second),
		CooldownDuration:    getEnvDuration("COOLDOWN_DURATION", 60*time.Second),
		MaxConsecutiveFails: getEnvInt("MAX_CONSECUTIVE_FAILURES", 3),
		MinOrderUSDC:        getEnvDecimal("MIN_ORDER_USDC", decimal.NewFromInt(1)),
		GTCTimeout:          getEnvDuration("GTC_TIMEOUT", time.Hour),
		HealthInterval:      getEnvDuration("HEALTH_INTERVAL", 60*time.Second),
		MaxOrdersPerMinute:  getEnvInt("MAX_ORDERS_PER_MINUTE", 10),
		MaxTrackedAddresses: getEnvInt("MAX_TRACKED_ADDRESSES", 200),
	}
	copy(cfg.WalletEncryptionKey[:], keyBytes)

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, "invalid TELEGRAM_CHAT_ID: %v", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, errs.Wrap(errs.ConfigInvalid, "DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
