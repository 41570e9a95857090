package config

import (
	"os"
	"testing"
)

const testEncryptionKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadRequiresWalletEncryptionKey(t *testing.T) {
	clearEnv(t, "WALLET_ENCRYPTION_KEY")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without WALLET_ENCRYPTION_KEY")
	}
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	setEnv(t, "WALLET_ENCRYPTION_KEY", "aabbcc")
	if _, err := Load(); err == nil {
		t.Error("Load should fail for a key shorter than 32 bytes")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	setEnv(t, "WALLET_ENCRYPTION_KEY", testEncryptionKeyHex)
	clearEnv(t, "STORE_DRIVER", "DATABASE_URL", "MAX_ORDERS_PER_MINUTE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q, want sqlite (default)", cfg.StoreDriver)
	}
	if cfg.MaxOrdersPerMinute != 10 {
		t.Errorf("MaxOrdersPerMinute = %d, want 10 (default)", cfg.MaxOrdersPerMinute)
	}

	setEnv(t, "MAX_ORDERS_PER_MINUTE", "25")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxOrdersPerMinute != 25 {
		t.Errorf("MaxOrdersPerMinute = %d, want 25 (overridden)", cfg.MaxOrdersPerMinute)
	}
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	setEnv(t, "WALLET_ENCRYPTION_KEY", testEncryptionKeyHex)
	setEnv(t, "STORE_DRIVER", "postgres")
	clearEnv(t, "DATABASE_URL")

	if _, err := Load(); err == nil {
		t.Error("Load should fail for STORE_DRIVER=postgres without DATABASE_URL")
	}
}
