package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "db:\n  dsn: postgres://x\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTTL() != time.Minute {
		t.Fatalf("cache ttl = %v", cfg.CacheTTL())
	}
	if cfg.AutoCancelDefault() != time.Hour {
		t.Fatalf("auto cancel = %v", cfg.AutoCancelDefault())
	}
	if cfg.Payments.RateLimit.MaxRequests != 100 || cfg.RateLimitWindow() != time.Minute {
		t.Fatalf("rate limit = %d/%v", cfg.Payments.RateLimit.MaxRequests, cfg.RateLimitWindow())
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.Shop.Fiat != "RUB" || cfg.Telegram.Workers != 4 {
		t.Fatalf("shop fiat=%s workers=%d", cfg.Shop.Fiat, cfg.Telegram.Workers)
	}
	if cfg.Shop.Assets[1] != "USDT" {
		t.Fatalf("assets = %v", cfg.Shop.Assets)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "payments:\n  cache_ttl_minutes: 5\nshop:\n  fiat: USD\n")
	t.Setenv("DB_DSN", "postgres://env")
	t.Setenv("CACHE_TTL_MINUTES", "2")
	t.Setenv("SHOP_ASSETS", "1:usdt, 7:TON,bad")
	t.Setenv("SHOP_QUANTITIES", "2,4,x")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "nope")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.DSN != "postgres://env" {
		t.Fatalf("dsn = %q", cfg.DB.DSN)
	}
	if cfg.Payments.CacheTTLMinutes != 2 {
		t.Fatalf("ttl = %d", cfg.Payments.CacheTTLMinutes)
	}
	if cfg.Shop.Fiat != "USD" {
		t.Fatalf("fiat = %s", cfg.Shop.Fiat)
	}
	if len(cfg.Shop.Assets) != 2 || cfg.Shop.Assets[1] != "USDT" || cfg.Shop.Assets[7] != "TON" {
		t.Fatalf("assets = %v", cfg.Shop.Assets)
	}
	if len(cfg.Shop.Quantities) != 2 || cfg.Shop.Quantities[1] != 4 {
		t.Fatalf("quantities = %v", cfg.Shop.Quantities)
	}
	if cfg.Payments.RateLimit.MaxRequests != 100 {
		t.Fatalf("unparsable override should fall back, got %d", cfg.Payments.RateLimit.MaxRequests)
	}
}

func TestDotEnvFile(t *testing.T) {
	path := writeConfig(t, "{}\n")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("TELEGRAM_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", envPath)
	t.Setenv("TELEGRAM_TOKEN", "")
	os.Unsetenv("TELEGRAM_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TELEGRAM_TOKEN") })
	if cfg.Telegram.Token != "from-dotenv" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestRequire(t *testing.T) {
	cfg := &Config{}
	cfg.DB.DSN = "postgres://x"
	if err := cfg.Require("db.dsn"); err != nil {
		t.Fatalf("require dsn: %v", err)
	}
	if err := cfg.Require("db.dsn", "telegram.token"); err == nil {
		t.Fatal("expected missing token error")
	}
	if err := cfg.Require("nope"); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestValidateRestockRules(t *testing.T) {
	path := writeConfig(t, "restock:\n  rules:\n    - product_id: 1\n      max_quantity: 10\n      min_add: 5\n      max_add: 2\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid rule error")
	}
}

func TestLogLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	if cfg.LogLevel().String() != "DEBUG" {
		t.Fatalf("level = %v", cfg.LogLevel())
	}
	cfg.Log.Level = "loud"
	if cfg.LogLevel().String() != "INFO" {
		t.Fatalf("level = %v", cfg.LogLevel())
	}
}
