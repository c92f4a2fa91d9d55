package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RestockRule struct {
	ProductID   int64 `yaml:"product_id"`
	MaxQuantity int   `yaml:"max_quantity"`
	MinAdd      int   `yaml:"min_add"`
	MaxAdd      int   `yaml:"max_add"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Telegram struct {
		Token              string `yaml:"token"`
		Workers            int    `yaml:"workers"`
		PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
	} `yaml:"telegram"`
	CryptoPay struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"cryptopay"`
	Payments struct {
		CacheTTLMinutes          int `yaml:"cache_ttl_minutes"`
		AutoCancelDefaultSeconds int `yaml:"auto_cancel_default_seconds"`
		RateLimit                struct {
			MaxRequests   int `yaml:"max_requests"`
			WindowSeconds int `yaml:"window_seconds"`
		} `yaml:"rate_limit"`
		PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"payments"`
	Shop struct {
		Fiat            string         `yaml:"fiat"`
		Quantities      []int          `yaml:"quantities"`
		Assets          map[int]string `yaml:"assets"`
		SupportUsername string         `yaml:"support_username"`
	} `yaml:"shop"`
	Restock struct {
		Schedule   string        `yaml:"schedule"`
		RandomSkip bool          `yaml:"random_skip"`
		Rules      []RestockRule `yaml:"rules"`
	} `yaml:"restock"`
}

// Load reads the YAML file at path (CONFIG_PATH, then configs/config.yaml when
// empty), applies a .env file if present, then environment overrides and
// defaults.
func Load(path string) (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_WORKERS"); v != "" {
		cfg.Telegram.Workers = atoiOr(cfg.Telegram.Workers, v)
	}
	if v := os.Getenv("CRYPTOPAY_BASE_URL"); v != "" {
		cfg.CryptoPay.BaseURL = v
	}
	if v := os.Getenv("CRYPTOPAY_TOKEN"); v != "" {
		cfg.CryptoPay.Token = v
	}
	if v := os.Getenv("CRYPTOPAY_TIMEOUT_SECONDS"); v != "" {
		cfg.CryptoPay.TimeoutSeconds = atoiOr(cfg.CryptoPay.TimeoutSeconds, v)
	}
	if v := os.Getenv("CACHE_TTL_MINUTES"); v != "" {
		cfg.Payments.CacheTTLMinutes = atoiOr(cfg.Payments.CacheTTLMinutes, v)
	}
	if v := os.Getenv("AUTO_CANCEL_DEFAULT_SECONDS"); v != "" {
		cfg.Payments.AutoCancelDefaultSeconds = atoiOr(cfg.Payments.AutoCancelDefaultSeconds, v)
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		cfg.Payments.RateLimit.MaxRequests = atoiOr(cfg.Payments.RateLimit.MaxRequests, v)
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		cfg.Payments.RateLimit.WindowSeconds = atoiOr(cfg.Payments.RateLimit.WindowSeconds, v)
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		cfg.Payments.PollIntervalSeconds = atoiOr(cfg.Payments.PollIntervalSeconds, v)
	}
	if v := os.Getenv("SHOP_FIAT"); v != "" {
		cfg.Shop.Fiat = v
	}
	if v := os.Getenv("SHOP_QUANTITIES"); v != "" {
		cfg.Shop.Quantities = splitIntList(v)
	}
	if v := os.Getenv("SHOP_ASSETS"); v != "" {
		cfg.Shop.Assets = splitAssetList(v)
	}
	if v := os.Getenv("SUPPORT_USERNAME"); v != "" {
		cfg.Shop.SupportUsername = v
	}
	if v := os.Getenv("RESTOCK_SCHEDULE"); v != "" {
		cfg.Restock.Schedule = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Telegram.Workers <= 0 {
		cfg.Telegram.Workers = 4
	}
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = 60
	}
	if cfg.CryptoPay.TimeoutSeconds <= 0 {
		cfg.CryptoPay.TimeoutSeconds = 10
	}
	if cfg.Payments.CacheTTLMinutes <= 0 {
		cfg.Payments.CacheTTLMinutes = 1
	}
	if cfg.Payments.AutoCancelDefaultSeconds <= 0 {
		cfg.Payments.AutoCancelDefaultSeconds = 3600
	}
	if cfg.Payments.RateLimit.MaxRequests <= 0 {
		cfg.Payments.RateLimit.MaxRequests = 100
	}
	if cfg.Payments.RateLimit.WindowSeconds <= 0 {
		cfg.Payments.RateLimit.WindowSeconds = 60
	}
	if cfg.Payments.PollIntervalSeconds <= 0 {
		cfg.Payments.PollIntervalSeconds = 10
	}
	if cfg.Payments.SweepIntervalSeconds <= 0 {
		cfg.Payments.SweepIntervalSeconds = 60
	}
	if cfg.Shop.Fiat == "" {
		cfg.Shop.Fiat = "RUB"
	}
	if len(cfg.Shop.Quantities) == 0 {
		cfg.Shop.Quantities = []int{1, 5, 10}
	}
	if len(cfg.Shop.Assets) == 0 {
		cfg.Shop.Assets = map[int]string{1: "USDT", 2: "TON", 3: "BTC"}
	}
}

func (c *Config) validate() error {
	for _, q := range c.Shop.Quantities {
		if q <= 0 {
			return errors.New("shop.quantities must be positive")
		}
	}
	for code, asset := range c.Shop.Assets {
		if code <= 0 || strings.TrimSpace(asset) == "" {
			return errors.New("shop.assets entries need a positive code and a symbol")
		}
	}
	for _, r := range c.Restock.Rules {
		if r.ProductID <= 0 || r.MaxQuantity <= 0 || r.MinAdd < 0 || r.MaxAdd < r.MinAdd {
			return fmt.Errorf("restock rule for product %d is invalid", r.ProductID)
		}
	}
	return nil
}

// Require reports the first of the named keys that is empty. Each binary
// checks only what it uses.
func (c *Config) Require(keys ...string) error {
	for _, k := range keys {
		var v string
		switch k {
		case "server.addr":
			v = c.Server.Addr
		case "db.dsn":
			v = c.DB.DSN
		case "telegram.token":
			v = c.Telegram.Token
		case "cryptopay.token":
			v = c.CryptoPay.Token
		default:
			return fmt.Errorf("unknown config key %q", k)
		}
		if v == "" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Payments.CacheTTLMinutes) * time.Minute
}

func (c *Config) AutoCancelDefault() time.Duration {
	return time.Duration(c.Payments.AutoCancelDefaultSeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Payments.RateLimit.WindowSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Payments.PollIntervalSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Payments.SweepIntervalSeconds) * time.Second
}

func (c *Config) CryptoPayTimeout() time.Duration {
	return time.Duration(c.CryptoPay.TimeoutSeconds) * time.Second
}

func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func splitIntList(v string) []int {
	var out []int
	for _, p := range splitCommaList(v) {
		if i, err := strconv.Atoi(p); err == nil {
			out = append(out, i)
		}
	}
	return out
}

// splitAssetList parses "1:USDT,2:TON".
func splitAssetList(v string) map[int]string {
	out := map[int]string{}
	for _, p := range splitCommaList(v) {
		code, symbol, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(strings.TrimSpace(code)); err == nil {
			out[i] = strings.ToUpper(strings.TrimSpace(symbol))
		}
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
