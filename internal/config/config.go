package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPAddr    string
	StoreDriver string
	PostgresDSN string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaGroupID string

	JWTSecret string
	JWTTTL    time.Duration

	ReferralCredit       int64
	PurchaseCredit       int64
	SettlementMaxRetries int
	LockTimeout          time.Duration

	FrontendURL     string
	PublicRateLimit float64
	TrustedProxies  []netip.Prefix

	OTLPEndpoint string
	LogLevel     string
	LogFile      string
}

// Load reads the configuration from the environment after loading .env, if
// present. Unset keys fall back to local development defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		PostgresDSN:   getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=referrals sslmode=disable"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "referral-settlement"),
		JWTSecret:     getEnv("JWT_SECRET", "supersecret"),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:3000"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.JWTTTL, err = getDuration("JWT_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReferralCredit, err = getInt64("REFERRAL_CREDIT", 2); err != nil {
		return nil, err
	}
	if cfg.PurchaseCredit, err = getInt64("PURCHASE_CREDIT", 2); err != nil {
		return nil, err
	}
	retries, err := getInt64("SETTLEMENT_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	cfg.SettlementMaxRetries = int(retries)
	if cfg.PublicRateLimit, err = getFloat("PUBLIC_RATE_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.TrustedProxies, err = getPrefixes("TRUSTED_PROXIES"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"store_driver", cfg.StoreDriver,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"referral_credit", cfg.ReferralCredit,
		"purchase_credit", cfg.PurchaseCredit,
		"settlement_max_retries", cfg.SettlementMaxRetries,
		"lock_timeout", cfg.LockTimeout.String(),
		"trusted_proxies", len(cfg.TrustedProxies))
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ReferralCredit <= 0 || c.PurchaseCredit <= 0 {
		return fmt.Errorf("config: REFERRAL_CREDIT and PURCHASE_CREDIT must be positive")
	}
	if c.SettlementMaxRetries < 0 {
		return fmt.Errorf("config: SETTLEMENT_MAX_RETRIES cannot be negative")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("config: JWT_TTL must be positive")
	}
	if c.PublicRateLimit <= 0 {
		return fmt.Errorf("config: PUBLIC_RATE_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// getPrefixes parses a comma separated list of addresses or CIDR ranges.
func getPrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range splitList(os.Getenv(key)) {
		if prefix, err := netip.ParsePrefix(v); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s entry %q: %w", key, v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
