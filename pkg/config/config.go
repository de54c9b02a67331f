package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Deployment modes. Demo forces the in-process KV fallback so the
// gateway runs without a Redis instance.
const (
	ModeNormal = "normal"
	ModeDemo   = "demo"
)

// Config holds all gateway settings, loaded from environment variables.
type Config struct {
	// Server
	ListenAddr string
	DataDir    string
	LogLevel   string
	LogJSON    bool

	// KV backend
	RedisURL       string
	DeploymentMode string
	KVOpTimeoutMS  int

	// Rate limiting defaults (key and route overrides win)
	DefaultRateLimitRPS   float64
	DefaultRateLimitBurst int

	// Abuse detection
	AbuseEWMAAlpha            float64
	AbuseZScoreThreshold      float64
	AbuseBlockDurationSeconds int

	// Bloom filter
	BloomExpectedItems     int
	BloomFalsePositiveRate float64

	// Upstream + cache
	UpstreamDefaultTimeoutMS int
	MaxCacheBodyBytes        int64

	// Background work
	ConfigRefreshSeconds int
	RevalidateWorkers    int
	LogQueueSize         int

	// Pre-auth per-client-IP guard (0 disables)
	ClientIPRPS   float64
	ClientIPBurst int
}

// Load reads configuration from the environment, applying defaults for
// anything unset. It returns an error for values that cannot be parsed
// or that fail validation; startup misconfiguration is fatal.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		DataDir:        getEnv("DATA_DIR", "/var/lib/heliox"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogJSON:        getEnvBool("LOG_JSON", true),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DeploymentMode: strings.ToLower(getEnv("DEPLOYMENT_MODE", ModeNormal)),
	}

	var err error
	if cfg.KVOpTimeoutMS, err = getEnvInt("KV_OP_TIMEOUT_MS", 250); err != nil {
		return nil, err
	}
	if cfg.DefaultRateLimitRPS, err = getEnvFloat("DEFAULT_RATE_LIMIT_RPS", 100); err != nil {
		return nil, err
	}
	if cfg.DefaultRateLimitBurst, err = getEnvInt("DEFAULT_RATE_LIMIT_BURST", 200); err != nil {
		return nil, err
	}
	if cfg.AbuseEWMAAlpha, err = getEnvFloat("ABUSE_EWMA_ALPHA", 0.3); err != nil {
		return nil, err
	}
	if cfg.AbuseZScoreThreshold, err = getEnvFloat("ABUSE_ZSCORE_THRESHOLD", 3.0); err != nil {
		return nil, err
	}
	if cfg.AbuseBlockDurationSeconds, err = getEnvInt("ABUSE_BLOCK_DURATION_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.BloomExpectedItems, err = getEnvInt("BLOOM_EXPECTED_ITEMS", 10000); err != nil {
		return nil, err
	}
	if cfg.BloomFalsePositiveRate, err = getEnvFloat("BLOOM_FALSE_POSITIVE_RATE", 0.01); err != nil {
		return nil, err
	}
	if cfg.UpstreamDefaultTimeoutMS, err = getEnvInt("UPSTREAM_DEFAULT_TIMEOUT_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.MaxCacheBodyBytes, err = getEnvInt64("MAX_CACHE_BODY_BYTES", 10*1024*1024); err != nil {
		return nil, err
	}
	if cfg.ConfigRefreshSeconds, err = getEnvInt("CONFIG_REFRESH_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.RevalidateWorkers, err = getEnvInt("REVALIDATE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.LogQueueSize, err = getEnvInt("LOG_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.ClientIPRPS, err = getEnvFloat("CLIENT_IP_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.ClientIPBurst, err = getEnvInt("CLIENT_IP_BURST", 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DeploymentMode != ModeNormal && c.DeploymentMode != ModeDemo {
		return fmt.Errorf("DEPLOYMENT_MODE must be %q or %q, got %q", ModeNormal, ModeDemo, c.DeploymentMode)
	}
	if c.AbuseEWMAAlpha < 0 || c.AbuseEWMAAlpha > 1 {
		return fmt.Errorf("ABUSE_EWMA_ALPHA must be in [0,1], got %v", c.AbuseEWMAAlpha)
	}
	if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("BLOOM_FALSE_POSITIVE_RATE must be in (0,1), got %v", c.BloomFalsePositiveRate)
	}
	if c.BloomExpectedItems <= 0 {
		return fmt.Errorf("BLOOM_EXPECTED_ITEMS must be positive, got %d", c.BloomExpectedItems)
	}
	if c.DefaultRateLimitRPS <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_RPS must be positive, got %v", c.DefaultRateLimitRPS)
	}
	if c.DefaultRateLimitBurst <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_BURST must be positive, got %d", c.DefaultRateLimitBurst)
	}
	if c.KVOpTimeoutMS <= 0 {
		return fmt.Errorf("KV_OP_TIMEOUT_MS must be positive, got %d", c.KVOpTimeoutMS)
	}
	if c.RevalidateWorkers <= 0 {
		return fmt.Errorf("REVALIDATE_WORKERS must be positive, got %d", c.RevalidateWorkers)
	}
	return nil
}

// DemoMode reports whether the config forces the fallback KV backend.
func (c *Config) DemoMode() bool {
	return c.DeploymentMode == ModeDemo || c.RedisURL == ""
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
