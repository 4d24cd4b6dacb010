package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Server     ServerConfig
	JWT        JWTConfig
	Crypto     CryptoConfig
	TikTok     ProviderConfig
	Instagram  ProviderConfig
	Refresh    RefreshConfig
	Limits     LimitsConfig
	Worker     WorkerConfig
	SelfHosted bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// JWTConfig holds settings for authenticating collaborator API callers.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// CryptoConfig holds token encryption settings. MasterKey is base64-encoded
// and at least 32 bytes after decoding. KeyIDs lists every key version that
// may still appear on stored ciphertexts; ActiveKeyID is used for new writes.
type CryptoConfig struct {
	MasterKey   []byte
	KeyIDs      []string
	ActiveKeyID string
}

// ProviderConfig holds per-platform OAuth client and webhook settings.
// An empty WebhookSecret disables signature verification for that provider.
type ProviderConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
	APIBaseURL    string
}

// RefreshConfig holds token refresh scheduler settings.
type RefreshConfig struct {
	Interval time.Duration
	// Lookahead selects accounts whose access token expires within this window.
	Lookahead time.Duration
	// SafetyMargin is the minimum remaining validity GetValidToken accepts
	// before forcing a refresh.
	SafetyMargin time.Duration
	LeaseTTL     time.Duration
	BatchSize    int
	MaxBackoff   time.Duration
}

// LimitsConfig holds per-account publish throttling settings.
type LimitsConfig struct {
	// RequestsPerMinute bounds publish calls in any trailing 60s window.
	RequestsPerMinute int
	// PendingQuota bounds posts in non-terminal state within QuotaWindow.
	PendingQuota int
	QuotaWindow  time.Duration
}

// WorkerConfig holds webhook event processor settings.
type WorkerConfig struct {
	Count        int
	BatchSize    int
	PollInterval time.Duration
	ClaimLease   time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production, sensitive
// values (master key, JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("SOCIALCORE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("SOCIALCORE_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("SOCIALCORE_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("SOCIALCORE_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("SOCIALCORE_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	masterKey, err := getEnvBase64("SOCIALCORE_CRYPTO_MASTER_KEY")
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshInterval, err := getEnvDuration("SOCIALCORE_REFRESH_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshLookahead, err := getEnvDuration("SOCIALCORE_REFRESH_LOOKAHEAD", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	safetyMargin, err := getEnvDuration("SOCIALCORE_REFRESH_SAFETY_MARGIN", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	leaseTTL, err := getEnvDuration("SOCIALCORE_REFRESH_LEASE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshBatch, err := getEnvInt("SOCIALCORE_REFRESH_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBackoff, err := getEnvDuration("SOCIALCORE_REFRESH_MAX_BACKOFF", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	requestsPerMinute, err := getEnvInt("SOCIALCORE_LIMIT_REQUESTS_PER_MINUTE", 6)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pendingQuota, err := getEnvInt("SOCIALCORE_LIMIT_PENDING_QUOTA", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	quotaWindow, err := getEnvDuration("SOCIALCORE_LIMIT_QUOTA_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	workerCount, err := getEnvInt("SOCIALCORE_WORKER_COUNT", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	workerBatch, err := getEnvInt("SOCIALCORE_WORKER_BATCH_SIZE", 16)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pollInterval, err := getEnvDuration("SOCIALCORE_WORKER_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	claimLease, err := getEnvDuration("SOCIALCORE_WORKER_CLAIM_LEASE", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxAttempts, err := getEnvInt("SOCIALCORE_WORKER_MAX_ATTEMPTS", 8)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	backoffBase, err := getEnvDuration("SOCIALCORE_WORKER_BACKOFF_BASE", time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	backoffCap, err := getEnvDuration("SOCIALCORE_WORKER_BACKOFF_CAP", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("SOCIALCORE_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("SOCIALCORE_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("SOCIALCORE_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("SOCIALCORE_DB_USER", "socialcore"),
			Password: getEnv("SOCIALCORE_DB_PASSWORD", ""),
			DBName:   getEnv("SOCIALCORE_DB_NAME", "socialcore_dev"),
			SSLMode:  getEnv("SOCIALCORE_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("SOCIALCORE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SOCIALCORE_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Server: ServerConfig{
			Addr:         getEnv("SOCIALCORE_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		JWT: JWTConfig{
			Secret: getEnv("SOCIALCORE_JWT_SECRET", ""),
		},
		Crypto: CryptoConfig{
			MasterKey:   masterKey,
			KeyIDs:      getEnvList("SOCIALCORE_CRYPTO_KEY_IDS", []string{"v1"}),
			ActiveKeyID: getEnv("SOCIALCORE_CRYPTO_ACTIVE_KEY_ID", "v1"),
		},
		TikTok: ProviderConfig{
			ClientID:      getEnv("SOCIALCORE_TIKTOK_CLIENT_KEY", ""),
			ClientSecret:  getEnv("SOCIALCORE_TIKTOK_CLIENT_SECRET", ""),
			RedirectURL:   getEnv("SOCIALCORE_TIKTOK_REDIRECT_URL", ""),
			WebhookSecret: getEnv("SOCIALCORE_TIKTOK_WEBHOOK_SECRET", ""),
			APIBaseURL:    getEnv("SOCIALCORE_TIKTOK_API_BASE", "https://open.tiktokapis.com/v2"),
		},
		Instagram: ProviderConfig{
			ClientID:      getEnv("SOCIALCORE_INSTAGRAM_CLIENT_ID", ""),
			ClientSecret:  getEnv("SOCIALCORE_INSTAGRAM_CLIENT_SECRET", ""),
			RedirectURL:   getEnv("SOCIALCORE_INSTAGRAM_REDIRECT_URL", ""),
			WebhookSecret: getEnv("SOCIALCORE_INSTAGRAM_WEBHOOK_SECRET", ""),
			APIBaseURL:    getEnv("SOCIALCORE_INSTAGRAM_API_BASE", "https://graph.facebook.com/v20.0"),
		},
		Refresh: RefreshConfig{
			Interval:     refreshInterval,
			Lookahead:    refreshLookahead,
			SafetyMargin: safetyMargin,
			LeaseTTL:     leaseTTL,
			BatchSize:    refreshBatch,
			MaxBackoff:   maxBackoff,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: requestsPerMinute,
			PendingQuota:      pendingQuota,
			QuotaWindow:       quotaWindow,
		},
		Worker: WorkerConfig{
			Count:        workerCount,
			BatchSize:    workerBatch,
			PollInterval: pollInterval,
			ClaimLease:   claimLease,
			MaxAttempts:  maxAttempts,
			BackoffBase:  backoffBase,
			BackoffCap:   backoffCap,
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// Secrets are required (no insecure defaults).
	if len(c.Crypto.MasterKey) == 0 {
		return errors.New("SOCIALCORE_CRYPTO_MASTER_KEY is required")
	}
	if len(c.Crypto.MasterKey) < 32 {
		return errors.New("SOCIALCORE_CRYPTO_MASTER_KEY must decode to at least 32 bytes")
	}
	if c.JWT.Secret == "" {
		return errors.New("SOCIALCORE_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("SOCIALCORE_JWT_SECRET must be at least 32 characters")
	}

	found := false
	for _, id := range c.Crypto.KeyIDs {
		if id == c.Crypto.ActiveKeyID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("SOCIALCORE_CRYPTO_ACTIVE_KEY_ID %q must be listed in SOCIALCORE_CRYPTO_KEY_IDS", c.Crypto.ActiveKeyID)
	}

	// DB SSL mode warning for non-self-hosted deployments.
	if c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("SOCIALCORE_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	if c.TikTok.WebhookSecret == "" {
		log.Warn().Msg("SOCIALCORE_TIKTOK_WEBHOOK_SECRET is empty; tiktok webhook signatures will not be verified")
	}
	if c.Instagram.WebhookSecret == "" {
		log.Warn().Msg("SOCIALCORE_INSTAGRAM_WEBHOOK_SECRET is empty; instagram webhook signatures will not be verified")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("SOCIALCORE_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("SOCIALCORE_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SOCIALCORE_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SOCIALCORE_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("SOCIALCORE_REFRESH_INTERVAL must be positive, got %s", c.Refresh.Interval)
	}
	if c.Refresh.Lookahead < c.Refresh.SafetyMargin {
		return fmt.Errorf("SOCIALCORE_REFRESH_LOOKAHEAD (%s) must be >= SOCIALCORE_REFRESH_SAFETY_MARGIN (%s)",
			c.Refresh.Lookahead, c.Refresh.SafetyMargin)
	}
	if c.Refresh.LeaseTTL <= 0 {
		return fmt.Errorf("SOCIALCORE_REFRESH_LEASE_TTL must be positive, got %s", c.Refresh.LeaseTTL)
	}
	if c.Refresh.BatchSize < 1 {
		return fmt.Errorf("SOCIALCORE_REFRESH_BATCH_SIZE must be >= 1, got %d", c.Refresh.BatchSize)
	}
	if c.Limits.RequestsPerMinute < 1 {
		return fmt.Errorf("SOCIALCORE_LIMIT_REQUESTS_PER_MINUTE must be >= 1, got %d", c.Limits.RequestsPerMinute)
	}
	if c.Limits.PendingQuota < 1 {
		return fmt.Errorf("SOCIALCORE_LIMIT_PENDING_QUOTA must be >= 1, got %d", c.Limits.PendingQuota)
	}
	if c.Limits.QuotaWindow <= 0 {
		return fmt.Errorf("SOCIALCORE_LIMIT_QUOTA_WINDOW must be positive, got %s", c.Limits.QuotaWindow)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("SOCIALCORE_WORKER_COUNT must be >= 1, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("SOCIALCORE_WORKER_MAX_ATTEMPTS must be >= 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("worker backoff misconfigured: base %s, cap %s", c.Worker.BackoffBase, c.Worker.BackoffCap)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Provider returns the configuration for the named provider, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	switch name {
	case "tiktok":
		return &c.TikTok
	case "instagram":
		return &c.Instagram
	default:
		return nil
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvBase64(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as base64: %w", key, err)
	}
	return b, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
