// Package config handles loading and managing application configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Core       CoreConfig
	Security   SecurityConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Card       CardConfig
	Wallet     WalletConfig
	BillPay    BillPayConfig
	BNPL       BNPLConfig
	Reconciler ReconcilerConfig
	Billing    BillingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    string
	GinMode string // "debug", "release", or "test"

	// PublicBaseURL is how providers and members reach this service.
	PublicBaseURL   string
	ShutdownTimeout time.Duration

	// TrustedProxies may set X-Forwarded-For; empty means the socket peer is
	// the client.
	TrustedProxies []string
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

// CoreConfig holds FitStack Core API configuration.
type CoreConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ServiceAPIKey string
	JWTSecret     string
}

// DatabaseConfig selects MySQL; an empty DSN means the in-memory store.
type DatabaseConfig struct {
	DSN         string
	AutoMigrate bool
	PingTimeout time.Duration
}

// RedisConfig selects the Redis OTP store; an empty address means memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// CardConfig holds Mercado Pago settings.
type CardConfig struct {
	AccessToken   string
	WebhookSecret string
	Timeout       time.Duration
}

// WalletConfig holds the mobile wallet settings.
type WalletConfig struct {
	BaseURL       string
	MerchantID    string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	OTPTTL        time.Duration
}

// BillPayConfig holds the bill-payment network settings.
type BillPayConfig struct {
	BaseURL        string
	BillerCode     string
	APIKey         string
	Timeout        time.Duration
	BillValidity   time.Duration
	AllowedSources []string
}

// BNPLConfig holds the installment provider settings.
type BNPLConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// ReconcilerConfig tunes the pending-payment poller.
type ReconcilerConfig struct {
	Enabled         bool
	Interval        time.Duration
	BatchSize       int
	Workers         int
	CardStaleness   time.Duration
	WalletStaleness time.Duration
	BNPLStaleness   time.Duration
	BillStaleness   time.Duration
	CardMaxAge      time.Duration
	WalletMaxAge    time.Duration
	BNPLMaxAge      time.Duration
	BillMaxAge      time.Duration
	OverdueInterval time.Duration
}

// BillingConfig holds invoice defaults and member-facing languages.
type BillingConfig struct {
	DueInDays int
	Locales   []string
}

// Load reads configuration from environment variables after loading an
// optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			GinMode:         getEnv("GIN_MODE", "debug"),
			PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			TrustedProxies:  getEnvList("TRUSTED_PROXIES"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Core: CoreConfig{
			BaseURL: getEnv("FITSTACK_CORE_URL", "http://localhost:8000"),
			APIKey:  getEnv("FITSTACK_CORE_API_KEY", ""),
			Timeout: getEnvDuration("FITSTACK_CORE_TIMEOUT", 10*time.Second),
		},
		Security: SecurityConfig{
			ServiceAPIKey: getEnv("SERVICE_API_KEY", ""),
			JWTSecret:     getEnv("JWT_SECRET", ""),
		},
		Database: DatabaseConfig{
			DSN:         getEnv("MYSQL_DSN", ""),
			AutoMigrate: getEnvBool("MYSQL_AUTO_MIGRATE", true),
			PingTimeout: getEnvDuration("MYSQL_PING_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "billing:otp"),
		},
		Card: CardConfig{
			AccessToken:   getEnv("MP_ACCESS_TOKEN", ""),
			WebhookSecret: getEnv("MP_WEBHOOK_SECRET", ""),
			Timeout:       getEnvDuration("MP_TIMEOUT", 15*time.Second),
		},
		Wallet: WalletConfig{
			BaseURL:       getEnv("WALLET_BASE_URL", ""),
			MerchantID:    getEnv("WALLET_MERCHANT_ID", ""),
			APIKey:        getEnv("WALLET_API_KEY", ""),
			WebhookSecret: getEnv("WALLET_WEBHOOK_SECRET", ""),
			Timeout:       getEnvDuration("WALLET_TIMEOUT", 10*time.Second),
			OTPTTL:        getEnvDuration("WALLET_OTP_TTL", 300*time.Second),
		},
		BillPay: BillPayConfig{
			BaseURL:        getEnv("BILLPAY_BASE_URL", ""),
			BillerCode:     getEnv("BILLPAY_BILLER_CODE", ""),
			APIKey:         getEnv("BILLPAY_API_KEY", ""),
			Timeout:        getEnvDuration("BILLPAY_TIMEOUT", 20*time.Second),
			BillValidity:   getEnvDuration("BILLPAY_BILL_VALIDITY", 72*time.Hour),
			AllowedSources: getEnvList("BILLPAY_ALLOWED_SOURCES"),
		},
		BNPL: BNPLConfig{
			BaseURL:       getEnv("BNPL_BASE_URL", ""),
			APIKey:        getEnv("BNPL_API_KEY", ""),
			WebhookSecret: getEnv("BNPL_WEBHOOK_SECRET", ""),
			Timeout:       getEnvDuration("BNPL_TIMEOUT", 15*time.Second),
		},
		Reconciler: ReconcilerConfig{
			Enabled:         getEnvBool("RECONCILER_ENABLED", true),
			Interval:        getEnvDuration("RECONCILER_INTERVAL", time.Minute),
			BatchSize:       getEnvInt("RECONCILER_BATCH_SIZE", 50),
			Workers:         getEnvInt("RECONCILER_WORKERS", 5),
			CardStaleness:   getEnvDuration("RECONCILER_CARD_STALENESS", 10*time.Minute),
			WalletStaleness: getEnvDuration("RECONCILER_WALLET_STALENESS", 10*time.Minute),
			BNPLStaleness:   getEnvDuration("RECONCILER_BNPL_STALENESS", 30*time.Minute),
			BillStaleness:   getEnvDuration("RECONCILER_BILLPAY_STALENESS", 6*time.Hour),
			CardMaxAge:      getEnvDuration("RECONCILER_CARD_MAX_AGE", 24*time.Hour),
			WalletMaxAge:    getEnvDuration("RECONCILER_WALLET_MAX_AGE", time.Hour),
			BNPLMaxAge:      getEnvDuration("RECONCILER_BNPL_MAX_AGE", 72*time.Hour),
			BillMaxAge:      getEnvDuration("RECONCILER_BILLPAY_MAX_AGE", 7*24*time.Hour),
			OverdueInterval: getEnvDuration("OVERDUE_SWEEP_INTERVAL", time.Hour),
		},
		Billing: BillingConfig{
			DueInDays: getEnvInt("INVOICE_DUE_IN_DAYS", 14),
			Locales:   getEnvListDefault("LOCALES", []string{"en", "ar"}),
		},
	}
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer with a fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean with a fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable.
func getEnvList(key string) []string {
	return getEnvListDefault(key, nil)
}

func getEnvListDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
