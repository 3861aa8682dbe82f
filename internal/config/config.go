package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port     string
	Env      string
	AppURL   string
	DBURL    string
	RedisURL string

	StripeSecretKey  string
	StripeWebhookKey string

	MidtransServerKey    string
	MidtransClientKey    string
	MidtransIsProduction bool

	FirebaseCredentialsPath string

	SMTPHost  string
	SMTPPort  string
	SMTPUser  string
	SMTPPass  string
	EmailFrom string

	WahaBaseURL string
	WahaAPIKey  string

	DocumentEmissionTopicARN string

	OrderTTL           time.Duration
	RecoveryTokenTTL   time.Duration
	DefaultTaxRate     decimal.Decimal
	DefaultTaxCountry  string
	WorkerInterval     time.Duration
	SweepBatchSize     int
	InvoiceMaxAttempts int
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TAX_RATE: %w", err)
	}
	workerInterval, err := time.ParseDuration(getEnv("WORKER_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_INTERVAL: %w", err)
	}

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		AppURL:   strings.TrimRight(getEnv("APP_URL", "http://localhost:8080"), "/"),
		DBURL:    os.Getenv("DATABASE_URL"),
		RedisURL: os.Getenv("REDIS_URL"),

		StripeSecretKey:  os.Getenv("STRIPE_API_KEY"),
		StripeWebhookKey: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		MidtransServerKey:    os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransClientKey:    os.Getenv("MIDTRANS_CLIENT_KEY"),
		MidtransIsProduction: os.Getenv("MIDTRANS_IS_PRODUCTION") == "true",

		FirebaseCredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json"),

		SMTPHost:  os.Getenv("SMTP_HOST"),
		SMTPPort:  os.Getenv("SMTP_PORT"),
		SMTPUser:  os.Getenv("SMTP_USER"),
		SMTPPass:  os.Getenv("SMTP_PASS"),
		EmailFrom: os.Getenv("EMAIL_FROM"),

		WahaBaseURL: getEnv("WAHA_BASE_URL", "http://waha:3000"),
		WahaAPIKey:  os.Getenv("WAHA_API_KEY"),

		DocumentEmissionTopicARN: os.Getenv("DOCUMENT_EMISSION_TOPIC_ARN"),

		OrderTTL:           time.Duration(getEnvInt("ORDER_TTL_HOURS", 24)) * time.Hour,
		RecoveryTokenTTL:   time.Duration(getEnvInt("RECOVERY_TOKEN_TTL_HOURS", 168)) * time.Hour,
		DefaultTaxRate:     taxRate,
		DefaultTaxCountry:  strings.ToUpper(getEnv("TAX_COUNTRY", "CL")),
		WorkerInterval:     workerInterval,
		SweepBatchSize:     getEnvInt("SWEEP_BATCH_SIZE", 200),
		InvoiceMaxAttempts: getEnvInt("INVOICE_MAX_ATTEMPTS", 8),
	}
	return cfg, nil
}

// Validate checks that the values every binary needs are present.
func (c *Config) Validate() error {
	var missing []string
	if c.DBURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.OrderTTL <= 0 {
		missing = append(missing, "ORDER_TTL_HOURS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// StripeEnabled reports whether the card processor is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookKey != ""
}

// MidtransEnabled reports whether the bank-redirect processor is configured.
func (c *Config) MidtransEnabled() bool {
	return c.MidtransServerKey != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
