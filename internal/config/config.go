// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	PublicBaseURL   string        `yaml:"public_base_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ResultRedirectURL receives payers after contract signing; empty renders a result page.
	ResultRedirectURL string `yaml:"result_redirect_url"`
	ResultLang        string `yaml:"result_lang"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	JWTIssuer      string `yaml:"jwt_issuer"`
	InternalAPIKey string `yaml:"internal_api_key"`
}

type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxConns     int32         `yaml:"max_conns"`
	ConnectLimit time.Duration `yaml:"connect_timeout"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ZarinPalConfig struct {
	MerchantID    string        `yaml:"merchant_id"`
	Sandbox       bool          `yaml:"sandbox"`
	AccessToken   string        `yaml:"access_token"` // GraphQL refunds
	CallbackURL   string        `yaml:"callback_url"` // Payman contract callback
	PaymentReturn string        `yaml:"payment_return_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	BankListTTL   time.Duration `yaml:"bank_list_ttl"`
}

type PaymentConfig struct {
	ZarinPal ZarinPalConfig `yaml:"zarinpal"`
	// Noop swaps the gateway for an in-memory fake (dev only).
	Noop bool `yaml:"noop"`
}

type ResilienceConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type BillingConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	AttemptLease        time.Duration `yaml:"attempt_lease"`
	ContractRequestRate int           `yaml:"contract_request_rate"` // per user per window
	ContractRateWindow  time.Duration `yaml:"contract_rate_window"`
}

type SchedulerConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	PendingOlderThan  time.Duration `yaml:"pending_older_than"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BillingInterval   time.Duration `yaml:"billing_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type AlertConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	AdminChatIDs  []int64 `yaml:"admin_chat_ids"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Payment    PaymentConfig    `yaml:"payment"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Billing    BillingConfig    `yaml:"billing"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Security   SecurityConfig   `yaml:"security"`
	Alerts     AlertConfig      `yaml:"alerts"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Load reads the YAML file at path, overlays secrets from the environment
// (a .env file next to the binary is loaded first when present), applies
// defaults and validates the result.
func Load(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Redis.URL, "REDIS_URL")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.Payment.ZarinPal.MerchantID, "ZARINPAL_MERCHANT_ID")
	override(&cfg.Payment.ZarinPal.AccessToken, "ZARINPAL_ACCESS_TOKEN")
	override(&cfg.Payment.ZarinPal.WebhookSecret, "ZARINPAL_WEBHOOK_SECRET")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	override(&cfg.Auth.InternalAPIKey, "INTERNAL_API_KEY")
	override(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
	override(&cfg.Alerts.TelegramToken, "TELEGRAM_BOT_TOKEN")
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	cfg.HTTP.RequestTimeout = orDefault(cfg.HTTP.RequestTimeout, 45*time.Second)
	cfg.HTTP.ShutdownTimeout = orDefault(cfg.HTTP.ShutdownTimeout, 15*time.Second)
	if cfg.HTTP.ResultLang == "" {
		cfg.HTTP.ResultLang = "fa"
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "payman-billing"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Database.ConnectLimit = orDefault(cfg.Database.ConnectLimit, 5*time.Second)
	cfg.Redis.TTL = orDefault(cfg.Redis.TTL, time.Hour)
	cfg.Payment.ZarinPal.BankListTTL = orDefault(cfg.Payment.ZarinPal.BankListTTL, time.Hour)

	r := &cfg.Resilience
	r.Timeout = orDefault(r.Timeout, 15*time.Second)
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	r.BaseBackoff = orDefault(r.BaseBackoff, 250*time.Millisecond)
	r.MaxBackoff = orDefault(r.MaxBackoff, 10*time.Second)
	if r.FailureThreshold <= 0 {
		r.FailureThreshold = 5
	}
	r.RecoveryTimeout = orDefault(r.RecoveryTimeout, 60*time.Second)

	b := &cfg.Billing
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	b.RetryBaseDelay = orDefault(b.RetryBaseDelay, time.Hour)
	b.RetryMaxDelay = orDefault(b.RetryMaxDelay, 24*time.Hour)
	b.AttemptLease = orDefault(b.AttemptLease, 15*time.Minute)
	if b.ContractRequestRate <= 0 {
		b.ContractRequestRate = 5
	}
	b.ContractRateWindow = orDefault(b.ContractRateWindow, time.Hour)

	s := &cfg.Scheduler
	s.ReconcileInterval = orDefault(s.ReconcileInterval, 5*time.Minute)
	s.PendingOlderThan = orDefault(s.PendingOlderThan, 30*time.Minute)
	s.RetryInterval = orDefault(s.RetryInterval, 10*time.Minute)
	s.BillingInterval = orDefault(s.BillingInterval, time.Hour)
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
}

// Validate performs minimal validation of required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if !c.Payment.Noop && c.Payment.ZarinPal.MerchantID == "" {
		return errors.New("payment.zarinpal.merchant_id is required")
	}
	if c.Payment.ZarinPal.CallbackURL == "" {
		return errors.New("payment.zarinpal.callback_url is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.InternalAPIKey == "" {
		return errors.New("auth.internal_api_key is required")
	}
	if n := len(c.Security.EncryptionKey); n != 16 && n != 24 && n != 32 {
		return errors.New("security.encryption_key must be 16, 24 or 32 bytes")
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
