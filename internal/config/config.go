package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Auth         AuthConfig         `yaml:"auth"`
	Transfer     TransferConfig     `yaml:"transfer"`
	Gateways     GatewaysConfig     `yaml:"gateways"`
	Intermediary IntermediaryConfig `yaml:"intermediary"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	OAuth        OAuthConfig        `yaml:"oauth"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// ReconciliationTopic receives the entries an operator has to settle by hand.
	ReconciliationTopic string `yaml:"reconciliation_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// AuthConfig enables bearer-token identification when JWTSecret is set.
// Without it callers identify themselves with the X-User-ID header.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type TransferConfig struct {
	MaxAmount string `yaml:"max_amount"`
}

// MaxAmountValue returns the per-transfer ceiling.
func (c TransferConfig) MaxAmountValue() decimal.Decimal {
	return mustDecimal(c.MaxAmount, "10000")
}

// ProviderCredentials is the fixed credential set of one gateway adapter.
type ProviderCredentials struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	MerchantID   string `yaml:"merchant_id"`
	ProfileID    string `yaml:"profile_id"`
	LocationID   string `yaml:"location_id"`
}

type GatewaysConfig struct {
	// Sandbox routes every provider to the in-process mock adapter.
	Sandbox   bool                `yaml:"sandbox"`
	Timeout   time.Duration       `yaml:"timeout"`
	PayPal    ProviderCredentials `yaml:"paypal"`
	Braintree ProviderCredentials `yaml:"braintree"`
	Wise      ProviderCredentials `yaml:"wise"`
	Square    ProviderCredentials `yaml:"square"`
	Stripe    ProviderCredentials `yaml:"stripe"`
}

type IntermediaryConfig struct {
	BaseURL         string        `yaml:"base_url"`
	AccessKey       string        `yaml:"access_key"`
	SecretKey       string        `yaml:"secret_key"`
	PlatformAccount string        `yaml:"platform_account"`
	AdminFee        string        `yaml:"admin_fee"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AdminFeeAmount returns the fixed skim collected on cross-provider transfers.
func (c IntermediaryConfig) AdminFeeAmount() decimal.Decimal {
	return mustDecimal(c.AdminFee, "0.75")
}

type WebhooksConfig struct {
	// Relaxed skips signature verification. Never enabled implicitly.
	Relaxed bool              `yaml:"relaxed"`
	Secrets map[string]string `yaml:"secrets"`
}

type MonitorConfig struct {
	HealthInterval  time.Duration `yaml:"health_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

type OAuthConfig struct {
	StateTTL time.Duration `yaml:"state_ttl"`
}

const (
	// a direct transfer makes at most an OAuth token call and the payment call
	gatewayCalls = 2
	// account lookups for both wallets, create, capture and the fee payment
	intermediaryCalls = 5
	lockMargin        = 30 * time.Second
)

// TransferBudget is the longest one synchronous transfer can take when
// every outbound call runs to its timeout.
func (c *Config) TransferBudget() time.Duration {
	return gatewayCalls*c.Gateways.Timeout + intermediaryCalls*c.Intermediary.Timeout
}

// IdempotencyLockTTL outlives the slowest transfer so a duplicate request
// cannot take the lock while the first is still running.
func (c *Config) IdempotencyLockTTL() time.Duration {
	return c.TransferBudget() + lockMargin
}

// Load reads yaml file, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	// a missing .env is fine; real deployments inject the environment directly
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Webhooks.Secrets = upperKeys(cfg.Webhooks.Secrets)
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// upperKeys lets secrets be keyed by provider in any case.
func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func applyEnv(cfg *Config) {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if v, ok := os.LookupEnv("WEBHOOK_VERIFY_RELAXED"); ok {
		cfg.Webhooks.Relaxed = v == "true" || v == "1"
	}
	if v := os.Getenv("RAPYD_ACCESS_KEY"); v != "" {
		cfg.Intermediary.AccessKey = v
	}
	if v := os.Getenv("RAPYD_SECRET_KEY"); v != "" {
		cfg.Intermediary.SecretKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	for _, kv := range os.Environ() {
		const prefix = "WEBHOOK_SECRET_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		name, secret, found := strings.Cut(strings.TrimPrefix(kv, prefix), "=")
		if !found || secret == "" {
			continue
		}
		if cfg.Webhooks.Secrets == nil {
			cfg.Webhooks.Secrets = make(map[string]string)
		}
		cfg.Webhooks.Secrets[strings.ToUpper(name)] = secret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "wallet-bridge.events"
	}
	if cfg.Kafka.ReconciliationTopic == "" {
		cfg.Kafka.ReconciliationTopic = "wallet-bridge.reconciliation"
	}
	if cfg.Gateways.Timeout == 0 {
		cfg.Gateways.Timeout = 10 * time.Second
	}
	if cfg.Intermediary.Timeout == 0 {
		cfg.Intermediary.Timeout = 10 * time.Second
	}
	if cfg.Monitor.HealthInterval == 0 {
		cfg.Monitor.HealthInterval = 5 * time.Minute
	}
	if cfg.Monitor.CleanupInterval == 0 {
		cfg.Monitor.CleanupInterval = time.Hour
	}
	if cfg.Monitor.StaleAfter == 0 {
		cfg.Monitor.StaleAfter = 24 * time.Hour
	}
	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = 10 * time.Minute
	}
	if cfg.Webhooks.Secrets == nil {
		cfg.Webhooks.Secrets = make(map[string]string)
	}
}

func mustDecimal(v, def string) decimal.Decimal {
	if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
		return d
	}
	return decimal.RequireFromString(def)
}
