// Package config loads gateway configuration from a YAML file overlaid with
// environment variables, and fails fast on missing or weak settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway core.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Shield    ShieldConfig    `yaml:"shield"`
	Store     StoreConfig     `yaml:"store"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	DryRun    bool            `yaml:"dry_run"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShieldConfig holds shield-address routing settings.
type ShieldConfig struct {
	// ServiceDomains is the list of recipient domains the gateway accepts
	// mail for, e.g. ["shield.tld", "shield2.tld"].
	ServiceDomains []string `yaml:"service_domains"`
}

// StoreConfig holds ephemeral-store settings.
type StoreConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	Capacity   int `yaml:"capacity"`
}

func (c StoreConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// ReaperConfig holds reaper cadence settings.
type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	GraceSeconds    int `yaml:"grace_seconds"`
	MaxBatch        int `yaml:"max_batch"`
}

func (c ReaperConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c ReaperConfig) Grace() time.Duration    { return time.Duration(c.GraceSeconds) * time.Second }

// AnalyzerConfig holds the LLM toxicity analyzer's settings.
type AnalyzerConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BedrockModelID string `yaml:"bedrock_model_id"`
	BedrockRegion  string `yaml:"bedrock_region"`
}

func (c AnalyzerConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// OutboundConfig holds delivery-provider settings.
type OutboundConfig struct {
	RetryAttempts      int    `yaml:"retry_attempts"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
	Provider           string `yaml:"provider"` // "ses", "api", or "smtp"
	FromAddress        string `yaml:"from_address"`

	SES  SESConfig  `yaml:"ses"`
	API  APIConfig  `yaml:"api"`
	SMTP SMTPConfig `yaml:"smtp"`
}

func (c OutboundConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES v2 credentials for outbound delivery.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// APIConfig holds a generic HTTP transactional-mail API sender's settings.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SMTPConfig holds outbound SMTP submission settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig holds inbound webhook validation settings.
type WebhookConfig struct {
	MaxBodyBytes           int64             `yaml:"max_body_bytes"`
	SignatureMaxAgeSeconds int               `yaml:"signature_max_age_seconds"`
	ReplayCacheSize        int               `yaml:"replay_cache_size"`
	ProviderSecrets        map[string]string `yaml:"provider_secrets"`
}

func (c WebhookConfig) SignatureMaxAge() time.Duration {
	return time.Duration(c.SignatureMaxAgeSeconds) * time.Second
}

// RateLimitConfig holds the public-endpoint token-bucket settings.
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RedisURL          string `yaml:"redis_url"`
}

// ShutdownConfig holds graceful-drain settings.
type ShutdownConfig struct {
	DrainSeconds int `yaml:"drain_seconds"`
}

func (c ShutdownConfig) Drain() time.Duration { return time.Duration(c.DrainSeconds) * time.Second }

// knownWeakSecrets are sentinel values that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"":          true,
	"changeme":  true,
	"change-me": true,
	"secret":    true,
	"test":      true,
	"password":  true,
	"default":   true,
}

const minSecretLength = 32

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVICE_DOMAINS"); v != "" {
		cfg.Shield.ServiceDomains = splitAndTrim(v)
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Outbound.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Outbound.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Outbound.SES.Region = v
	}
	if v := os.Getenv("OUTBOUND_API_KEY"); v != "" {
		cfg.Outbound.API.APIKey = v
	}
	if v := os.Getenv("OUTBOUND_SMTP_PASSWORD"); v != "" {
		cfg.Outbound.SMTP.Password = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Analyzer.BedrockModelID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Analyzer.BedrockRegion == "" {
		cfg.Analyzer.BedrockRegion = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RateLimit.RedisURL = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = v == "true" || v == "1"
	}

	// Webhook provider secrets are read per-provider: WEBHOOK_SECRET_<PROVIDER>.
	if cfg.Webhook.ProviderSecrets == nil {
		cfg.Webhook.ProviderSecrets = map[string]string{}
	}
	for _, provider := range []string{"sparkpost", "ses", "mailgun", "sendgrid"} {
		envKey := "WEBHOOK_SECRET_" + strings.ToUpper(provider)
		if v := os.Getenv(envKey); v != "" {
			cfg.Webhook.ProviderSecrets[provider] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Store.TTLSeconds == 0 {
		cfg.Store.TTLSeconds = 300
	}
	if cfg.Store.Capacity == 0 {
		cfg.Store.Capacity = 100
	}
	if cfg.Reaper.IntervalSeconds == 0 {
		cfg.Reaper.IntervalSeconds = 60
	}
	if cfg.Reaper.GraceSeconds == 0 {
		cfg.Reaper.GraceSeconds = 60
	}
	if cfg.Reaper.MaxBatch == 0 {
		cfg.Reaper.MaxBatch = 100
	}
	if cfg.Analyzer.TimeoutSeconds == 0 {
		cfg.Analyzer.TimeoutSeconds = 30
	}
	if cfg.Analyzer.BedrockModelID == "" {
		cfg.Analyzer.BedrockModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Analyzer.BedrockRegion == "" {
		cfg.Analyzer.BedrockRegion = "us-east-1"
	}
	if cfg.Outbound.RetryAttempts == 0 {
		cfg.Outbound.RetryAttempts = 3
	}
	if cfg.Outbound.SendTimeoutSeconds == 0 {
		cfg.Outbound.SendTimeoutSeconds = 10
	}
	if cfg.Outbound.Provider == "" {
		cfg.Outbound.Provider = "api"
	}
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 5 * 1024 * 1024
	}
	if cfg.Webhook.SignatureMaxAgeSeconds == 0 {
		cfg.Webhook.SignatureMaxAgeSeconds = 300
	}
	if cfg.Webhook.ReplayCacheSize == 0 {
		cfg.Webhook.ReplayCacheSize = 10000
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 100
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 100
	}
	if cfg.Shutdown.DrainSeconds == 0 {
		cfg.Shutdown.DrainSeconds = 30
	}
}

// Validate fails fast on configuration that would be unsafe or nonfunctional
// in production: missing service domains and weak/default secrets.
func (c *Config) Validate() error {
	if len(c.Shield.ServiceDomains) == 0 {
		return fmt.Errorf("config: service_domains must not be empty")
	}
	for i, d := range c.Shield.ServiceDomains {
		c.Shield.ServiceDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}

	if c.Store.Capacity <= 0 {
		return fmt.Errorf("config: store.capacity must be positive")
	}
	if c.Store.TTLSeconds <= 0 {
		return fmt.Errorf("config: store.ttl_seconds must be positive")
	}

	for provider, secret := range c.Webhook.ProviderSecrets {
		if err := validateSecret(fmt.Sprintf("webhook provider secret %q", provider), secret); err != nil {
			return err
		}
	}

	if c.Outbound.Provider == "smtp" && c.Outbound.SMTP.Password != "" {
		if err := validateSecret("outbound.smtp.password", c.Outbound.SMTP.Password); err != nil {
			return err
		}
	}

	return nil
}

func validateSecret(name, secret string) error {
	if knownWeakSecrets[strings.ToLower(secret)] {
		return fmt.Errorf("config: %s uses a known weak/default value", name)
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("config: %s must be at least %d bytes (got %d)", name, minSecretLength, len(secret))
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
