/*
Package config loads the reconciler's settings.

SOURCES (later wins):
  1. Defaults()
  2. YAML file passed to Load (optional)
  3. Environment: RECONCILER_<SECTION>_<KEY>, e.g. RECONCILER_GATEWAYS_PAYSTACK_SECRET_KEY

Secrets are expected from the environment; the YAML file usually only
carries URLs, timeouts and feature switches.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RECONCILER"

type Config struct {
	LogLevel       string               `yaml:"log_level" mapstructure:"log_level"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Database       DatabaseConfig       `yaml:"database" mapstructure:"database"`
	Gateways       GatewaysConfig       `yaml:"gateways" mapstructure:"gateways"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation" mapstructure:"reconciliation"`
	Lock           LockConfig           `yaml:"lock" mapstructure:"lock"`
	Notify         NotifyConfig         `yaml:"notify" mapstructure:"notify"`
	Callback       CallbackConfig       `yaml:"callback" mapstructure:"callback"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxWebhookBytes int64         `yaml:"max_webhook_bytes" mapstructure:"max_webhook_bytes"`
}

type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" runs without persistence.
	Path string `yaml:"path" mapstructure:"path"`
}

type GatewaysConfig struct {
	Flutterwave GatewayConfig `yaml:"flutterwave" mapstructure:"flutterwave"`
	Paystack    GatewayConfig `yaml:"paystack" mapstructure:"paystack"`
	Monnify     GatewayConfig `yaml:"monnify" mapstructure:"monnify"`
	Momo        GatewayConfig `yaml:"momo" mapstructure:"momo"`
}

// GatewayConfig is the union of provider settings; each adapter reads the
// fields it knows.
type GatewayConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	SecretKey     string        `yaml:"secret_key" mapstructure:"secret_key"`
	WebhookSecret string        `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// monnify
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	ContractCode string `yaml:"contract_code" mapstructure:"contract_code"`

	// paystack dedicated accounts
	PreferredBank string `yaml:"preferred_bank" mapstructure:"preferred_bank"`

	// momo
	SubscriptionKey string `yaml:"subscription_key" mapstructure:"subscription_key"`
	APIToken        string `yaml:"api_token" mapstructure:"api_token"`
	CallbackURL     string `yaml:"callback_url" mapstructure:"callback_url"`
	Environment     string `yaml:"environment" mapstructure:"environment"`
}

type ReconciliationConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	PendingTTL      time.Duration `yaml:"pending_ttl" mapstructure:"pending_ttl"`
	MinPollAge      time.Duration `yaml:"min_poll_age" mapstructure:"min_poll_age"`
	PollConcurrency int           `yaml:"poll_concurrency" mapstructure:"poll_concurrency"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
	CallTimeout     time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"` // memory | redis
	RedisAddr string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int           `yaml:"redis_db" mapstructure:"redis_db"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type NotifyConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"` // log | sqs
	QueueURL string `yaml:"queue_url" mapstructure:"queue_url"`
	Region   string `yaml:"region" mapstructure:"region"`
	// Endpoint overrides the SQS endpoint (localstack).
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// CallbackConfig holds where customers land after the gateway redirect.
type CallbackConfig struct {
	SuccessURL string `yaml:"success_url" mapstructure:"success_url"`
	FailureURL string `yaml:"failure_url" mapstructure:"failure_url"`
	PendingURL string `yaml:"pending_url" mapstructure:"pending_url"`
}

func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
			MaxWebhookBytes: 1 << 20,
		},
		Database: DatabaseConfig{Path: "reconciler.db"},
		Gateways: GatewaysConfig{
			Flutterwave: GatewayConfig{Timeout: 20 * time.Second},
			Paystack:    GatewayConfig{Timeout: 20 * time.Second},
			Monnify:     GatewayConfig{Timeout: 20 * time.Second},
			Momo:        GatewayConfig{Timeout: 20 * time.Second, Environment: "sandbox"},
		},
		Reconciliation: ReconciliationConfig{
			SweepInterval:   5 * time.Minute,
			PendingTTL:      30 * time.Minute,
			MinPollAge:      2 * time.Minute,
			PollConcurrency: 8,
			BatchSize:       200,
			CallTimeout:     15 * time.Second,
		},
		Lock:   LockConfig{Backend: "memory", RedisAddr: "localhost:6379", TTL: 30 * time.Second},
		Notify: NotifyConfig{Backend: "log"},
		Callback: CallbackConfig{
			SuccessURL: "/checkout/success",
			FailureURL: "/checkout/failed",
			PendingURL: "/checkout/pending",
		},
	}
}

// Load reads path (if non-empty) and the environment on top of Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper. AutomaticEnv only resolves
// keys viper already knows about, so env-only settings need a default.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	v.SetDefault("server.max_webhook_bytes", cfg.Server.MaxWebhookBytes)

	v.SetDefault("database.path", cfg.Database.Path)

	gateways := map[string]GatewayConfig{
		"flutterwave": cfg.Gateways.Flutterwave,
		"paystack":    cfg.Gateways.Paystack,
		"monnify":     cfg.Gateways.Monnify,
		"momo":        cfg.Gateways.Momo,
	}
	for name, g := range gateways {
		p := "gateways." + name + "."
		v.SetDefault(p+"enabled", g.Enabled)
		v.SetDefault(p+"base_url", g.BaseURL)
		v.SetDefault(p+"secret_key", g.SecretKey)
		v.SetDefault(p+"webhook_secret", g.WebhookSecret)
		v.SetDefault(p+"timeout", g.Timeout)
		v.SetDefault(p+"api_key", g.APIKey)
		v.SetDefault(p+"contract_code", g.ContractCode)
		v.SetDefault(p+"preferred_bank", g.PreferredBank)
		v.SetDefault(p+"subscription_key", g.SubscriptionKey)
		v.SetDefault(p+"api_token", g.APIToken)
		v.SetDefault(p+"callback_url", g.CallbackURL)
		v.SetDefault(p+"environment", g.Environment)
	}

	v.SetDefault("reconciliation.sweep_interval", cfg.Reconciliation.SweepInterval)
	v.SetDefault("reconciliation.pending_ttl", cfg.Reconciliation.PendingTTL)
	v.SetDefault("reconciliation.min_poll_age", cfg.Reconciliation.MinPollAge)
	v.SetDefault("reconciliation.poll_concurrency", cfg.Reconciliation.PollConcurrency)
	v.SetDefault("reconciliation.batch_size", cfg.Reconciliation.BatchSize)
	v.SetDefault("reconciliation.call_timeout", cfg.Reconciliation.CallTimeout)

	v.SetDefault("lock.backend", cfg.Lock.Backend)
	v.SetDefault("lock.redis_addr", cfg.Lock.RedisAddr)
	v.SetDefault("lock.redis_db", cfg.Lock.RedisDB)
	v.SetDefault("lock.ttl", cfg.Lock.TTL)

	v.SetDefault("notify.backend", cfg.Notify.Backend)
	v.SetDefault("notify.queue_url", cfg.Notify.QueueURL)
	v.SetDefault("notify.region", cfg.Notify.Region)
	v.SetDefault("notify.endpoint", cfg.Notify.Endpoint)

	v.SetDefault("callback.success_url", cfg.Callback.SuccessURL)
	v.SetDefault("callback.failure_url", cfg.Callback.FailureURL)
	v.SetDefault("callback.pending_url", cfg.Callback.PendingURL)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Reconciliation.PendingTTL <= 0 {
		errs = append(errs, errors.New("reconciliation.pending_ttl must be positive"))
	}
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q must be memory or redis", c.Lock.Backend))
	}
	switch c.Notify.Backend {
	case "log":
	case "sqs":
		if c.Notify.QueueURL == "" {
			errs = append(errs, errors.New("notify.queue_url is required for the sqs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q must be log or sqs", c.Notify.Backend))
	}
	for name, g := range c.Gateways.Enabled() {
		if g.SecretKey == "" && g.APIToken == "" {
			errs = append(errs, fmt.Errorf("gateways.%s is enabled without credentials", name))
		}
	}
	return errors.Join(errs...)
}

// Enabled returns the switched-on gateways keyed by adapter name.
func (g GatewaysConfig) Enabled() map[string]GatewayConfig {
	out := map[string]GatewayConfig{}
	if g.Flutterwave.Enabled {
		out["flutterwave"] = g.Flutterwave
	}
	if g.Paystack.Enabled {
		out["paystack"] = g.Paystack
	}
	if g.Monnify.Enabled {
		out["monnify"] = g.Monnify
	}
	if g.Momo.Enabled {
		out["momo"] = g.Momo
	}
	return out
}
