// Package config loads service configuration from defaults, an optional
// YAML file, environment variables, and Vault, in ascending precedence.
//
// Viper keys map to environment names by uppercasing and replacing dots
// with underscores: `pg.url` is PG_URL, `cache.ttl_cap_seconds` is
// CACHE_TTL_CAP_SECONDS. Vault is consulted only when VAULT_ADDR is set;
// its KV2 entries hold the connection secrets (PG_URL, NATS_URL,
// REDIS_URL, JWKS_URL) and land on the matching viper keys, so a secret
// and an env var are interchangeable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service  Service  `mapstructure:"service"`
	HTTP     HTTP     `mapstructure:"http"`
	Auth     Auth     `mapstructure:"auth"`
	Cache    Cache    `mapstructure:"cache"`
	Outbox   Outbox   `mapstructure:"outbox"`
	CDC      CDC      `mapstructure:"cdc"`
	Upstream Upstream `mapstructure:"upstream"`
	PG       Endpoint `mapstructure:"pg"`
	NATS     Endpoint `mapstructure:"nats"`
	Redis    Endpoint `mapstructure:"redis"`
	JWKS     Endpoint `mapstructure:"jwks"`
}

type Service struct {
	Name string `mapstructure:"name"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Auth struct {
	// RequireAuth rejects unauthenticated requests with 401 instead of
	// establishing the anonymous context.
	RequireAuth bool `mapstructure:"require_auth"`
}

type Cache struct {
	TTLCapSeconds int `mapstructure:"ttl_cap_seconds"`
	TimeoutMillis int `mapstructure:"timeout_ms"`
}

func (c Cache) TTLCap() time.Duration  { return time.Duration(c.TTLCapSeconds) * time.Second }
func (c Cache) Timeout() time.Duration { return time.Duration(c.TimeoutMillis) * time.Millisecond }

type Outbox struct {
	RetentionDays          int `mapstructure:"retention_days"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

func (o Outbox) Retention() time.Duration {
	return time.Duration(o.RetentionDays) * 24 * time.Hour
}

func (o Outbox) CleanupInterval() time.Duration {
	return time.Duration(o.CleanupIntervalSeconds) * time.Second
}

type CDC struct {
	// DefaultTraceFlags is stamped on projected messages whose outbox row
	// carries no flags column value.
	DefaultTraceFlags string `mapstructure:"default_trace_flags"`

	// TopicMap routes event types to topics; unmapped types go to
	// DefaultTopic.
	TopicMap     map[string]string `mapstructure:"topic_map"`
	DefaultTopic string            `mapstructure:"default_topic"`

	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
}

func (c CDC) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

type Upstream struct {
	LinksURL string `mapstructure:"links_url"`
}

type Endpoint struct {
	URL string `mapstructure:"url"`
}

// Load builds the configuration for the named service. The service name
// doubles as the config file basename (<service>.yaml under /etc/linkcore
// or the working directory) and picks the Vault secret path
// secret/data/linkcore/<service>.
func Load(service string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/linkcore")
	v.AddConfigPath(".")

	setDefaults(v, service)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		if err := loadVaultSecrets(v, addr, service); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("service.name", service)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("auth.require_auth", false)
	v.SetDefault("cache.ttl_cap_seconds", 900)
	v.SetDefault("cache.timeout_ms", 200)
	v.SetDefault("outbox.retention_days", 7)
	v.SetDefault("outbox.cleanup_interval_seconds", 3600)
	v.SetDefault("cdc.default_trace_flags", "01")
	v.SetDefault("cdc.default_topic", "link-events")
	v.SetDefault("cdc.reconcile_interval_seconds", 5)
	v.SetDefault("upstream.links_url", "http://link-service:8080")
	v.SetDefault("pg.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("jwks.url", "")
}

func loadVaultSecrets(v *viper.Viper, addr, service string) error {
	token := os.Getenv("VAULT_TOKEN")
	if token == "" {
		token = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = fmt.Sprintf("secret/data/linkcore/%s", service)
	}

	manager, err := newSecretManager(addr, token)
	if err != nil {
		return err
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		return fmt.Errorf("load secrets from vault: %w", err)
	}

	for key, value := range secrets {
		s, ok := value.(string)
		if !ok {
			continue
		}
		// PG_URL lands on pg.url, JWKS_URL on jwks.url, and so on.
		v.Set(strings.ToLower(strings.ReplaceAll(key, "_", ".")), s)
	}
	return nil
}
