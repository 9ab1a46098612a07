package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FACEGATE"

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Token       TokenConfig       `mapstructure:"token"`
	Keys        KeysConfig        `mapstructure:"keys"`
	Clients     ClientsConfig     `mapstructure:"clients"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Health      HealthConfig      `mapstructure:"health"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Log         LogConfig         `mapstructure:"log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Rate        RateConfig        `mapstructure:"rate"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type TokenConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Algorithm string        `mapstructure:"algorithm"`
	Issuer    string        `mapstructure:"issuer"`
}

type KeysConfig struct {
	Dir  string `mapstructure:"dir"`
	Bits int    `mapstructure:"bits"`
}

// ClientsConfig selects the client registry: a JSON file, or PostgreSQL when DSN is set.
type ClientsConfig struct {
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

type HealthConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// QueueConfig selects the degraded-mode queue backend: memory, file or redis.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisKey string `mapstructure:"redis_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditConfig struct {
	RedactPII bool   `mapstructure:"redact_pii"`
	HashSalt  string `mapstructure:"hash_salt"`
}

type LogConfig struct {
	Dir                string `mapstructure:"dir"`
	Level              string `mapstructure:"level"`
	AuditRotation      string `mapstructure:"audit_rotation"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
	DebugRotation      string `mapstructure:"debug_rotation"`
	DebugRetentionDays int    `mapstructure:"debug_retention_days"`
	Compress           bool   `mapstructure:"compress"`
	Stdout             bool   `mapstructure:"stdout"`
}

type EngineConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RecognitionConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type RateConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
	// TrustedProxies lists peers (IPs or CIDRs) whose X-Forwarded-For is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Proxies parses TrustedProxies. A bare address becomes a single-host prefix.
func (r RateConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: rate.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: rate.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("token.ttl", "60m")
	v.SetDefault("token.algorithm", "RS256")
	v.SetDefault("token.issuer", "facegate")
	v.SetDefault("keys.dir", "data/keys")
	v.SetDefault("keys.bits", 2048)
	v.SetDefault("clients.path", "data/clients.json")
	v.SetDefault("clients.dsn", "")
	v.SetDefault("admin.key", "")
	v.SetDefault("health.probe_interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.path", "data/registration_queue.jsonl")
	v.SetDefault("queue.redis_key", "facegate:registration_queue")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("audit.redact_pii", true)
	v.SetDefault("audit.hash_salt", "")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.audit_rotation", "daily")
	v.SetDefault("log.audit_retention_days", 30)
	v.SetDefault("log.debug_rotation", "hourly")
	v.SetDefault("log.debug_retention_days", 7)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.stdout", true)
	v.SetDefault("engine.url", "http://localhost:8001")
	v.SetDefault("engine.timeout", "10s")
	v.SetDefault("recognition.threshold", 0.6)
	v.SetDefault("rate.per_second", 20.0)
	v.SetDefault("rate.burst", 40)
	v.SetDefault("rate.trusted_proxies", []string{})
}

// Load reads defaults, then the optional config file at path, then
// FACEGATE_* environment variables (FACEGATE_TOKEN_TTL, FACEGATE_LOG_DIR, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("facegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Token.TTL <= 0 {
		return fmt.Errorf("config: token.ttl must be positive")
	}
	switch strings.ToUpper(c.Token.Algorithm) {
	case "RS256", "RS384", "RS512":
	default:
		return fmt.Errorf("config: unsupported token.algorithm %q", c.Token.Algorithm)
	}
	if c.Keys.Bits < 2048 {
		return fmt.Errorf("config: keys.bits must be at least 2048")
	}
	switch c.Queue.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("config: unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Health.ProbeInterval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("config: health intervals must be positive")
	}
	if c.Recognition.Threshold < 0 || c.Recognition.Threshold > 1 {
		return fmt.Errorf("config: recognition.threshold must be within [0,1]")
	}
	if _, err := c.Rate.Proxies(); err != nil {
		return err
	}
	return nil
}
