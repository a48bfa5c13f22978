// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names recognized by the gateway.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	Artifacts   ArtifactsConfig `mapstructure:"artifacts"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Limits      LimitsConfig    `mapstructure:"limits"`
	ID          IDConfig        `mapstructure:"id"`
	Archive     ArchiveConfig   `mapstructure:"archive"`
	Notify      NotifyConfig    `mapstructure:"notify"`
	History     HistoryConfig   `mapstructure:"history"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	CORSOrigin    string        `mapstructure:"cors_origin"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed when keying the rate limiter. Empty means the socket peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (c ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig describes the external worker and how it is supervised.
type WorkerConfig struct {
	Interpreter   string        `mapstructure:"interpreter"`
	Script        string        `mapstructure:"script"`
	Args          []string      `mapstructure:"args"`
	QueryFlag     string        `mapstructure:"query_flag"`
	Env           []string      `mapstructure:"env"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	SlotWait      time.Duration `mapstructure:"slot_wait"`
	RequestIDEnv  string        `mapstructure:"request_id_env"`
	ResultPathEnv string        `mapstructure:"result_path_env"`
	StderrLimit   int           `mapstructure:"stderr_limit_bytes"`
	WaitDelay     time.Duration `mapstructure:"wait_delay"`
}

// ArtifactsConfig locates result artifacts and the janitor's patterns.
type ArtifactsConfig struct {
	Dir            string   `mapstructure:"dir"`
	Patterns       []string `mapstructure:"patterns"`
	SweepOnStartup bool     `mapstructure:"sweep_on_startup"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
}

// LimitsConfig bounds what a client may submit.
type LimitsConfig struct {
	MaxQueryLength int     `mapstructure:"max_query_length"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

// IDConfig selects the correlation id generator.
type IDConfig struct {
	Format string `mapstructure:"format"`
	Prefix string `mapstructure:"prefix"`
}

// ArchiveConfig sets where successful artifacts are copied.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// NotifyConfig holds metadata for completion notifications.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// HistoryConfig controls the invocation history store.
type HistoryConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	// MaxRecords caps the memory backend; the oldest records are evicted.
	MaxRecords int `mapstructure:"max_records"`
}

// TracingConfig toggles OpenTelemetry span creation and propagation.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is the conventional platform override for the listen port.
	if err := v.BindEnv("server.port", "SEARCH_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 7*time.Minute)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_grace", 30*time.Second)
	v.SetDefault("server.cors_origin", "")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("worker.interpreter", "python3")
	v.SetDefault("worker.script", "scraper/main.py")
	v.SetDefault("worker.timeout", 5*time.Minute)
	v.SetDefault("worker.max_concurrent", 2)
	v.SetDefault("worker.slot_wait", 30*time.Second)
	v.SetDefault("worker.request_id_env", "REQUEST_ID")
	v.SetDefault("worker.result_path_env", "RESULT_PATH")
	v.SetDefault("worker.stderr_limit_bytes", 64*1024)
	v.SetDefault("worker.wait_delay", 2*time.Second)
	v.SetDefault("artifacts.dir", ".")
	v.SetDefault("artifacts.sweep_on_startup", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("limits.max_query_length", 256)
	v.SetDefault("limits.max_body_bytes", 1<<20)
	v.SetDefault("limits.rate_per_second", 0)
	v.SetDefault("limits.rate_burst", 5)
	v.SetDefault("id.format", "sequence")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("archive.content_type", "application/json")
	v.SetDefault("notify.backend", "none")
	v.SetDefault("history.backend", "none")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("history.max_records", 1000)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "product-search-gateway")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "test":
	default:
		errs = append(errs, fmt.Errorf("environment %q must be development, production or test", c.Environment))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Worker.Script == "" {
		errs = append(errs, errors.New("worker.script is required"))
	}
	if c.Worker.Timeout <= 0 {
		errs = append(errs, errors.New("worker.timeout must be > 0"))
	}
	if c.Worker.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("worker.max_concurrent must be > 0"))
	}
	if c.Worker.SlotWait < 0 {
		errs = append(errs, errors.New("worker.slot_wait must be >= 0"))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Worker.Timeout+c.Worker.SlotWait {
		errs = append(errs, errors.New("server.write_timeout must exceed worker.timeout plus worker.slot_wait"))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Limits.MaxQueryLength <= 0 {
		errs = append(errs, errors.New("limits.max_query_length must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.ID.Format {
	case "sequence", "uuid":
	default:
		errs = append(errs, fmt.Errorf("id.format %q must be sequence or uuid", c.ID.Format))
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for the local backend"))
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive.gcs_bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend))
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			errs = append(errs, errors.New("notify.project_id and notify.topic are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend))
	}
	switch c.History.Backend {
	case "none":
	case "memory":
		if c.History.MaxRecords <= 0 {
			errs = append(errs, errors.New("history.max_records must be > 0 for the memory backend"))
		}
	case "postgres":
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not supported", c.History.Backend))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether failure details may be exposed to clients.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}
