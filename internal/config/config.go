// Package config loads kestrel settings from defaults, an optional file and
// KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/duplicate"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/pattern"
	"github.com/opensource-finance/kestrel/internal/processor"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/validation"
)

// EnvPrefix prefixes every environment override, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// WorkerConfig controls the bus subscriber that persists results.
type WorkerConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Topics  []string `json:"topics" mapstructure:"topics"`
}

// Config is the complete application configuration.
type Config struct {
	Tier domain.Tier `json:"tier" mapstructure:"tier"`

	Server     domain.ServerConfig     `json:"server" mapstructure:"server"`
	Logging    domain.LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    domain.TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Repository domain.RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      domain.CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   domain.EventBusConfig   `json:"bus" mapstructure:"bus"`

	Validation validation.Config `json:"validation" mapstructure:"validation"`
	Duplicate  duplicate.Config  `json:"duplicate" mapstructure:"duplicate"`
	Fraud      fraud.Config      `json:"fraud" mapstructure:"fraud"`
	Rules      rules.Config      `json:"rules" mapstructure:"rules"`
	Pattern    pattern.Config    `json:"pattern" mapstructure:"pattern"`
	Processor  processor.Config  `json:"processor" mapstructure:"processor"`
	Worker     WorkerConfig      `json:"worker" mapstructure:"worker"`
}

// Default returns the community profile: SQLite, in-memory cache and
// in-process channels.
func Default() *Config {
	return &Config{
		Tier: domain.TierCommunity,
		Server: domain.ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 16 << 20,
		},
		Logging: domain.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: domain.TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Repository: domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Validation: validation.DefaultConfig(),
		Duplicate:  duplicate.DefaultConfig(),
		Fraud:      fraud.DefaultConfig(),
		Pattern:    pattern.DefaultConfig(),
		Processor:  processor.DefaultConfig(),
		Worker: WorkerConfig{
			Topics: []string{
				domain.TopicTransactionReady,
				domain.TopicTransactionEnriched,
				domain.TopicTransactionFailed,
			},
		},
	}
}

// Pro returns the pro profile: PostgreSQL, Redis behind the local LRU, NATS
// and a persisting worker.
func Pro() *Config {
	cfg := Default()
	cfg.Tier = domain.TierPro
	cfg.Repository = domain.RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
	}
	cfg.Cache = domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		KeyPrefix:      "kestrel:",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = domain.EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Worker.Enabled = true
	return cfg
}

// Load reads the configuration. path may be empty, in which case only
// ./kestrel.{yaml,json,toml} is tried and a missing file is not an error.
// The tier key picks the base profile before the file and environment are
// applied on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kestrel")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	base := Default()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = Pro()
	}
	if err := registerDefaults(v, base); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults declares every leaf of base as a viper default so that
// AutomaticEnv can override keys the file never mentions.
func registerDefaults(v *viper.Viper, base *Config) error {
	tree := map[string]any{}
	if err := mapstructure.Decode(base, &tree); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		switch val := value.(type) {
		case map[string]any:
			setDefaults(v, key, val)
		case nil:
		default:
			v.SetDefault(key, val)
		}
	}
}

// Validate checks settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("unknown tier: %q", c.Tier))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.level: %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format: %q", c.Logging.Format))
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver: %q", c.Repository.Driver))
	}
	if c.Processor.ChunkSize < 0 || c.Processor.Workers < 0 {
		errs = append(errs, errors.New("processor.chunk_size and processor.workers must not be negative"))
	}
	if c.Processor.FailFast.HighRiskLevel.Rank() == 0 {
		errs = append(errs, fmt.Errorf("invalid processor.fail_fast.high_risk_level: %q", c.Processor.FailFast.HighRiskLevel))
	}

	return errors.Join(errs...)
}
