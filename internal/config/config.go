// Package config loads vigil's runtime configuration from a YAML or TOML
// file, environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds runtime configuration for the engine process.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" toml:"kafka"`
	Ingest     IngestConfig     `yaml:"ingest" toml:"ingest"`
	Escalation EscalationConfig `yaml:"escalation" toml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify" toml:"notify"`
	Feed       FeedConfig       `yaml:"feed" toml:"feed"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	OTLP       OTLPConfig       `yaml:"otlp" toml:"otlp"`
	Rules      RulesConfig      `yaml:"rules" toml:"rules"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	StatsInterval   time.Duration `yaml:"stats_interval" toml:"stats_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or console
}

type StorageConfig struct {
	Backend      string        `yaml:"backend" toml:"backend"`
	DSN          string        `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns" toml:"max_open_conns"`
	OpTimeout    time.Duration `yaml:"op_timeout" toml:"op_timeout"`
	Retry        RetryConfig   `yaml:"retry" toml:"retry"`
}

type RetryConfig struct {
	Attempts   int           `yaml:"attempts" toml:"attempts"`
	Backoff    time.Duration `yaml:"backoff" toml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff" toml:"max_backoff"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

type KafkaConfig struct {
	Enabled        bool           `yaml:"enabled" toml:"enabled"`
	Brokers        []string       `yaml:"brokers" toml:"brokers"`
	EventsTopic    string         `yaml:"events_topic" toml:"events_topic"`
	GroupID        string         `yaml:"group_id" toml:"group_id"`
	CommitInterval time.Duration  `yaml:"commit_interval" toml:"commit_interval"`
	Producer       ProducerConfig `yaml:"producer" toml:"producer"`
}

// ProducerConfig tunes the pooled producer behind the kafka notification
// channel.
type ProducerConfig struct {
	Topic        string        `yaml:"topic" toml:"topic"`
	PoolSize     int           `yaml:"pool_size" toml:"pool_size"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" toml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks" toml:"required_acks"`
	Compression  string        `yaml:"compression" toml:"compression"`
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
}

type IngestConfig struct {
	QueueSize       int           `yaml:"queue_size" toml:"queue_size"`
	Workers         int           `yaml:"workers" toml:"workers"`
	MaxBodySize     int64         `yaml:"max_body_size" toml:"max_body_size"`
	ProcessTimeout  time.Duration `yaml:"process_timeout" toml:"process_timeout"`
	Lookback        time.Duration `yaml:"lookback" toml:"lookback"`
	RecentCapacity  int           `yaml:"recent_capacity" toml:"recent_capacity"`
	RuleParallelism int           `yaml:"rule_parallelism" toml:"rule_parallelism"`
	RuleCacheTTL    time.Duration `yaml:"rule_cache_ttl" toml:"rule_cache_ttl"`
}

type EscalationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

type NotifyConfig struct {
	Timeout   time.Duration   `yaml:"timeout" toml:"timeout"`
	RateLimit float64         `yaml:"rate_limit" toml:"rate_limit"` // per channel, per second; 0 is unlimited
	Burst     int             `yaml:"burst" toml:"burst"`
	Channels  []ChannelConfig `yaml:"channels" toml:"channels"`
}

// Channel types.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelKafka   = "kafka"
)

// ChannelConfig defines a notification channel beyond the built-in in-app one.
type ChannelConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

type FeedConfig struct {
	NATSURL       string        `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix" toml:"subject_prefix"`
	PingInterval  time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout" toml:"pong_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

type RulesConfig struct {
	SeedFile string `yaml:"seed_file" toml:"seed_file"`
}

// Default returns a config that runs locally with in-memory storage and no
// external brokers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			StatsInterval:   30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			MaxOpenConns: 10,
			OpTimeout:    5 * time.Second,
			Retry: RetryConfig{
				Attempts:   3,
				Backoff:    50 * time.Millisecond,
				MaxBackoff: time.Second,
			},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			EventsTopic:    "ai-events",
			GroupID:        "vigil",
			CommitInterval: time.Second,
			Producer: ProducerConfig{
				Topic:        "vigil-notifications",
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Ingest: IngestConfig{
			QueueSize:       1000,
			Workers:         4,
			MaxBodySize:     10 * 1024 * 1024,
			ProcessTimeout:  10 * time.Second,
			Lookback:        time.Hour,
			RecentCapacity:  10000,
			RuleParallelism: 8,
			RuleCacheTTL:    5 * time.Second,
		},
		Escalation: EscalationConfig{SweepInterval: 30 * time.Second},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
			Burst:   10,
		},
		Feed: FeedConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		OTLP: OTLPConfig{GRPCAddr: ":4317"},
	}
}

// Load reads path over the defaults, applies VIGIL_* environment overrides
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(cfg, data, filepath.Ext(path)); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(cfg *Config, data []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing yaml config: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parsing toml config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("VIGIL_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VIGIL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("VIGIL_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("VIGIL_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("VIGIL_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("VIGIL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("VIGIL_NATS_URL"); v != "" {
		cfg.Feed.NATSURL = v
	}
	if v := os.Getenv("VIGIL_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("VIGIL_INGEST_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VIGIL_INGEST_WORKERS: %w", err)
		}
		cfg.Ingest.Workers = n
	}
	if v := os.Getenv("VIGIL_RULES_SEED_FILE"); v != "" {
		cfg.Rules.SeedFile = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres, BackendSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the %s backend", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, postgres or sqlite, got %q", c.Storage.Backend))
	}
	if c.Storage.Retry.Attempts < 1 {
		errs = append(errs, errors.New("storage.retry.attempts must be at least 1"))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.EventsTopic == "" {
			errs = append(errs, errors.New("kafka.events_topic is required when kafka is enabled"))
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka.group_id is required when kafka is enabled"))
		}
	}

	if c.Ingest.QueueSize < 1 {
		errs = append(errs, errors.New("ingest.queue_size must be positive"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	if c.Ingest.Lookback <= 0 {
		errs = append(errs, errors.New("ingest.lookback must be positive"))
	}
	if c.Escalation.SweepInterval <= 0 {
		errs = append(errs, errors.New("escalation.sweep_interval must be positive"))
	}
	if c.Notify.RateLimit < 0 {
		errs = append(errs, errors.New("notify.rate_limit must not be negative"))
	}

	seen := map[string]bool{"in-app": true}
	for i, ch := range c.Notify.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("notify.channels[%d].name is required", i))
		} else if seen[ch.Name] {
			errs = append(errs, fmt.Errorf("notify.channels[%d]: duplicate channel name %q", i, ch.Name))
		}
		seen[ch.Name] = true
		switch ch.Type {
		case ChannelLog:
		case ChannelWebhook:
			if ch.URL == "" {
				errs = append(errs, fmt.Errorf("notify.channels[%d].url is required for webhooks", i))
			}
		case ChannelKafka:
			if !c.Kafka.Enabled {
				errs = append(errs, fmt.Errorf("notify.channels[%d]: kafka channel needs kafka.enabled", i))
			}
		default:
			errs = append(errs, fmt.Errorf("notify.channels[%d].type must be log, webhook or kafka, got %q", i, ch.Type))
		}
	}

	if c.OTLP.Enabled && c.OTLP.GRPCAddr == "" {
		errs = append(errs, errors.New("otlp.grpc_addr is required when otlp is enabled"))
	}
	return errors.Join(errs...)
}
