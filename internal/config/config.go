package config

import (
	"bytes"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// DevEncryptionKey is only accepted outside production.
const DevEncryptionKey = "shop-events-development-key-do-not-use"

var ErrMissingEncryptionKey = errors.New("security.encryption_key is required in production")

// ---- Root ----

type Config struct {
	App        AppConfig       `mapstructure:"app"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Queue      QueueConfig     `mapstructure:"queue"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Retention  RetentionConfig `mapstructure:"retention"`
	Security   SecurityConfig  `mapstructure:"security"`
}

// ---- Leaf structs ----

type AppConfig struct {
	Env      string `mapstructure:"env"` // development|staging|production
	LogLevel string `mapstructure:"log_level"`
}

func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(a.Env), "production")
}

type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	AdminToken string `mapstructure:"admin_token"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// RedisConfig: an empty Addr puts the process in fallback mode.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	IngestTopic    string   `mapstructure:"ingest_topic"`
	SignalsTopic   string   `mapstructure:"signals_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
	Workers        int      `mapstructure:"workers"`
}

type QueueConfig struct {
	Name            string        `mapstructure:"name"`
	InstanceID      string        `mapstructure:"instance_id"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	KeepCompleted   int           `mapstructure:"keep_completed"`
	KeepFailed      int           `mapstructure:"keep_failed"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	DedupeTTL       time.Duration `mapstructure:"dedupe_ttl"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	InstanceTTL     time.Duration `mapstructure:"instance_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RateLimitConfig struct {
	Window           time.Duration `mapstructure:"window"`
	MaxRequests      int           `mapstructure:"max_requests"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	SweepProbability float64       `mapstructure:"sweep_probability"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type RetentionConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (SHOPEV_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (SHOPEV_REDIS_ADDR, SHOPEV_SECURITY_ENCRYPTION_KEY, ...)
	v.SetEnvPrefix("SHOPEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that must never serve traffic.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Security.EncryptionKey) == "" && c.App.IsProduction() {
		return ErrMissingEncryptionKey
	}
	return nil
}

// EncryptionKey returns the configured secret, or the development key outside production.
// The second value reports whether the development key was substituted.
func (c Config) EncryptionKey() (string, bool) {
	if k := strings.TrimSpace(c.Security.EncryptionKey); k != "" {
		return k, false
	}
	return DevEncryptionKey, true
}
