package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	SMS        SMSConfig        `mapstructure:"sms"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	History    HistoryConfig    `mapstructure:"history"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"` // workers only; empty disables
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	EventsChannel string        `mapstructure:"events_channel"`
}

type QueueConfig struct {
	Driver string `mapstructure:"driver"` // kafka | amqp
	Topic  string `mapstructure:"topic"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Prefetch int    `mapstructure:"prefetch"`
}

type RelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type DispatcherConfig struct {
	WorkerCount  int           `mapstructure:"worker_count"`
	Fanout       int           `mapstructure:"fanout"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	ProcessedTTL time.Duration `mapstructure:"processed_ttl"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

type DKIMConfig struct {
	Domain   string `mapstructure:"domain"`
	Selector string `mapstructure:"selector"`
	KeyFile  string `mapstructure:"key_file"`
}

type SMTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	Subject    string        `mapstructure:"subject"`
	HelloName  string        `mapstructure:"hello_name"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RequireTLS bool          `mapstructure:"require_tls"`
	DKIM       DKIMConfig    `mapstructure:"dkim"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	SendPath  string        `mapstructure:"send_path"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type SMSConfig struct {
	DefaultCountryCode string           `mapstructure:"default_country_code"`
	MaxAttempts        int              `mapstructure:"max_attempts"`
	Providers          []ProviderConfig `mapstructure:"providers"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type HistoryConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

type WebSocketConfig struct {
	ClientBuffer int           `mapstructure:"client_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		// a missing file keeps the defaults; a malformed one is an error
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	// env override (CGW_MYSQL_DSN, CGW_QUEUE_DRIVER, ...)
	v.SetEnvPrefix("CGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Queue.Driver {
	case "kafka", "amqp":
	default:
		return fmt.Errorf("queue.driver: unsupported %q (kafka|amqp)", c.Queue.Driver)
	}
	if strings.TrimSpace(c.Queue.Topic) == "" {
		return errors.New("queue.topic: empty")
	}
	if c.Dispatcher.LockTTL <= 0 {
		return errors.New("dispatcher.lock_ttl: must be positive")
	}
	return nil
}
