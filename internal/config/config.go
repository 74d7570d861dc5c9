package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auction   AuctionConfig   `mapstructure:"auction"`
	Bidder    BidderConfig    `mapstructure:"bidder"`
	Capacity  CapacityConfig  `mapstructure:"capacity"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Session   SessionConfig   `mapstructure:"session"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type AppConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gt=0"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database" validate:"required"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts" validate:"min=1"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace" validate:"required"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	DecisionTopic   string        `mapstructure:"decision_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuctionConfig tunes the bid fan-out.
type AuctionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
	Deadline       time.Duration `mapstructure:"deadline" validate:"gt=0"`
	MinimumBidders int           `mapstructure:"minimum_bidders" validate:"gte=0"`
	TieBreak       string        `mapstructure:"tie_break" validate:"oneof=arrival bidder_id"`
	PoolSize       int           `mapstructure:"pool_size" validate:"gte=0"`
}

// BidderConfig controls outbound solicitation behaviour.
type BidderConfig struct {
	APIKeyHeader    string        `mapstructure:"api_key_header"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

type CapacityConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	ActiveTTL time.Duration `mapstructure:"active_ttl"`
}

type IdentityConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1,lte=20"`
}

type SessionConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory redis"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// Retention is how long a finished call id stays blocked from routing again.
	Retention time.Duration `mapstructure:"retention"`
}

// RecorderConfig selects where routing decisions go. The decision worker uses
// the retry settings when writing consumed decisions to Scylla.
type RecorderConfig struct {
	Sink          string        `mapstructure:"sink" validate:"oneof=scylla kafka"`
	WriteAttempts uint          `mapstructure:"write_attempts" validate:"gte=1"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("ROUTING")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "call-routing")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("auction.default_timeout", 3*time.Second)
	v.SetDefault("auction.deadline", 5*time.Second)
	v.SetDefault("auction.minimum_bidders", 1)
	v.SetDefault("auction.tie_break", "arrival")
	v.SetDefault("auction.pool_size", 256)
	v.SetDefault("bidder.api_key_header", "X-API-Key")
	v.SetDefault("bidder.user_agent", "call-routing/1.0")
	v.SetDefault("bidder.max_body_bytes", 64<<10)
	v.SetDefault("bidder.breaker_interval", time.Minute)
	v.SetDefault("bidder.breaker_timeout", 30*time.Second)
	v.SetDefault("bidder.breaker_failures", 5)
	v.SetDefault("capacity.key_prefix", "routing")
	v.SetDefault("capacity.active_ttl", 2*time.Hour)
	v.SetDefault("identity.max_attempts", 5)
	v.SetDefault("session.backend", "redis")
	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.retention", 24*time.Hour)
	v.SetDefault("recorder.sink", "scylla")
	v.SetDefault("recorder.write_attempts", 5)
	v.SetDefault("recorder.retry_delay", 200*time.Millisecond)
	v.SetDefault("recorder.retry_max_delay", 5*time.Second)
	v.SetDefault("kafka.decision_topic", "routing.decisions")
	v.SetDefault("kafka.consumer_group_id", "routing-decision-writer")
	v.SetDefault("kafka.partitions", 24)
	v.SetDefault("metrics.path", "/metrics")
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
