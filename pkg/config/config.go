package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Bus      BusConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend            string        `mapstructure:"backend"` // memory or postgres
	PruneInterval      time.Duration `mapstructure:"prune_interval"`
	DefaultTTL         time.Duration `mapstructure:"default_ttl"`
	ChangePollInterval time.Duration `mapstructure:"change_poll_interval"`
	ChangeBatchSize    int           `mapstructure:"change_batch_size"`
	ChangeRetention    time.Duration `mapstructure:"change_retention"`
	QueryPageSize      int           `mapstructure:"query_page_size"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
	KeyPrefix   string   `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis deployment is configured. Without one the lease and
// dedupe layers fall back to in-process implementations.
func (c RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0 && c.Addresses[0] != ""
}

// KafkaConfig configures the forwarding rule target (EventTopic) and the optional
// ingest consumer (IngestTopic) that publishes external events on the bus.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"client_id"`
	EventTopic  string   `mapstructure:"event_topic"`
	IngestTopic string   `mapstructure:"ingest_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Brokers[0] != ""
}

type BusConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
	RulesFile   string        `mapstructure:"rules_file"`
}

type EngineConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxApprovalWait time.Duration `mapstructure:"max_approval_wait"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	StrictPriority  bool          `mapstructure:"strict_priority"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Load reads config.yaml from /etc/taskflow/ or the working directory and overlays
// TASKFLOW_* environment variables, e.g. TASKFLOW_BUS_MAX_RETRIES.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/taskflow/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.prune_interval", "1m")
	v.SetDefault("store.default_ttl", "2160h")
	v.SetDefault("store.change_poll_interval", "500ms")
	v.SetDefault("store.change_batch_size", 100)
	v.SetDefault("store.change_retention", "24h")
	v.SetDefault("store.query_page_size", 100)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.addresses", []string{})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.key_prefix", "taskflow")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "taskflow-orchestrator")
	v.SetDefault("kafka.event_topic", "taskflow.events")
	v.SetDefault("kafka.ingest_topic", "")
	v.SetDefault("kafka.group_id", "taskflow-ingest")
	v.SetDefault("bus.workers", 8)
	v.SetDefault("bus.queue_size", 1024)
	v.SetDefault("bus.max_retries", 3)
	v.SetDefault("bus.base_backoff", "1s")
	v.SetDefault("bus.max_backoff", "30s")
	v.SetDefault("bus.dedupe_ttl", "24h")
	v.SetDefault("engine.poll_interval", "30s")
	v.SetDefault("engine.max_approval_wait", "24h")
	v.SetDefault("engine.lease_ttl", "2m")
	v.SetDefault("engine.strict_priority", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Bus.Workers <= 0 {
		return fmt.Errorf("bus.workers must be positive")
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must not be negative")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Engine.LeaseTTL <= c.Engine.PollInterval {
		return fmt.Errorf("engine.lease_ttl (%s) must exceed engine.poll_interval (%s)", c.Engine.LeaseTTL, c.Engine.PollInterval)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
