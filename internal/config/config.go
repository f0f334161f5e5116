package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Blocks      BlocksConfig      `mapstructure:"blocks"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Access      AccessConfig      `mapstructure:"access"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
}

type NodeConfig struct {
	// Identity signs local writes. A random one is generated when empty.
	Identity string `mapstructure:"identity"`
	DataDir  string `mapstructure:"data_dir"`
}

type BlocksConfig struct {
	// Backend is one of memory, bolt or postgres.
	Backend   string         `mapstructure:"backend"`
	Path      string         `mapstructure:"path"`
	CacheSize int            `mapstructure:"cache_size"`
	Postgres  DatabaseConfig `mapstructure:"postgres"`
	// VerifyInterval enables periodic block verification while replicating.
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type PubSubConfig struct {
	RelayURL   string `mapstructure:"relay_url"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type ReplicationConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialInterval  time.Duration `mapstructure:"initial_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	// PeerCheckInterval is how often subscribers are polled; heads are
	// announced again when a peer joins.
	PeerCheckInterval time.Duration `mapstructure:"peer_check_interval"`
	MaxHistory        *int          `mapstructure:"max_history"`
}

type AccessConfig struct {
	Writers []string `mapstructure:"writers"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("driftdb")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}

	if c.Blocks.Backend == "" {
		c.Blocks.Backend = BackendBolt
	}
	switch c.Blocks.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Blocks.Path == "" {
			c.Blocks.Path = c.Node.DataDir + "/blocks.db"
		}
	case BackendPostgres:
		if c.Blocks.Postgres.Host == "" {
			return fmt.Errorf("blocks.postgres.host is required")
		}
		if c.Blocks.Postgres.Database == "" {
			return fmt.Errorf("blocks.postgres.database is required")
		}
		if c.Blocks.Postgres.User == "" {
			return fmt.Errorf("blocks.postgres.user is required")
		}
		if c.Blocks.Postgres.Port == 0 {
			c.Blocks.Postgres.Port = 5432
		}
	default:
		return fmt.Errorf("invalid blocks.backend: %s (valid options: memory, bolt, postgres)", c.Blocks.Backend)
	}
	if c.Blocks.CacheSize < 0 {
		return fmt.Errorf("blocks.cache_size must not be negative")
	}
	if c.Blocks.VerifyInterval < 0 {
		return fmt.Errorf("blocks.verify_interval must not be negative")
	}

	if c.Replication.MaxAttempts == 0 {
		c.Replication.MaxAttempts = 5
	}
	if c.Replication.MaxAttempts < 0 {
		return fmt.Errorf("replication.max_attempts must be positive")
	}
	if c.Replication.InitialInterval == 0 {
		c.Replication.InitialInterval = 100 * time.Millisecond
	}
	if c.Replication.MaxInterval == 0 {
		c.Replication.MaxInterval = 5 * time.Second
	}
	if c.Replication.MaxInterval < c.Replication.InitialInterval {
		return fmt.Errorf("replication.max_interval must not be shorter than replication.initial_interval")
	}
	if c.Replication.FetchConcurrency == 0 {
		c.Replication.FetchConcurrency = 8
	}
	if c.Replication.PeerCheckInterval == 0 {
		c.Replication.PeerCheckInterval = time.Second
	}
	if c.Replication.PeerCheckInterval < 0 {
		return fmt.Errorf("replication.peer_check_interval must not be negative")
	}
	if c.Replication.MaxHistory == nil {
		unbounded := -1
		c.Replication.MaxHistory = &unbounded
	}

	if len(c.Access.Writers) == 0 {
		c.Access.Writers = []string{"*"}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9400"
	}

	if c.PubSub.ListenAddr == "" {
		c.PubSub.ListenAddr = ":7400"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (valid options: debug, info, warn, error)", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s (valid options: text, json)", c.Logging.Format)
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
