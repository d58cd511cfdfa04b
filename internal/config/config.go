package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Cache        CacheConfig  `mapstructure:"cache"`
	Stream       StreamConfig `mapstructure:"stream"`
	Source       SourceConfig `mapstructure:"source"`
	Export       ExportConfig `mapstructure:"export"`
	Membership   DBConfig     `mapstructure:"membership"`
	Warehouse    DBConfig     `mapstructure:"warehouse"`
	CursorDBPath string       `mapstructure:"cursor_db_path"`
	Log          LogConfig    `mapstructure:"log"`
}

type CacheConfig struct {
	Root          string        `mapstructure:"root"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type StreamConfig struct {
	CursorService    string        `mapstructure:"cursor_service"`
	CursorEvery      int           `mapstructure:"cursor_every"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxWriteFailures int           `mapstructure:"max_write_failures"`
}

type SourceConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Addr              string   `mapstructure:"addr"`
	WantedCollections []string `mapstructure:"wanted_collections"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

// ExportConfig controls the export run mode. A zero interval performs a
// single export-and-clear cycle; a positive one repeats on that period.
type ExportConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("firehosed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
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
	v.SetDefault("cache.max_batch_size", 500)
	v.SetDefault("cache.flush_interval", "30s")
	v.SetDefault("stream.cursor_service", "firehose")
	v.SetDefault("stream.cursor_every", 20000)
	v.SetDefault("stream.reconnect_backoff", "5s")
	v.SetDefault("stream.max_write_failures", 5)
	v.SetDefault("export.interval", "0")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if c.Membership.Path == "" {
		return fmt.Errorf("membership.path is required")
	}
	if c.Warehouse.Path == "" {
		return fmt.Errorf("warehouse.path is required")
	}
	if c.CursorDBPath == "" {
		return fmt.Errorf("cursor_db_path is required")
	}
	enabled := 0
	if c.Source.Socket.Enabled {
		enabled++
		if c.Source.Socket.Addr == "" {
			return fmt.Errorf("source.socket.addr is required when socket is enabled")
		}
	}
	if c.Source.Kafka.Enabled {
		enabled++
		if len(c.Source.Kafka.Brokers) == 0 {
			return fmt.Errorf("source.kafka.brokers is required when kafka is enabled")
		}
	}
	if c.Source.RabbitMQ.Enabled {
		enabled++
		if c.Source.RabbitMQ.URL == "" {
			return fmt.Errorf("source.rabbitmq.url is required when rabbitmq is enabled")
		}
	}
	if enabled != 1 {
		return fmt.Errorf("exactly one source must be enabled, got %d", enabled)
	}
	return nil
}
