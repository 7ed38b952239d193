// Package config loads the marketbus service configuration from YAML files
// and MARKETBUS_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/transport"
	"github.com/Aidin1998/marketbus/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. MARKETBUS_SERVER_ADDR.
const EnvPrefix = "MARKETBUS"

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Log         logger.Config    `mapstructure:"log"`
	Collector   CollectorConfig  `mapstructure:"collector"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Instruments InstrumentConfig `mapstructure:"instruments"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// CollectorConfig mirrors collector.Config with a textual overflow strategy.
type CollectorConfig struct {
	Name              string        `mapstructure:"name"`
	StoreEverything   bool          `mapstructure:"store_everything"`
	StickyPeriod      time.Duration `mapstructure:"sticky_period" validate:"gte=0"`
	HistoryMaxRecords int           `mapstructure:"history_max_records" validate:"gte=0"`
	MaxBufferSize     int           `mapstructure:"max_buffer_size" validate:"gte=0"`
	Overflow          string        `mapstructure:"overflow"`
	RebaseThreshold   int           `mapstructure:"rebase_threshold" validate:"gte=0"`
	SnapshotBatch     int           `mapstructure:"snapshot_batch" validate:"gte=0"`
}

// IngestConfig selects the backend feeding the collector: none, redis or
// kafka.
type IngestConfig struct {
	Backend  string   `mapstructure:"backend" validate:"omitempty,oneof=none redis kafka"`
	Channels []string `mapstructure:"channels" validate:"dive,required"`
}

type (
	RedisConfig = transport.RedisConfig
	KafkaConfig = transport.KafkaConfig
)

type InstrumentConfig struct {
	Catalogue string `mapstructure:"catalogue"`
}

var defaults = map[string]any{
	"server.addr":                   ":8080",
	"server.read_timeout":           "10s",
	"server.shutdown_timeout":       "15s",
	"log.level":                     "info",
	"log.format":                    "json",
	"log.development":               false,
	"collector.name":                "history",
	"collector.store_everything":    false,
	"collector.sticky_period":       "0s",
	"collector.history_max_records": 0,
	"collector.max_buffer_size":     0,
	"collector.overflow":            "block",
	"collector.rebase_threshold":    1024,
	"collector.snapshot_batch":      256,
	"ingest.backend":                "none",
	"ingest.channels":               []string{"marketdata"},
	"redis.addr":                    "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"redis.pool_size":               10,
	"redis.max_retries":             3,
	"redis.dial_timeout":            "5s",
	"redis.read_timeout":            "3s",
	"redis.write_timeout":           "3s",
	"redis.cluster_addrs":           []string{},
	"redis.master_name":             "",
	"redis.sentinel_addrs":          []string{},
	"kafka.brokers":                 []string{"localhost:9092"},
	"kafka.group_id":                "marketbus",
	"kafka.min_bytes":               1,
	"kafka.max_bytes":               10_000_000,
	"kafka.batch_timeout":           "10ms",
	"instruments.catalogue":         "",
}

// Load reads the first existing file among paths, applies environment
// overrides and validates the result. With no file found the defaults and
// environment alone are used.
func Load(log *zap.Logger, paths ...string) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if len(paths) == 0 {
		paths = []string{"./marketbus.yaml", "./configs/marketbus.yaml", "/etc/marketbus/marketbus.yaml"}
	}
	loaded := ""
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			log.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		loaded = path
		break
	}
	if loaded == "" {
		log.Warn("No configuration file found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	log.Info("Configuration loaded",
		zap.String("file", loaded),
		zap.String("addr", cfg.Server.Addr),
		zap.String("ingest", cfg.Ingest.Backend))
	return &cfg, nil
}

var validate = validator.New()

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if _, err := collector.ParseOverflowStrategy(c.Collector.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("collector.overflow: %w", err))
	}
	switch c.Ingest.Backend {
	case "redis":
		if c.Redis.Addr == "" && len(c.Redis.ClusterAddrs) == 0 && c.Redis.MasterName == "" {
			errs = append(errs, errors.New("redis.addr is required for redis ingest"))
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required for kafka ingest"))
		}
	}
	if c.Ingest.Backend != "" && c.Ingest.Backend != "none" && len(c.Ingest.Channels) == 0 {
		errs = append(errs, errors.New("ingest.channels must not be empty"))
	}
	return errors.Join(errs...)
}

// CollectorOptions converts the collector section.
func (c CollectorConfig) CollectorOptions() collector.Config {
	overflow, _ := collector.ParseOverflowStrategy(c.Overflow)
	return collector.Config{
		Name:              c.Name,
		StoreEverything:   c.StoreEverything,
		StickyPeriod:      c.StickyPeriod,
		HistoryMaxRecords: c.HistoryMaxRecords,
		MaxBufferSize:     c.MaxBufferSize,
		Overflow:          overflow,
		RebaseThreshold:   c.RebaseThreshold,
		SnapshotBatch:     c.SnapshotBatch,
	}
}
