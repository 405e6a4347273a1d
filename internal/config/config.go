package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServiceName    = "stock-reservation"
	ServiceVersion = "0.1.0"
)

const (
	ChannelRedis = "redis"
	ChannelKafka = "kafka"
)

type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Channel   ChannelConfig   `yaml:"channel"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServiceConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type ChannelConfig struct {
	Driver             string        `yaml:"driver"`
	StockLockedStream  string        `yaml:"stock_locked_stream"`
	OrderReleaseStream string        `yaml:"order_release_stream"`
	DeadLetterSuffix   string        `yaml:"dead_letter_suffix"`
	Group              string        `yaml:"group"`
	Consumer           string        `yaml:"consumer"`
	Workers            int           `yaml:"workers"`
	BatchSize          int64         `yaml:"batch_size"`
	Block              time.Duration `yaml:"block"`
	ClaimMinIdle       time.Duration `yaml:"claim_min_idle"`
	// DeliveryDelay holds stock-locked events back so the order that owns
	// them has committed or rolled back before its status is checked.
	DeliveryDelay time.Duration `yaml:"delivery_delay"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	GroupID      string        `yaml:"group_id"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type LookupConfig struct {
	OrderBaseURL   string        `yaml:"order_base_url"`
	ProductBaseURL string        `yaml:"product_base_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

type SweeperConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	MinAge            time.Duration `yaml:"min_age"`
	MaxAge            time.Duration `yaml:"max_age"`
	ForceReleaseAfter time.Duration `yaml:"force_release_after"`
	BatchSize         int           `yaml:"batch_size"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	LogLevel     string `yaml:"log_level"`
}

func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ware-1"
	}

	return &Config{
		Service: ServiceConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ShutdownTimeout: 10 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/gulimall_wms?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 100,
		},
		Channel: ChannelConfig{
			Driver:             ChannelRedis,
			StockLockedStream:  "stock.locked",
			OrderReleaseStream: "order.release",
			DeadLetterSuffix:   ".dead",
			Group:              "ware-service",
			Consumer:           hostname,
			Workers:            4,
			BatchSize:          16,
			Block:              2 * time.Second,
			ClaimMinIdle:       5 * time.Minute,
			DeliveryDelay:      2 * time.Minute,
			RetryBackoff:       2 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			GroupID:      "ware-service",
			BatchTimeout: 10 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			PollInterval: 500 * time.Millisecond,
			BatchSize:    100,
		},
		Lookup: LookupConfig{
			OrderBaseURL:   "http://localhost:9000",
			ProductBaseURL: "http://localhost:10000",
			Timeout:        3 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			MinAge:    50 * time.Minute,
			MaxAge:    72 * time.Hour,
			BatchSize: 100,
		},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Channel.Driver = getEnv("CHANNEL_DRIVER", c.Channel.Driver)
	c.Lookup.OrderBaseURL = getEnv("ORDER_SERVICE_URL", c.Lookup.OrderBaseURL)
	c.Lookup.ProductBaseURL = getEnv("PRODUCT_SERVICE_URL", c.Lookup.ProductBaseURL)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.LogLevel = getEnv("LOG_LEVEL", c.Telemetry.LogLevel)
	c.Service.HTTPAddr = getEnv("HTTP_ADDR", c.Service.HTTPAddr)
	c.Service.GRPCAddr = getEnv("GRPC_ADDR", c.Service.GRPCAddr)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is required"))
	}
	switch c.Channel.Driver {
	case ChannelRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis channel"))
		}
	case ChannelKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required for the kafka channel"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown channel driver %q", c.Channel.Driver))
	}
	if c.Channel.Workers <= 0 {
		errs = append(errs, errors.New("channel.workers must be positive"))
	}
	if c.Channel.MaxAttempts < 0 {
		errs = append(errs, errors.New("channel.max_attempts must not be negative"))
	}
	if c.Channel.DeliveryDelay < 0 {
		errs = append(errs, errors.New("channel.delivery_delay must not be negative"))
	}
	if c.Channel.ClaimMinIdle > 0 && c.Channel.ClaimMinIdle <= c.Channel.DeliveryDelay {
		errs = append(errs, errors.New("channel.claim_min_idle must exceed channel.delivery_delay"))
	}
	if c.Lookup.Timeout <= 0 {
		errs = append(errs, errors.New("lookup.timeout must be positive"))
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval and outbox.batch_size must be positive"))
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.MinAge <= 0) {
		errs = append(errs, errors.New("sweeper.interval and sweeper.min_age must be positive"))
	}
	if c.Sweeper.ForceReleaseAfter != 0 && c.Sweeper.ForceReleaseAfter < c.Sweeper.MinAge {
		errs = append(errs, errors.New("sweeper.force_release_after must not be shorter than sweeper.min_age"))
	}
	if c.Sweeper.MaxAge != 0 && c.Sweeper.MaxAge <= c.Sweeper.MinAge {
		errs = append(errs, errors.New("sweeper.max_age must be longer than sweeper.min_age"))
	}
	if c.Sweeper.MaxAge != 0 && c.Sweeper.ForceReleaseAfter > c.Sweeper.MaxAge {
		errs = append(errs, errors.New("sweeper.force_release_after must fall inside sweeper.max_age"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
