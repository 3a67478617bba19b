// Package config loads the transfer core's configuration the way the
// teacher does: a YAML file for local defaults, environment variables for
// deployment overrides, unmarshalled through Viper.
package config

import (
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level, environment-provided configuration (spec section
// 6).
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Limits LimitsConfig `mapstructure:"limits"`
	TTL    TTLConfig    `mapstructure:"ttl"`
	Lock   LockConfig   `mapstructure:"lock"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransferEvents string `mapstructure:"transfer_events"`
}

// AuthConfig configures bearer-token verification. The core only consumes
// the resulting userId (spec section 6); issuing tokens is out of scope.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LimitsConfig carries the DEFAULT_DAILY_LIMIT / DEFAULT_MONTHLY_LIMIT
// environment defaults of spec section 6, applied when a user has no
// LimitLedger row yet.
type LimitsConfig struct {
	DefaultDailyLimit   float64 `mapstructure:"default_daily_limit"`
	DefaultMonthlyLimit float64 `mapstructure:"default_monthly_limit"`
}

// TTLConfig carries every cache TTL and freshness window named in spec
// section 4.
type TTLConfig struct {
	IdempotencyResult  time.Duration `mapstructure:"idempotency_result"`
	IdempotencyRequest time.Duration `mapstructure:"idempotency_request"`
	IdempotencyError   time.Duration `mapstructure:"idempotency_error"`
	VersionedBalance   time.Duration `mapstructure:"versioned_balance"`
	BalanceFreshWindow time.Duration `mapstructure:"balance_fresh_window"`
	DailyCounter       time.Duration `mapstructure:"daily_counter"`
	MonthlyCounter     time.Duration `mapstructure:"monthly_counter"`
}

// LockConfig carries the wallet-lease timeouts of spec section 5.
type LockConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

var GlobalConfig *Config

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("mysql.max_open_conns", 25)
	viper.SetDefault("mysql.max_idle_conns", 10)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("kafka.topic.transfer_events", "wallet.transfer.events")
	viper.SetDefault("limits.default_daily_limit", 10000.00)
	viper.SetDefault("limits.default_monthly_limit", 100000.00)
	viper.SetDefault("ttl.idempotency_result", time.Hour)
	viper.SetDefault("ttl.idempotency_request", 30*time.Minute)
	viper.SetDefault("ttl.idempotency_error", 5*time.Minute)
	viper.SetDefault("ttl.versioned_balance", 5*time.Minute)
	viper.SetDefault("ttl.balance_fresh_window", 60*time.Second)
	viper.SetDefault("ttl.daily_counter", 24*time.Hour)
	viper.SetDefault("ttl.monthly_counter", 30*24*time.Hour)
	viper.SetDefault("lock.write_timeout", 30*time.Second)
	viper.SetDefault("lock.read_timeout", 5*time.Second)
}

func bindEnv() {
	_ = viper.BindEnv("limits.default_daily_limit", "DEFAULT_DAILY_LIMIT")
	_ = viper.BindEnv("limits.default_monthly_limit", "DEFAULT_MONTHLY_LIMIT")
	_ = viper.BindEnv("mysql.host", "DB_HOST")
	_ = viper.BindEnv("mysql.port", "DB_PORT")
	_ = viper.BindEnv("mysql.user", "DB_USER")
	_ = viper.BindEnv("mysql.password", "DB_PASSWORD")
	_ = viper.BindEnv("mysql.database", "DB_NAME")
	_ = viper.BindEnv("redis.host", "REDIS_HOST")
	_ = viper.BindEnv("redis.port", "REDIS_PORT")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
}

// LoadConfig reads config/config.yaml when present and layers environment
// variables on top. A missing file is not fatal — the environment-provided
// defaults of spec section 6 keep the service bootable in a container where
// only env vars are set.
func LoadConfig(configPath string) *Config {
	setDefaults()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	bindEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			log.Fatalf("config: failed to read %s: %v", configPath, err)
		}
		log.Printf("config: %s not found, relying on environment and defaults", configPath)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		log.Fatalf("config: failed to unmarshal: %v", err)
	}

	GlobalConfig = cfg
	return cfg
}
