// Package config 提供 TOML 配置加载、环境变量覆盖与校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wyfcoding/papertrading/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logger     logger.Config    `mapstructure:"logger"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Auth       AuthConfig       `mapstructure:"auth"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Feed       FeedConfig       `mapstructure:"feed"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// 交易接口每个 IP 的限流（每秒请求数/突发）
	RateLimitQPS   float64 `mapstructure:"rate_limit_qps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// GRPCConfig gRPC 服务配置（仅健康检查）
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres, sqlite
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    int    `mapstructure:"conn_max_lifetime"`
	LogEnabled         bool   `mapstructure:"log_enabled"`
	SlowQueryThreshold int    `mapstructure:"slow_query_threshold"`
	AutoMigrate        bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置，Host 为空时不启用快照镜像
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置，Brokers 为空时事件仅记录日志
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	MaxRetries   int      `mapstructure:"max_retries"`
	RetryBackoff int      `mapstructure:"retry_backoff"`
	TradeTopic   string   `mapstructure:"trade_topic"`
	PriceTopic   string   `mapstructure:"price_topic"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MarketDataConfig 行情拉取配置
type MarketDataConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APIKeyHeader   string        `mapstructure:"api_key_header"`
	Symbols        []string      `mapstructure:"symbols"`
	Currency       string        `mapstructure:"currency"`
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	// JSONPath 模板，{id} 与 {currency} 会被替换
	PricePath string `mapstructure:"price_path"`
	// 价格推导策略：passthrough 或 correlated
	Strategy   string            `mapstructure:"strategy"`
	BaseSymbol string            `mapstructure:"base_symbol"`
	Ratios     map[string]string `mapstructure:"ratios"`
	// 熔断：连续失败次数与打开时长
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// TradingConfig 交易配置
type TradingConfig struct {
	InitialBalance string        `mapstructure:"initial_balance"`
	Currency       string        `mapstructure:"currency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	NodeID         int64         `mapstructure:"node_id"`
}

// FeedConfig WebSocket 推送配置
type FeedConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// Load 从 TOML 文件加载配置，文件缺失时使用默认值，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	if len(c.MarketData.Symbols) == 0 {
		return fmt.Errorf("marketdata.symbols must not be empty")
	}
	if c.MarketData.Interval <= 0 {
		return fmt.Errorf("invalid marketdata.interval: %s", c.MarketData.Interval)
	}
	switch c.MarketData.Strategy {
	case "passthrough":
	case "correlated":
		if c.MarketData.BaseSymbol == "" {
			return fmt.Errorf("marketdata.base_symbol is required for correlated strategy")
		}
	default:
		return fmt.Errorf("unknown marketdata.strategy: %q", c.MarketData.Strategy)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Trading.MaxRetries < 1 {
		return fmt.Errorf("trading.max_retries must be at least 1")
	}
	return nil
}

// RedisEnabled 是否配置了 Redis
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "papertrading")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.rate_limit_qps", 10.0)
	v.SetDefault("http.rate_limit_burst", 20)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "papertrading.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.trade_topic", "trading.trade.executed")
	v.SetDefault("kafka.price_topic", "marketdata.prices.updated")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/papertrading.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("marketdata.api_key", "")
	v.SetDefault("marketdata.base_symbol", "")
	v.SetDefault("marketdata.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("marketdata.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("marketdata.symbols", []string{"bitcoin", "ethereum", "tether", "binancecoin", "cardano"})
	v.SetDefault("marketdata.currency", "usd")
	v.SetDefault("marketdata.interval", "5m")
	v.SetDefault("marketdata.request_timeout", "10s")
	v.SetDefault("marketdata.stale_after", "15m")
	v.SetDefault("marketdata.price_path", `$["{id}"]["{currency}"]`)
	v.SetDefault("marketdata.strategy", "passthrough")
	v.SetDefault("marketdata.breaker_failures", 3)
	v.SetDefault("marketdata.breaker_timeout", "1m")

	v.SetDefault("trading.initial_balance", "10000")
	v.SetDefault("trading.currency", "USD")
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.retry_delay", "20ms")
	v.SetDefault("trading.node_id", 1)

	v.SetDefault("feed.send_buffer", 16)
	v.SetDefault("feed.write_wait", "10s")
	v.SetDefault("feed.pong_wait", "90s")
	v.SetDefault("feed.max_message_size", 4096)
}
