// Package config 提供 TOML 配置加载、环境变量覆盖、配置热更与 schema 校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// 实例标识（Pod 名称），为空时取主机名
	HostIdentity string `mapstructure:"host_identity"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Codec        CodecConfig        `mapstructure:"codec"`
	Distributor  DistributorConfig  `mapstructure:"distributor"`
	Health       HealthConfig       `mapstructure:"health"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Session      SessionConfig      `mapstructure:"session"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Simulator    SimulatorConfig    `mapstructure:"simulator"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒），流式连接不受此限制
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres, memory
	Driver string `mapstructure:"driver" validate:"oneof=mysql postgres memory"`
	DSN    string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	// 最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 重试间隔（毫秒）
	RetryBackoff int  `mapstructure:"retry_backoff"`
	Async        bool `mapstructure:"async"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout file both"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// OTel 收集器端点
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
	// 采样率
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"min=0,max=1"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig 控制面接口限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	QPS     int  `mapstructure:"qps"`
	Burst   int  `mapstructure:"burst"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败次数阈值
	FailureThreshold uint32 `mapstructure:"failure_threshold" validate:"min=1"`
	// 熔断后进入半开状态的等待时间
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	// 半开状态下允许的探测请求数
	HalfOpenMaxProbes uint32 `mapstructure:"half_open_max_probes" validate:"min=1,max=1"`
	// 单次调用超时
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// RetryConfig 模拟器重连退避配置
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	Factor    float64       `mapstructure:"factor" validate:"gte=1"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	// 最大尝试次数，0 表示不限
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=0"`
}

// CodecConfig 增量编码与压缩配置
type CodecConfig struct {
	DeltaEnabled         bool   `mapstructure:"delta_enabled"`
	CompressionEnabled   bool   `mapstructure:"compression_enabled"`
	CompressionThreshold int    `mapstructure:"compression_threshold" validate:"min=0"`
	Algorithm            string `mapstructure:"algorithm" validate:"oneof=gzip zstd snappy lz4 brotli"`
}

// DistributorConfig 推送分发配置
type DistributorConfig struct {
	// 每个会话的缓冲队列容量
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
	// 单个客户端发送超时
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// 释放上游流前的等待时间
	IdleGrace time.Duration `mapstructure:"idle_grace"`
	// 并发推送的最大协程数
	MaxFanout int `mapstructure:"max_fanout" validate:"min=1"`
	// 本地快照缓存过期时间
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	// 同一会话写 Redis 快照的最小间隔
	SnapshotFlushInterval time.Duration `mapstructure:"snapshot_flush_interval"`
	// 客户端发送缓冲区大小
	ClientBuffer int `mapstructure:"client_buffer" validate:"min=1"`
}

// HealthConfig 模拟器健康检查配置
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ErrorInterval time.Duration `mapstructure:"error_interval"`
	// 可接受的编排层状态
	AcceptableStatuses []string `mapstructure:"acceptable_statuses"`
}

// ReaperConfig 后台清理任务配置
type ReaperConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	ErrorInterval     time.Duration `mapstructure:"error_interval"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	HeartbeatWindow   time.Duration `mapstructure:"heartbeat_window"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// 活跃时间写库的最小间隔
	TouchInterval time.Duration `mapstructure:"touch_interval"`
}

// AuthConfig JWT 鉴权配置
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// OrchestratorConfig 编排服务配置
type OrchestratorConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Namespace string        `mapstructure:"namespace"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SimulatorConfig 模拟器 gRPC 客户端配置
type SimulatorConfig struct {
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// keepalive 间隔（秒）
	KeepaliveInterval int `mapstructure:"keepalive_interval"`
	// 节点标识，用于生成模拟器 ID
	NodeID int64 `mapstructure:"node_id" validate:"min=0,max=1023"`
}

// Load 从 TOML 文件加载配置，支持 .env 与环境变量覆盖
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath, true)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// LoadWithDefaults 从 TOML 文件加载配置，文件不存在时使用默认值
func LoadWithDefaults(configPath string) (*Config, error) {
	v, err := newViper(configPath, false)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Watch 监听配置文件变更，回调收到重新解析后的配置
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath, true)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string, mustRead bool) (*viper.Viper, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil && mustRead {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
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
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HostIdentity == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("host_identity is required: %w", err)
		}
		c.HostIdentity = host
	}
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Database.DSN == "" && c.Database.Driver != "memory" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must not be below retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Reaper.HeartbeatWindow <= 0 || c.Reaper.GracePeriod < 0 {
		return fmt.Errorf("reaper.heartbeat_window must be positive and reaper.grace_period non-negative")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "simgateway")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 0)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.async", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/simgateway.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.collector_endpoint", "localhost:4317")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.qps", 20)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.half_open_max_probes", 1)
	v.SetDefault("breaker.call_timeout", "5s")

	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.max_attempts", 5)

	v.SetDefault("codec.delta_enabled", true)
	v.SetDefault("codec.compression_enabled", true)
	v.SetDefault("codec.compression_threshold", 1024)
	v.SetDefault("codec.algorithm", "gzip")

	v.SetDefault("distributor.queue_size", 256)
	v.SetDefault("distributor.send_timeout", "2s")
	v.SetDefault("distributor.idle_grace", "30s")
	v.SetDefault("distributor.max_fanout", 32)
	v.SetDefault("distributor.snapshot_ttl", "10m")
	v.SetDefault("distributor.snapshot_flush_interval", "1s")
	v.SetDefault("distributor.client_buffer", 256)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.error_interval", "5s")
	v.SetDefault("health.acceptable_statuses", []string{"running", "pending"})

	v.SetDefault("reaper.interval", "60s")
	v.SetDefault("reaper.error_interval", "10s")
	v.SetDefault("reaper.inactivity_timeout", "30m")
	v.SetDefault("reaper.heartbeat_window", "5m")
	v.SetDefault("reaper.grace_period", "2m")
	v.SetDefault("reaper.shutdown_timeout", "20s")
	v.SetDefault("reaper.retention", "168h")

	v.SetDefault("session.ttl", "8h")
	v.SetDefault("session.touch_interval", "15s")

	v.SetDefault("orchestrator.namespace", "simulators")
	v.SetDefault("orchestrator.timeout", "30s")

	v.SetDefault("simulator.conn_timeout", 5)
	v.SetDefault("simulator.keepalive_interval", 30)
	v.SetDefault("simulator.node_id", 1)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
