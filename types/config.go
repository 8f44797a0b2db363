package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Redis       *RedisConfig       `yaml:"redis" json:"redis"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Scheduler   *SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"SAI_HTTP_HOST"`
	Port            int           `yaml:"port" json:"port" env:"SAI_HTTP_PORT" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" env:"SAI_LOG_LEVEL" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type RedisConfig struct {
	Host               string        `yaml:"host" json:"host" env:"SAI_REDIS_HOST"`
	Port               int           `yaml:"port" json:"port" env:"SAI_REDIS_PORT" validate:"min=0,max=65535"`
	Password           string        `yaml:"password" json:"password" env:"SAI_REDIS_PASSWORD"`
	DB                 int           `yaml:"db" json:"db" env:"SAI_REDIS_DB"`
	PoolSize           int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConnections int           `yaml:"min_idle_connections" json:"min_idle_connections"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix          string        `yaml:"key_prefix" json:"key_prefix" env:"SAI_REDIS_KEY_PREFIX"`
	// OperationTimeout bounds every single store or limiter round trip.
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
}

type CacheConfig struct {
	Type            string        `yaml:"type" json:"type" env:"SAI_CACHE_STORE" validate:"required"`
	DefaultTTL      time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	MaxEntries      int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type RateLimitConfig struct {
	Backend       string        `yaml:"backend" json:"backend" env:"SAI_RATE_LIMIT_BACKEND" validate:"required"`
	Requests      int           `yaml:"requests" json:"requests" validate:"min=1"`
	Window        time.Duration `yaml:"window" json:"window" validate:"min=1"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type MetricsConfig struct {
	Type          string            `yaml:"type" json:"type" env:"SAI_METRICS_TYPE" validate:"required"`
	Namespace     string            `yaml:"namespace" json:"namespace"`
	Labels        map[string]string `yaml:"labels" json:"labels"`
	Path          string            `yaml:"path" json:"path"`
	Capacity      int               `yaml:"capacity" json:"capacity" validate:"min=0"`
	SlowThreshold time.Duration     `yaml:"slow_threshold" json:"slow_threshold"`
	GoMetrics     bool              `yaml:"go_metrics" json:"go_metrics"`
}

type MiddlewaresConfig struct {
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	BodyLimit   *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	Cache       *MiddlewareItemConfig `yaml:"cache" json:"cache"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type SchedulerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Timezone   string `yaml:"timezone" json:"timezone"`
	ReportSpec string `yaml:"report_spec" json:"report_spec"`
	SweepSpec  string `yaml:"sweep_spec" json:"sweep_spec"`
}
