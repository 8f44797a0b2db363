package config

import (
	"context"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// LoadFromFile reads a YAML file over Defaults, applies SAI_* environment
// overrides and validates the result. The raw document is returned as well so
// sections outside ServiceConfig stay reachable through the Parser.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "yaml: %v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "yaml: %v", err)
	}

	if err := env.Parse(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "environment: %v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, nil, err
	}

	return config, raw, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}
	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-cache",
		Version: "1.0.0",
		Server: &types.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: &types.LoggerConfig{
			Type:  "default",
			Level: "info",
		},
		Redis: &types.RedisConfig{
			Host:             "localhost",
			Port:             6379,
			PoolSize:         10,
			DialTimeout:      5 * time.Second,
			ReadTimeout:      3 * time.Second,
			WriteTimeout:     3 * time.Second,
			KeyPrefix:        "sai-cache",
			OperationTimeout: 500 * time.Millisecond,
		},
		Cache: &types.CacheConfig{
			Type:            "memory",
			DefaultTTL:      time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		RateLimit: &types.RateLimitConfig{
			Backend:       "memory",
			Requests:      100,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Metrics: &types.MetricsConfig{
			Type:          "memory",
			Namespace:     "sai_cache",
			Path:          "/metrics",
			Capacity:      1000,
			SlowThreshold: 500 * time.Millisecond,
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  15,
				Params: map[string]interface{}{
					"algorithm": "br",
					"threshold": 1024,
				},
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
				Params: map[string]interface{}{
					"log_level":   "info",
					"log_headers": false,
				},
			},
			BodyLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  25,
				Params: map[string]interface{}{
					"max_body_size": 1024 * 1024,
				},
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  30,
			},
			Cache: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  40,
				Params: map[string]interface{}{
					"vary_by_user": true,
				},
			},
		},
		Scheduler: &types.SchedulerConfig{
			Enabled:    true,
			Timezone:   "UTC",
			ReportSpec: "@every 1m",
			SweepSpec:  "@every 5m",
		},
	}
}
