package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-offline/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes decodes YAML over Defaults and validates the result.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

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

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-offline",
		Version: "v1",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 5,
				AdminPrefix:     "/__offline",
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Storage: &types.StorageConfig{
			Type:          "memory",
			CompressAbove: 4 << 10,
		},
		Partitions: &types.PartitionsConfig{
			Prefix: "sai-offline",
			Core: types.PartitionConfig{
				MaxEntries: 50,
				TTL:        30 * 24 * time.Hour,
			},
			Runtime: types.PartitionConfig{
				MaxEntries: 200,
				TTL:        24 * time.Hour,
			},
			Images: types.PartitionConfig{
				MaxEntries: 100,
				TTL:        7 * 24 * time.Hour,
			},
			API: types.PartitionConfig{
				MaxEntries: 50,
				TTL:        5 * time.Minute,
			},
		},
		Interception: &types.InterceptionConfig{
			Origin:              "http://localhost:3000",
			APIPrefix:           "/api/",
			TrustedImageOrigins: []string{},
			ImageExtensions:     []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"},
			CoreAssets:          []string{"/", "/index.html", "/manifest.json"},
			NavigationFallback:  "/",
			MaxEntryBytes:       10 << 20,
		},
		Client: &types.ClientConfig{
			Timeout:             30 * time.Second,
			Retries:             0,
			MaxConnsPerHost:     512,
			MaxIdleConnDuration: 90 * time.Second,
			UserAgent:           "sai-offline",
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled:         true,
			Type:            "prometheus",
			Namespace:       "sai_offline",
			GoMetrics:       true,
			CollectInterval: 30 * time.Second,
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Sync: &types.SyncConfig{
			Enabled:    false,
			Timezone:   "UTC",
			JobTimeout: 5 * time.Minute,
		},
		Notifications: &types.NotificationsConfig{
			DefaultTitle: "sai-offline",
			DefaultURL:   "/",
			Timeout:      5 * time.Second,
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery:    types.MiddlewareConfig{Enabled: true, Weight: 10},
			Logging:     types.MiddlewareConfig{Enabled: true, Weight: 20},
			Metadata:    types.MiddlewareConfig{Enabled: true, Weight: 30},
			BodyLimit:   types.MiddlewareConfig{Enabled: true, Weight: 40},
			Compression: types.MiddlewareConfig{Enabled: false, Weight: 50},
		},
	}
}
