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
	Name          string               `yaml:"name" json:"name" validate:"required"`
	Version       string               `yaml:"version" json:"version" validate:"required"`
	Server        *ServerConfig        `yaml:"server" json:"server" validate:"required"`
	Logger        *LoggerConfig        `yaml:"logger" json:"logger" validate:"required"`
	Storage       *StorageConfig       `yaml:"storage" json:"storage" validate:"required"`
	Partitions    *PartitionsConfig    `yaml:"partitions" json:"partitions" validate:"required"`
	Interception  *InterceptionConfig  `yaml:"interception" json:"interception" validate:"required"`
	Client        *ClientConfig        `yaml:"client" json:"client" validate:"required"`
	Metrics       *MetricsConfig       `yaml:"metrics" json:"metrics"`
	Health        *HealthConfig        `yaml:"health" json:"health"`
	Sync          *SyncConfig          `yaml:"sync" json:"sync"`
	Notifications *NotificationsConfig `yaml:"notifications" json:"notifications"`
	Middlewares   *MiddlewaresConfig   `yaml:"middlewares" json:"middlewares"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AdminPrefix     string `yaml:"admin_prefix" json:"admin_prefix" validate:"required,startswith=/"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type StorageConfig struct {
	Type          string      `yaml:"type" json:"type" validate:"required"`
	CompressAbove int         `yaml:"compress_above" json:"compress_above" validate:"min=0"`
	Config        interface{} `yaml:"config" json:"config"`
}

type PartitionsConfig struct {
	Prefix  string          `yaml:"prefix" json:"prefix" validate:"required"`
	Core    PartitionConfig `yaml:"core" json:"core"`
	Runtime PartitionConfig `yaml:"runtime" json:"runtime"`
	Images  PartitionConfig `yaml:"images" json:"images"`
	API     PartitionConfig `yaml:"api" json:"api"`
}

type PartitionConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries" validate:"min=1"`
	TTL        time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
}

type InterceptionConfig struct {
	Origin              string   `yaml:"origin" json:"origin" validate:"required,url"`
	APIPrefix           string   `yaml:"api_prefix" json:"api_prefix" validate:"required,startswith=/"`
	TrustedImageOrigins []string `yaml:"trusted_image_origins" json:"trusted_image_origins" validate:"dive,url"`
	ImageExtensions     []string `yaml:"image_extensions" json:"image_extensions"`
	CoreAssets          []string `yaml:"core_assets" json:"core_assets" validate:"dive,startswith=/"`
	NavigationFallback  string   `yaml:"navigation_fallback" json:"navigation_fallback" validate:"required,startswith=/"`
	MaxEntryBytes       int      `yaml:"max_entry_bytes" json:"max_entry_bytes" validate:"min=0"`
}

type ClientConfig struct {
	Type                string                `yaml:"type" json:"type"`
	Timeout             time.Duration         `yaml:"timeout" json:"timeout"`
	Retries             int                   `yaml:"retries" json:"retries" validate:"min=0"`
	MaxConnsPerHost     int                   `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	MaxIdleConnDuration time.Duration         `yaml:"max_idle_conn_duration" json:"max_idle_conn_duration"`
	UserAgent           string                `yaml:"user_agent" json:"user_agent"`
	CircuitBreaker      *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type MetricsConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	Type            string            `yaml:"type" json:"type"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	GoMetrics       bool              `yaml:"go_metrics" json:"go_metrics"`
	CollectInterval time.Duration     `yaml:"collect_interval" json:"collect_interval"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type SyncConfig struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	Timezone   string          `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
	JobTimeout time.Duration   `yaml:"job_timeout" json:"job_timeout"`
	Jobs       []SyncJobConfig `yaml:"jobs" json:"jobs" validate:"dive"`
}

type SyncJobConfig struct {
	Tag      string `yaml:"tag" json:"tag" validate:"required"`
	Schedule string `yaml:"schedule" json:"schedule" validate:"required"`
}

// NotificationsConfig drives the push and notification-click collaborators.
// Without a WebhookURL notifications are only logged.
type NotificationsConfig struct {
	WebhookURL   string        `yaml:"webhook_url" json:"webhook_url" validate:"omitempty,url"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	DefaultTitle string        `yaml:"default_title" json:"default_title"`
	DefaultURL   string        `yaml:"default_url" json:"default_url"`
}

type MiddlewaresConfig struct {
	Recovery    MiddlewareConfig `yaml:"recovery" json:"recovery"`
	Logging     MiddlewareConfig `yaml:"logging" json:"logging"`
	Metadata    MiddlewareConfig `yaml:"metadata" json:"metadata"`
	BodyLimit   MiddlewareConfig `yaml:"body_limit" json:"body_limit"`
	Compression MiddlewareConfig `yaml:"compression" json:"compression"`
}

type MiddlewareConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Weight  int         `yaml:"weight" json:"weight"`
	Params  interface{} `yaml:"params" json:"params"`
}
