package domain

import "time"

type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable_http"
)

const (
	StoreDriverBolt   = "bolt"
	StoreDriverRedis  = "redis"
	StoreDriverMemory = "memory"
)

// ServerSpec describes how to reach one tool server.
type ServerSpec struct {
	Name       string            `json:"name"`
	Transport  TransportKind     `json:"transport"`
	Cmd        []string          `json:"cmd,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

// RuntimeConfig holds orchestration policy.
type RuntimeConfig struct {
	ToolCacheTTL        time.Duration
	MaxIterations       int
	ContextWindow       int
	CallTimeout         time.Duration
	CallRetryBackoff    time.Duration
	CallConcurrency     int
	RefreshConcurrency  int
	RefreshTimeout      time.Duration
	DegradedBackoffBase time.Duration
	DegradedBackoffMax  time.Duration
	SessionIdleTimeout  time.Duration
}

// DefaultRuntimeConfig returns the runtime defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ToolCacheTTL:        time.Duration(DefaultToolCacheTTLSeconds) * time.Second,
		MaxIterations:       DefaultMaxIterations,
		ContextWindow:       DefaultContextWindow,
		CallTimeout:         time.Duration(DefaultCallTimeoutSeconds) * time.Second,
		CallRetryBackoff:    time.Duration(DefaultCallRetryBackoffMs) * time.Millisecond,
		CallConcurrency:     DefaultCallConcurrency,
		RefreshConcurrency:  DefaultRefreshConcurrency,
		RefreshTimeout:      time.Duration(DefaultRefreshTimeoutSeconds) * time.Second,
		DegradedBackoffBase: time.Duration(DefaultDegradedBackoffBaseSeconds) * time.Second,
		DegradedBackoffMax:  time.Duration(DefaultDegradedBackoffMaxSeconds) * time.Second,
		SessionIdleTimeout:  time.Duration(DefaultSessionIdleTimeoutSeconds) * time.Second,
	}
}

type ModelConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	APIKeyEnvVar string
	Temperature  *float32
	MaxTokens    int
}

type StoreConfig struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

type ObservabilityConfig struct {
	ListenAddress string
	Metrics       bool
	Healthz       bool
}

type APIConfig struct {
	ListenAddress string
}

// Config is the fully loaded and validated configuration.
type Config struct {
	Servers       []ServerSpec
	Runtime       RuntimeConfig
	Model         ModelConfig
	Store         StoreConfig
	Observability ObservabilityConfig
	API           APIConfig
}

// ServerByName finds an enabled server spec.
func (c Config) ServerByName(name string) (ServerSpec, bool) {
	for _, spec := range c.Servers {
		if spec.Name == name && !spec.Disabled {
			return spec, true
		}
	}
	return ServerSpec{}, false
}
