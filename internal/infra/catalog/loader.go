package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/declue/aipilot/internal/domain"
)

// Loader reads and validates the YAML configuration file.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.toolCacheTTLSeconds", domain.DefaultToolCacheTTLSeconds)
	v.SetDefault("runtime.maxIterations", domain.DefaultMaxIterations)
	v.SetDefault("runtime.contextWindow", domain.DefaultContextWindow)
	v.SetDefault("runtime.callTimeoutSeconds", domain.DefaultCallTimeoutSeconds)
	v.SetDefault("runtime.callRetryBackoffMs", domain.DefaultCallRetryBackoffMs)
	v.SetDefault("runtime.callConcurrency", domain.DefaultCallConcurrency)
	v.SetDefault("runtime.refreshConcurrency", domain.DefaultRefreshConcurrency)
	v.SetDefault("runtime.refreshTimeoutSeconds", domain.DefaultRefreshTimeoutSeconds)
	v.SetDefault("runtime.degradedBackoffBaseSeconds", domain.DefaultDegradedBackoffBaseSeconds)
	v.SetDefault("runtime.degradedBackoffMaxSeconds", domain.DefaultDegradedBackoffMaxSeconds)
	v.SetDefault("runtime.sessionIdleTimeoutSeconds", domain.DefaultSessionIdleTimeoutSeconds)
	v.SetDefault("model.provider", domain.DefaultModelProvider)
	v.SetDefault("model.model", domain.DefaultModelName)
	v.SetDefault("model.apiKeyEnvVar", domain.DefaultModelAPIKeyEnvVar)
	v.SetDefault("store.driver", domain.DefaultStoreDriver)
	v.SetDefault("store.path", domain.DefaultStorePath)
	v.SetDefault("store.keyPrefix", domain.DefaultRedisKeyPrefix)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.healthz", true)
	v.SetDefault("api.listenAddress", domain.DefaultAPIListenAddress)
}

type rawConfig struct {
	Runtime       rawRuntimeConfig `mapstructure:"runtime"`
	Model         rawModelConfig   `mapstructure:"model"`
	Store         rawStoreConfig   `mapstructure:"store"`
	Observability rawObservability `mapstructure:"observability"`
	API           rawAPIConfig     `mapstructure:"api"`
}

// rawServers decodes with yaml directly: viper folds map keys to lower
// case, which would corrupt env and header names.
type rawServers struct {
	Servers []rawServerSpec `yaml:"servers"`
}

type rawServerSpec struct {
	Name       string            `yaml:"name"`
	Transport  string            `yaml:"transport"`
	Cmd        []string          `yaml:"cmd"`
	Cwd        string            `yaml:"cwd"`
	Env        map[string]string `yaml:"env"`
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers"`
	MaxRetries *int              `yaml:"maxRetries"`
	Disabled   bool              `yaml:"disabled"`
}

type rawRuntimeConfig struct {
	ToolCacheTTLSeconds        int `mapstructure:"toolCacheTTLSeconds"`
	MaxIterations              int `mapstructure:"maxIterations"`
	ContextWindow              int `mapstructure:"contextWindow"`
	CallTimeoutSeconds         int `mapstructure:"callTimeoutSeconds"`
	CallRetryBackoffMs         int `mapstructure:"callRetryBackoffMs"`
	CallConcurrency            int `mapstructure:"callConcurrency"`
	RefreshConcurrency         int `mapstructure:"refreshConcurrency"`
	RefreshTimeoutSeconds      int `mapstructure:"refreshTimeoutSeconds"`
	DegradedBackoffBaseSeconds int `mapstructure:"degradedBackoffBaseSeconds"`
	DegradedBackoffMaxSeconds  int `mapstructure:"degradedBackoffMaxSeconds"`
	SessionIdleTimeoutSeconds  int `mapstructure:"sessionIdleTimeoutSeconds"`
}

type rawModelConfig struct {
	Provider     string   `mapstructure:"provider"`
	Model        string   `mapstructure:"model"`
	BaseURL      string   `mapstructure:"baseURL"`
	APIKey       string   `mapstructure:"apiKey"`
	APIKeyEnvVar string   `mapstructure:"apiKeyEnvVar"`
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    int      `mapstructure:"maxTokens"`
}

type rawStoreConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
	KeyPrefix     string `mapstructure:"keyPrefix"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

type rawAPIConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

// Load reads the file at path. Unset ${VAR} references are logged and
// expand to empty strings.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	cfg, missing, err := l.LoadReport(ctx, path)
	if err != nil {
		return domain.Config{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config", zap.String("path", path), zap.Strings("missing", missing))
	}
	return cfg, nil
}

// LoadReport is Load that returns the unset variables instead of logging
// them.
func (l *Loader) LoadReport(ctx context.Context, path string) (domain.Config, []string, error) {
	if path == "" {
		return domain.Config{}, nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, nil, fmt.Errorf("read config: %w", err)
	}
	return l.Parse(ctx, data)
}

// Parse decodes, normalizes and validates raw YAML. Every validation
// problem is reported in one error.
func (l *Loader) Parse(ctx context.Context, data []byte) (domain.Config, []string, error) {
	expander := newEnvExpander()
	expanded, err := expander.expand(data)
	if err != nil {
		return domain.Config{}, nil, err
	}
	missing := expander.missingVars()

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return domain.Config{}, missing, fmt.Errorf("parse config: %w", err)
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.Config{}, missing, fmt.Errorf("decode config: %w", err)
	}
	var servers rawServers
	if err := yaml.Unmarshal(expanded, &servers); err != nil {
		return domain.Config{}, missing, fmt.Errorf("decode servers: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Config{}, missing, err
	}

	var errs []string
	specs, serverErrs := l.normalizeServers(servers.Servers)
	errs = append(errs, serverErrs...)
	runtime, runtimeErrs := normalizeRuntime(raw.Runtime)
	errs = append(errs, runtimeErrs...)
	model, modelErrs := normalizeModel(raw.Model)
	errs = append(errs, modelErrs...)
	store, storeErrs := normalizeStore(raw.Store)
	errs = append(errs, storeErrs...)

	if len(errs) > 0 {
		return domain.Config{}, missing, domain.E(domain.CodeInvalidArgument, "catalog.Parse", strings.Join(errs, "; "), nil)
	}

	return domain.Config{
		Servers: specs,
		Runtime: runtime,
		Model:   model,
		Store:   store,
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress),
			Metrics:       raw.Observability.Metrics,
			Healthz:       raw.Observability.Healthz,
		},
		API: domain.APIConfig{ListenAddress: strings.TrimSpace(raw.API.ListenAddress)},
	}, missing, nil
}

func (l *Loader) normalizeServers(raw []rawServerSpec) ([]domain.ServerSpec, []string) {
	var errs []string
	seen := make(map[string]struct{}, len(raw))
	servers := make([]domain.ServerSpec, 0, len(raw))
	for i, rs := range raw {
		spec, inferred := normalizeServerSpec(rs)
		if inferred {
			l.logger.Warn("server transport inferred from endpoint; consider setting transport explicitly",
				zap.String("server", spec.Name),
				zap.Int("index", i),
			)
		}
		if _, dup := seen[spec.Name]; dup {
			errs = append(errs, fmt.Sprintf("servers[%d]: duplicate name %q", i, spec.Name))
		} else if spec.Name != "" {
			seen[spec.Name] = struct{}{}
		}
		if specErrs := validateServerSpec(spec, i); len(specErrs) > 0 {
			errs = append(errs, specErrs...)
			continue
		}
		servers = append(servers, spec)
	}
	return servers, errs
}

func normalizeServerSpec(raw rawServerSpec) (domain.ServerSpec, bool) {
	transport := domain.TransportKind(strings.ToLower(strings.TrimSpace(raw.Transport)))
	inferred := false
	if transport == "" {
		transport = domain.TransportStdio
		if strings.TrimSpace(raw.Endpoint) != "" && len(raw.Cmd) == 0 {
			transport = domain.TransportStreamableHTTP
			inferred = true
		}
	}
	spec := domain.ServerSpec{
		Name:      strings.TrimSpace(raw.Name),
		Transport: transport,
		Cmd:       raw.Cmd,
		Cwd:       strings.TrimSpace(raw.Cwd),
		Env:       raw.Env,
		Endpoint:  strings.TrimSpace(raw.Endpoint),
		Headers:   normalizeHeaders(raw.Headers),
		Disabled:  raw.Disabled,
	}
	if transport == domain.TransportStreamableHTTP {
		spec.MaxRetries = domain.DefaultStreamableHTTPMaxRetries
		if raw.MaxRetries != nil {
			spec.MaxRetries = *raw.MaxRetries
		}
	}
	return spec, inferred
}

func normalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(headers))
	for _, key := range keys {
		name := strings.TrimSpace(key)
		if name != "" {
			name = http.CanonicalHeaderKey(name)
		}
		out[name] = strings.TrimSpace(headers[key])
	}
	return out
}

func validateServerSpec(spec domain.ServerSpec, index int) []string {
	var errs []string
	if spec.Name == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: name is required", index))
	} else if strings.ContainsAny(spec.Name, " \t/") {
		errs = append(errs, fmt.Sprintf("servers[%d]: name must not contain spaces or slashes", index))
	}

	switch spec.Transport {
	case domain.TransportStdio:
		if len(spec.Cmd) == 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: cmd is required", index))
		}
		if spec.Endpoint != "" || len(spec.Headers) > 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: endpoint and headers are only valid for streamable_http transport", index))
		}
	case domain.TransportStreamableHTTP:
		if len(spec.Cmd) > 0 || spec.Cwd != "" || len(spec.Env) > 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: cmd, cwd and env must be empty for streamable_http transport", index))
		}
		errs = append(errs, validateEndpoint(spec, index)...)
	default:
		errs = append(errs, fmt.Sprintf("servers[%d]: transport must be stdio or streamable_http", index))
	}
	return errs
}

func validateEndpoint(spec domain.ServerSpec, index int) []string {
	var errs []string
	if spec.Endpoint == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: endpoint is required for streamable_http transport", index))
	} else if !isHTTPURL(spec.Endpoint) {
		errs = append(errs, fmt.Sprintf("servers[%d]: endpoint must be a valid http(s) URL", index))
	}
	if spec.MaxRetries < -1 {
		errs = append(errs, fmt.Sprintf("servers[%d]: maxRetries must be >= -1 (-1 disables retries)", index))
	}

	names := make([]string, 0, len(spec.Headers))
	for name := range spec.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("servers[%d]: headers contains empty header name", index))
		case isReservedHeader(name):
			errs = append(errs, fmt.Sprintf("servers[%d]: headers.%s is reserved and managed by transport", index, name))
		case spec.Headers[name] == "":
			errs = append(errs, fmt.Sprintf("servers[%d]: headers.%s must not be empty", index, name))
		}
	}
	return errs
}

func isHTTPURL(raw string) bool {
	if strings.Contains(raw, " ") {
		return false
	}
	parsed, err := url.ParseRequestURI(raw)
	return err == nil && parsed.Host != "" && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func isReservedHeader(header string) bool {
	switch strings.ToLower(header) {
	case "content-type", "accept", "mcp-protocol-version", "mcp-session-id", "last-event-id",
		"host", "content-length", "transfer-encoding", "connection":
		return true
	default:
		return false
	}
}

func normalizeRuntime(raw rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string
	positive := func(name string, value int) {
		if value <= 0 {
			errs = append(errs, fmt.Sprintf("runtime.%s must be > 0", name))
		}
	}
	positive("toolCacheTTLSeconds", raw.ToolCacheTTLSeconds)
	positive("maxIterations", raw.MaxIterations)
	positive("contextWindow", raw.ContextWindow)
	positive("callTimeoutSeconds", raw.CallTimeoutSeconds)
	positive("callConcurrency", raw.CallConcurrency)
	positive("refreshConcurrency", raw.RefreshConcurrency)
	positive("refreshTimeoutSeconds", raw.RefreshTimeoutSeconds)
	positive("degradedBackoffBaseSeconds", raw.DegradedBackoffBaseSeconds)
	positive("degradedBackoffMaxSeconds", raw.DegradedBackoffMaxSeconds)
	positive("sessionIdleTimeoutSeconds", raw.SessionIdleTimeoutSeconds)
	if raw.CallRetryBackoffMs < 0 {
		errs = append(errs, "runtime.callRetryBackoffMs must be >= 0")
	}
	if raw.DegradedBackoffBaseSeconds > 0 && raw.DegradedBackoffMaxSeconds > 0 &&
		raw.DegradedBackoffMaxSeconds < raw.DegradedBackoffBaseSeconds {
		errs = append(errs, "runtime.degradedBackoffMaxSeconds must be >= degradedBackoffBaseSeconds")
	}

	return domain.RuntimeConfig{
		ToolCacheTTL:        seconds(raw.ToolCacheTTLSeconds),
		MaxIterations:       raw.MaxIterations,
		ContextWindow:       raw.ContextWindow,
		CallTimeout:         seconds(raw.CallTimeoutSeconds),
		CallRetryBackoff:    time.Duration(raw.CallRetryBackoffMs) * time.Millisecond,
		CallConcurrency:     raw.CallConcurrency,
		RefreshConcurrency:  raw.RefreshConcurrency,
		RefreshTimeout:      seconds(raw.RefreshTimeoutSeconds),
		DegradedBackoffBase: seconds(raw.DegradedBackoffBaseSeconds),
		DegradedBackoffMax:  seconds(raw.DegradedBackoffMaxSeconds),
		SessionIdleTimeout:  seconds(raw.SessionIdleTimeoutSeconds),
	}, errs
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func normalizeModel(raw rawModelConfig) (domain.ModelConfig, []string) {
	var errs []string
	provider := strings.ToLower(strings.TrimSpace(raw.Provider))
	if provider != domain.DefaultModelProvider {
		errs = append(errs, fmt.Sprintf("model.provider %q is not supported", raw.Provider))
	}
	model := strings.TrimSpace(raw.Model)
	if model == "" {
		errs = append(errs, "model.model is required")
	}
	baseURL := strings.TrimSpace(raw.BaseURL)
	if baseURL != "" && !isHTTPURL(baseURL) {
		errs = append(errs, "model.baseURL must be a valid http(s) URL")
	}
	if raw.MaxTokens < 0 {
		errs = append(errs, "model.maxTokens must be >= 0")
	}

	cfg := domain.ModelConfig{
		Provider:     provider,
		Model:        model,
		BaseURL:      baseURL,
		APIKey:       strings.TrimSpace(raw.APIKey),
		APIKeyEnvVar: strings.TrimSpace(raw.APIKeyEnvVar),
		MaxTokens:    raw.MaxTokens,
	}
	if raw.Temperature != nil {
		if *raw.Temperature < 0 || *raw.Temperature > 2 {
			errs = append(errs, "model.temperature must be between 0 and 2")
		}
		temperature := float32(*raw.Temperature)
		cfg.Temperature = &temperature
	}
	return cfg, errs
}

func normalizeStore(raw rawStoreConfig) (domain.StoreConfig, []string) {
	var errs []string
	cfg := domain.StoreConfig{
		Driver:        strings.ToLower(strings.TrimSpace(raw.Driver)),
		Path:          strings.TrimSpace(raw.Path),
		RedisAddr:     strings.TrimSpace(raw.RedisAddr),
		RedisPassword: raw.RedisPassword,
		RedisDB:       raw.RedisDB,
		KeyPrefix:     raw.KeyPrefix,
	}
	switch cfg.Driver {
	case domain.StoreDriverBolt:
		if cfg.Path == "" {
			errs = append(errs, "store.path is required for the bolt driver")
		}
	case domain.StoreDriverRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, "store.redisAddr is required for the redis driver")
		}
		if cfg.RedisDB < 0 {
			errs = append(errs, "store.redisDB must be >= 0")
		}
	case domain.StoreDriverMemory:
	default:
		errs = append(errs, "store.driver must be bolt, redis or memory")
	}
	return cfg, errs
}
