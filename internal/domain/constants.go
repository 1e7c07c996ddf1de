package domain

const (
	DefaultToolCacheTTLSeconds        = 300
	DefaultMaxIterations              = 10
	DefaultContextWindow              = 20
	DefaultCallTimeoutSeconds         = 30
	DefaultCallRetryBackoffMs         = 200
	DefaultCallConcurrency            = 8
	DefaultRefreshConcurrency         = 4
	DefaultRefreshTimeoutSeconds      = 10
	DefaultDegradedBackoffBaseSeconds = 5
	DefaultDegradedBackoffMaxSeconds  = 300
	DefaultSessionIdleTimeoutSeconds  = 1800
	DefaultStreamableHTTPMaxRetries   = 5
	DefaultModelProvider              = "openai"
	DefaultModelName                  = "gpt-4o-mini"
	DefaultModelAPIKeyEnvVar          = "OPENAI_API_KEY"
	DefaultStoreDriver                = StoreDriverBolt
	DefaultStorePath                  = "aipilot.db"
	DefaultRedisKeyPrefix             = "aipilot:session:"
	DefaultObservabilityListenAddress = "127.0.0.1:9090"
	DefaultAPIListenAddress           = "127.0.0.1:8080"
)
