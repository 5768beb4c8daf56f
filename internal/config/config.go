package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Valid store backends.
const (
	StoreBackendDynamo   = "dynamo"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Valid partial-generation policies: "completed" records a mixed
// success as a completed document with missing fields, "partial" keeps
// the distinct partial status visible to clients.
const (
	PartialPolicyCompleted = "completed"
	PartialPolicyPartial   = "partial"
)

// FileConfig represents configuration loaded from YAML, with
// environment overrides applied on top.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	AssistantBaseURL string `yaml:"assistantBaseURL"`
	AssistantAPIKey  string `yaml:"assistantAPIKey"`
	ChatAssistantID  string `yaml:"chatAssistantId"`

	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`

	AWSRegion         string `yaml:"awsRegion"`
	DynamoEndpoint    string `yaml:"dynamoEndpoint"`
	DynamoAccessKey   string `yaml:"dynamoAccessKey"`
	DynamoSecretKey   string `yaml:"dynamoSecretKey"`
	DynamoTablePrefix string `yaml:"dynamoTablePrefix"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueStream            string `yaml:"queueStream"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	WordPressSessionURL string `yaml:"wordpressSessionURL"`
	AdminJWKSURL        string `yaml:"adminJwksURL"`
	AdminIssuer         string `yaml:"adminIssuer"`
	AdminAudience       string `yaml:"adminAudience"`

	PollIntervalMs   int    `yaml:"pollIntervalMs"`
	PollMaxAttempts  int    `yaml:"pollMaxAttempts"`
	PartialPolicy    string `yaml:"partialPolicy"`
	PromptCacheTTLS  int    `yaml:"promptCacheTTLSeconds"`
	MaxUploadMB      int    `yaml:"maxUploadMB"`
	RateLimitPerMin  int    `yaml:"rateLimitPerMinute"`
	TrustedProxyCIDR string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	applyString(&cfg.Port, "PARISHAI_PORT")
	applyString(&cfg.LogLevel, "PARISHAI_LOG_LEVEL")
	applyString(&cfg.AssistantBaseURL, "PARISHAI_ASSISTANT_BASE_URL")
	applyString(&cfg.AssistantAPIKey, "OPENAI_API_KEY")
	applyString(&cfg.ChatAssistantID, "PARISHAI_CHAT_ASSISTANT_ID")
	applyString(&cfg.StoreBackend, "PARISHAI_STORE_BACKEND")
	applyString(&cfg.DatabaseURL, "DATABASE_URL")
	applyString(&cfg.AWSRegion, "AWS_REGION")
	applyString(&cfg.DynamoEndpoint, "PARISHAI_DYNAMO_ENDPOINT")
	applyString(&cfg.DynamoAccessKey, "AWS_ACCESS_KEY_ID")
	applyString(&cfg.DynamoSecretKey, "AWS_SECRET_ACCESS_KEY")
	applyString(&cfg.DynamoTablePrefix, "PARISHAI_DYNAMO_TABLE_PREFIX")
	applyString(&cfg.RedisAddr, "REDIS_ADDR")
	applyString(&cfg.RedisPassword, "REDIS_PASSWORD")
	applyString(&cfg.QueueStream, "PARISHAI_QUEUE_STREAM")
	applyString(&cfg.QueueGroup, "PARISHAI_QUEUE_GROUP")
	applyInt(&cfg.QueueConcurrency, "PARISHAI_QUEUE_CONCURRENCY")
	applyInt(&cfg.QueueMaxRetries, "PARISHAI_QUEUE_MAX_RETRIES")
	applyInt(&cfg.QueueRetryDelaySeconds, "PARISHAI_QUEUE_RETRY_DELAY_SECONDS")
	applyString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	applyString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	applyString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	applyString(&cfg.MinioBucket, "MINIO_BUCKET")
	applyString(&cfg.WordPressSessionURL, "PARISHAI_WORDPRESS_SESSION_URL")
	applyString(&cfg.AdminJWKSURL, "PARISHAI_ADMIN_JWKS_URL")
	applyString(&cfg.AdminIssuer, "PARISHAI_ADMIN_ISSUER")
	applyString(&cfg.AdminAudience, "PARISHAI_ADMIN_AUDIENCE")
	applyInt(&cfg.PollIntervalMs, "PARISHAI_POLL_INTERVAL_MS")
	applyInt(&cfg.PollMaxAttempts, "PARISHAI_POLL_MAX_ATTEMPTS")
	applyString(&cfg.PartialPolicy, "PARISHAI_PARTIAL_POLICY")
	applyInt(&cfg.PromptCacheTTLS, "PARISHAI_PROMPT_CACHE_TTL_SECONDS")
	applyInt(&cfg.MaxUploadMB, "PARISHAI_MAX_UPLOAD_MB")
	applyInt(&cfg.RateLimitPerMin, "PARISHAI_RATE_LIMIT_PER_MINUTE")

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendDynamo
	}
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = PartialPolicyCompleted
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "parishai:generation"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.PromptCacheTTLS <= 0 {
		cfg.PromptCacheTTLS = 300
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AssistantAPIKey) == "" {
		return errors.New("config: assistantAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	switch cfg.StoreBackend {
	case StoreBackendDynamo:
		if cfg.AWSRegion == "" {
			return errors.New("config: awsRegion is required for the dynamo backend")
		}
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres backend")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.PartialPolicy != PartialPolicyCompleted && cfg.PartialPolicy != PartialPolicyPartial {
		return fmt.Errorf("config: partialPolicy must be %q or %q", PartialPolicyCompleted, PartialPolicyPartial)
	}
	if cfg.PollIntervalMs < 0 {
		return errors.New("config: pollIntervalMs must be >= 0")
	}
	if cfg.PollMaxAttempts < 0 {
		return errors.New("config: pollMaxAttempts must be >= 0")
	}
	if cfg.WordPressSessionURL == "" {
		return errors.New("config: wordpressSessionURL is required (set in config.yaml)")
	}
	return nil
}

func applyString(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}

func applyInt(target *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
