package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	UpstreamBaseURL string `yaml:"upstreamBaseURL"`
	WebhookSecret   string `yaml:"webhookSecret"`

	JWTSecret               string `yaml:"jwtSecret"`
	SessionTTL              string `yaml:"sessionTTL"`
	RefreshTokenTTL         string `yaml:"refreshTokenTTL"`
	LoginRateLimitPerMinute int    `yaml:"loginRateLimitPerMinute"`

	// TrustedProxies lists reverse-proxy addresses (IPs or CIDRs) allowed to
	// assert X-Forwarded-For. Empty means forwarded headers are ignored.
	TrustedProxies []string `yaml:"trustedProxies"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// AIProvider selects the chat backend: "openai" (any OpenAI-compatible
	// endpoint) or "ollama". Empty disables AI replies.
	AIProvider string `yaml:"aiProvider"`
	AIBaseURL  string `yaml:"aiBaseURL"`
	AIAPIKey   string `yaml:"aiApiKey"`
	AIModel    string `yaml:"aiModel"`

	CNPJAPIBaseURL string `yaml:"cnpjApiBaseURL"`
	CNPJAPIKey     string `yaml:"cnpjApiKey"`

	MaxUploadBytes       int64  `yaml:"maxUploadBytes"`
	PollIntervalSeconds  int    `yaml:"pollIntervalSeconds"`
	RetryIntervalSeconds int    `yaml:"retryIntervalSeconds"`
	MaxWait              string `yaml:"maxWait"`
}

// Load reads config from path (defaults to config.yaml).
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
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("NFSE_UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_SESSION_TTL"); v != "" {
		cfg.SessionTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_REFRESH_TOKEN_TTL"); v != "" {
		cfg.RefreshTokenTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("NFSE_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = nil
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, entry)
			}
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("NFSE_AI_PROVIDER"); v != "" {
		cfg.AIProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("NFSE_AI_BASE_URL"); v != "" {
		cfg.AIBaseURL = v
	}
	if v := os.Getenv("NFSE_AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("NFSE_AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("CNPJ_API_BASE_URL"); v != "" {
		cfg.CNPJAPIBaseURL = v
	}
	if v := os.Getenv("CNPJ_API_KEY"); v != "" {
		cfg.CNPJAPIKey = v
	}
	if v := os.Getenv("NFSE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("NFSE_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("NFSE_RETRY_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryIntervalSeconds = n
		}
	}
	if v := os.Getenv("NFSE_MAX_WAIT"); v != "" {
		cfg.MaxWait = strings.TrimSpace(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.UpstreamBaseURL == "" {
		return errors.New("config: upstreamBaseURL is required (set in config.yaml or NFSE_UPSTREAM_BASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or NFSE_JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return errors.New("config: webhookSecret is required (set in config.yaml or NFSE_WEBHOOK_SECRET)")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.PollIntervalSeconds < 0 || cfg.RetryIntervalSeconds < 0 {
		return errors.New("config: poll intervals must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AIProvider)) {
	case "", "openai", "ollama":
	default:
		return errors.New("config: aiProvider must be openai or ollama")
	}
	if _, err := ParseOptionalDuration(cfg.SessionTTL); err != nil {
		return fmt.Errorf("config: invalid sessionTTL: %w", err)
	}
	if _, err := ParseOptionalDuration(cfg.RefreshTokenTTL); err != nil {
		return fmt.Errorf("config: invalid refreshTokenTTL: %w", err)
	}
	if _, err := ParseOptionalDuration(cfg.MaxWait); err != nil {
		return fmt.Errorf("config: invalid maxWait: %w", err)
	}
	return nil
}

// ParseOptionalDuration parses a duration string; empty means zero.
func ParseOptionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
