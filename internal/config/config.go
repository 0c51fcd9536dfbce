package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	SSO       SSOConfig
	Worker    WorkerConfig
	Renderer  RendererConfig
	Storage   StorageConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// SSOConfig points at the platform OIDC issuer for JWKS token verification.
// When unset, only HMAC tokens signed with JWT.Secret are accepted.
type SSOConfig struct {
	Issuer   string
	ClientID string
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int // simultaneous job runs per process, capped at MaxConcurrency
	TimeoutMin  int // wall-clock minutes per job run
	WorkDir     string
	MaxRetry    int
}

// MaxConcurrency caps per-process job slots. Rendering is resource heavy;
// scaling happens by adding worker processes, not by raising this.
const MaxConcurrency = 4

type RendererConfig struct {
	Binary string
	Args   []string
}

type StorageConfig struct {
	Endpoint        string // optional, for R2/MinIO style S3 endpoints
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
}

type GatewayConfig struct {
	HeaderAuth         bool // behind Traefik ForwardAuth, trust X-User-* headers
	ProgressIntervalMS int  // minimum gap between progress broadcasts per job
	PendingCap         int
	PendingTTLHours    int
}

type RateLimitConfig struct {
	SubmitPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("SSO_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("sso.issuer", "SSO_ISSUER")
	_ = viper.BindEnv("sso.client_id", "SSO_CLIENT_ID")
	_ = viper.BindEnv("worker.enabled", "WORKER_ENABLED")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.timeout_min", "WORKER_TIMEOUT_MIN")
	_ = viper.BindEnv("worker.work_dir", "WORKER_WORK_DIR")
	_ = viper.BindEnv("worker.max_retry", "WORKER_MAX_RETRY")
	_ = viper.BindEnv("renderer.binary", "RENDERER_BINARY")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("storage.region", "STORAGE_REGION")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("gateway.header_auth", "GATEWAY_HEADER_AUTH")
	_ = viper.BindEnv("gateway.progress_interval_ms", "GATEWAY_PROGRESS_INTERVAL_MS")
	_ = viper.BindEnv("gateway.pending_cap", "GATEWAY_PENDING_CAP")
	_ = viper.BindEnv("gateway.pending_ttl_hours", "GATEWAY_PENDING_TTL_HOURS")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.concurrency", 1)
	viper.SetDefault("worker.timeout_min", 30)
	viper.SetDefault("worker.work_dir", os.TempDir())
	viper.SetDefault("worker.max_retry", 3)
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("gateway.progress_interval_ms", 500)
	viper.SetDefault("gateway.pending_cap", 100)
	viper.SetDefault("gateway.pending_ttl_hours", 24)
	viper.SetDefault("ratelimit.submit_per_hour", 100)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		SSO: SSOConfig{
			Issuer:   viper.GetString("sso.issuer"),
			ClientID: viper.GetString("sso.client_id"),
		},
		Worker: WorkerConfig{
			Enabled:     viper.GetBool("worker.enabled"),
			Concurrency: viper.GetInt("worker.concurrency"),
			TimeoutMin:  viper.GetInt("worker.timeout_min"),
			WorkDir:     viper.GetString("worker.work_dir"),
			MaxRetry:    viper.GetInt("worker.max_retry"),
		},
		Renderer: RendererConfig{
			Binary: viper.GetString("renderer.binary"),
			Args:   viper.GetStringSlice("renderer.args"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			Bucket:          viper.GetString("storage.bucket"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		Gateway: GatewayConfig{
			HeaderAuth:         viper.GetBool("gateway.header_auth"),
			ProgressIntervalMS: viper.GetInt("gateway.progress_interval_ms"),
			PendingCap:         viper.GetInt("gateway.pending_cap"),
			PendingTTLHours:    viper.GetInt("gateway.pending_ttl_hours"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
	}

	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.Concurrency > MaxConcurrency {
		cfg.Worker.Concurrency = MaxConcurrency
	}

	return cfg, nil
}
