package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbconfig "relaychat/pkg/database"
)

// Config is the whole server configuration.
// ARCHITECTURAL DISCOVERY: one struct per component; each section maps onto
// the constructor options of the package it configures.
type Config struct {
	Database   *dbconfig.Config  `yaml:"database"`
	HTTP       *HTTPConfig       `yaml:"http"`
	WebSocket  *WebSocketConfig  `yaml:"websocket"`
	Auth       *AuthConfig       `yaml:"auth"`
	Storage    *StorageConfig    `yaml:"storage"`
	RateLimit  *RateLimitConfig  `yaml:"rate_limit"`
	Membership *MembershipConfig `yaml:"membership"`
	Signaling  *SignalingConfig  `yaml:"signaling"`
	Log        *LogConfig        `yaml:"log"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// CORSOrigins are echoed in Access-Control-Allow-Origin. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr is the listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	RequireEventToken bool          `yaml:"require_event_token"`
}

type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Leeway     time.Duration `yaml:"leeway"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

type StorageConfig struct {
	Backend        string      `yaml:"backend"`
	LocalDir       string      `yaml:"local_dir"`
	MaxUploadBytes int64       `yaml:"max_upload_bytes"`
	Minio          MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

const (
	RateLimitNone   = "none"
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type RateLimitConfig struct {
	Backend         string        `yaml:"backend"`
	Messages        int           `yaml:"messages"`
	Window          time.Duration `yaml:"window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisPrefix     string        `yaml:"redis_prefix"`
}

type MembershipConfig struct {
	// CacheTTL bounds how long a participant list is reused. Zero disables
	// the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type SignalingConfig struct {
	VerifyParticipants bool `yaml:"verify_participants"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns development-friendly defaults. Auth.Secret has no
// default and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Database: dbconfig.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      5 * time.Second,
			BufferSize:        100,
			MaxMessageSize:    128 << 10,
			RequireEventToken: true,
		},
		Auth: &AuthConfig{
			Issuer:   "relaychat",
			TokenTTL: 24 * time.Hour,
			Leeway:   30 * time.Second,
		},
		Storage: &StorageConfig{
			Backend:        StorageLocal,
			LocalDir:       "./uploads",
			MaxUploadBytes: 10 << 20,
			Minio: MinioConfig{
				Bucket: "relaychat-uploads",
				Region: "us-east-1",
			},
		},
		RateLimit: &RateLimitConfig{
			Backend:         RateLimitMemory,
			Messages:        30,
			Window:          time.Minute,
			CleanupInterval: 5 * time.Minute,
			RedisPrefix:     "relaychat:ratelimit",
		},
		Membership: &MembershipConfig{
			CacheTTL: 30 * time.Second,
		},
		Signaling: &SignalingConfig{
			VerifyParticipants: true,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.Storage == nil || c.RateLimit == nil || c.Membership == nil || c.Signaling == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth secret is required (set RELAYCHAT_AUTH_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage local_dir is required for the local backend")
		}
	case StorageMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage minio endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage max upload size must be positive")
	}

	switch c.RateLimit.Backend {
	case RateLimitNone:
	case RateLimitMemory, RateLimitRedis:
		if c.RateLimit.Messages <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit messages and window must be positive")
		}
		if c.RateLimit.Backend == RateLimitRedis && c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate limit redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	if c.Membership.CacheTTL < 0 {
		return fmt.Errorf("membership cache TTL cannot be negative")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text")
	}
	return nil
}

// LoadFromEnv applies RELAYCHAT_* variables over the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	setString("RELAYCHAT_DATABASE_PATH", &c.Database.DatabasePath)
	setString("RELAYCHAT_DATABASE_MIGRATIONS_PATH", &c.Database.MigrationsPath)
	setInt("RELAYCHAT_DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	setDuration("RELAYCHAT_DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)

	setString("RELAYCHAT_HTTP_HOST", &c.HTTP.Host)
	setInt("RELAYCHAT_HTTP_PORT", &c.HTTP.Port)
	setDuration("RELAYCHAT_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	setDuration("RELAYCHAT_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	setDuration("RELAYCHAT_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	setList("RELAYCHAT_HTTP_CORS_ORIGINS", &c.HTTP.CORSOrigins)

	setDuration("RELAYCHAT_WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	setDuration("RELAYCHAT_WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	setDuration("RELAYCHAT_WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	setInt("RELAYCHAT_WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	setList("RELAYCHAT_WEBSOCKET_ALLOWED_ORIGINS", &c.WebSocket.AllowedOrigins)
	setBool("RELAYCHAT_WEBSOCKET_REQUIRE_EVENT_TOKEN", &c.WebSocket.RequireEventToken)

	setString("RELAYCHAT_AUTH_SECRET", &c.Auth.Secret)
	setString("RELAYCHAT_AUTH_ISSUER", &c.Auth.Issuer)
	setDuration("RELAYCHAT_AUTH_TOKEN_TTL", &c.Auth.TokenTTL)
	setInt("RELAYCHAT_AUTH_BCRYPT_COST", &c.Auth.BcryptCost)

	setString("RELAYCHAT_STORAGE_BACKEND", &c.Storage.Backend)
	setString("RELAYCHAT_STORAGE_LOCAL_DIR", &c.Storage.LocalDir)
	setString("RELAYCHAT_STORAGE_MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	setString("RELAYCHAT_STORAGE_MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	setString("RELAYCHAT_STORAGE_MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	setString("RELAYCHAT_STORAGE_MINIO_BUCKET", &c.Storage.Minio.Bucket)
	setBool("RELAYCHAT_STORAGE_MINIO_USE_SSL", &c.Storage.Minio.UseSSL)

	setString("RELAYCHAT_RATE_LIMIT_BACKEND", &c.RateLimit.Backend)
	setInt("RELAYCHAT_RATE_LIMIT_MESSAGES", &c.RateLimit.Messages)
	setDuration("RELAYCHAT_RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	setString("RELAYCHAT_RATE_LIMIT_REDIS_ADDR", &c.RateLimit.RedisAddr)
	setString("RELAYCHAT_RATE_LIMIT_REDIS_PASSWORD", &c.RateLimit.RedisPassword)

	setDuration("RELAYCHAT_MEMBERSHIP_CACHE_TTL", &c.Membership.CacheTTL)
	setBool("RELAYCHAT_SIGNALING_VERIFY_PARTICIPANTS", &c.Signaling.VerifyParticipants)

	setString("RELAYCHAT_LOG_LEVEL", &c.Log.Level)
	setString("RELAYCHAT_LOG_FORMAT", &c.Log.Format)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
// Durations are written as Go duration strings ("30s", "5m").
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults, then environment, then the file
// at path (when non-empty), and validates the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := decodeFile(path, config); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
