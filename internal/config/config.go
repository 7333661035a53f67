package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Sync    SyncConfig
	Bus     BusConfig
	Redis   RedisConfig
	JWT     JWTConfig
	Actions ActionsConfig
	Archive ArchiveConfig
}

type ServerConfig struct {
	Port     string `validate:"required,numeric"`
	Env      string `validate:"required"`
	LogLevel string `validate:"oneof=debug info warn error"`
}

type BackendConfig struct {
	BaseURL   string        `validate:"required,url"`
	APIPrefix string        // prepended to every REST path, e.g. /api
	WSURL     string        `validate:"omitempty,url"`
	Timeout   time.Duration `validate:"gt=0"`
	Token     string
}

type SyncConfig struct {
	PollInterval   time.Duration `validate:"gt=0"`
	LogTail        int           `validate:"gt=0"`
	LogCapacity    int           `validate:"gt=0"`
	PingInterval   time.Duration `validate:"gt=0"`
	ReconnectDelay time.Duration `validate:"gte=0"` // 0 disables push reconnection
}

type BusConfig struct {
	Driver string `validate:"oneof=memory redis"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string // prefix; the relay publishes on "<channel>:<jobId>"
}

type JWTConfig struct {
	Secret   string `validate:"required_without=JWKSURL"` // HMAC tokens; also the fallback when JWKS is set
	JWKSURL  string `validate:"omitempty,url"`
	Issuer   string
	Audience string
}

type ActionsConfig struct {
	Async      bool
	MaxRetry   int `validate:"gte=0"`
	RatePerMin int `validate:"gte=0"` // per user; 0 disables the limit
}

// ArchiveConfig points at an S3-compatible bucket. An empty bucket disables
// archiving.
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string `validate:"omitempty,url"` // R2, MinIO; empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	URLExpiry       time.Duration `validate:"gt=0"`
}

// Enabled reports whether settled jobs are archived.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// APIURL is the REST root every backend path hangs off.
func (b BackendConfig) APIURL() string {
	return strings.TrimRight(b.BaseURL, "/") + b.APIPrefix
}

// PushURL returns the WebSocket base for /ws/jobs/{id}. When ws_url is not
// set it is derived from base_url by swapping the scheme.
func (b BackendConfig) PushURL() string {
	if b.WSURL != "" {
		return strings.TrimRight(b.WSURL, "/")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = ""
	return strings.TrimRight(u.String(), "/")
}

const defaultJWTSecret = "change-me-in-production"

// IsProduction reports whether the server runs with production settings.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production" || s.Env == "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.api_prefix", "/api")
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.token", "")
	v.SetDefault("sync.poll_interval", 3*time.Second)
	v.SetDefault("sync.log_tail", 200)
	v.SetDefault("sync.log_capacity", 500)
	v.SetDefault("sync.ping_interval", 30*time.Second)
	v.SetDefault("sync.reconnect_delay", 5*time.Second)
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "jobwatch:relay")
	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.jwks_url", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("actions.async", false)
	v.SetDefault("actions.max_retry", 3)
	v.SetDefault("actions.rate_per_min", 30)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "auto")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.url_expiry", 15*time.Minute)
}

func bindEnv(v *viper.Viper) {
	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("backend.base_url", "BACKEND_BASE_URL")
	_ = v.BindEnv("backend.api_prefix", "BACKEND_API_PREFIX")
	_ = v.BindEnv("backend.ws_url", "BACKEND_WS_URL")
	_ = v.BindEnv("backend.timeout", "BACKEND_TIMEOUT")
	_ = v.BindEnv("backend.token", "BACKEND_TOKEN")
	_ = v.BindEnv("sync.poll_interval", "SYNC_POLL_INTERVAL")
	_ = v.BindEnv("sync.log_tail", "SYNC_LOG_TAIL")
	_ = v.BindEnv("sync.log_capacity", "SYNC_LOG_CAPACITY")
	_ = v.BindEnv("sync.ping_interval", "SYNC_PING_INTERVAL")
	_ = v.BindEnv("sync.reconnect_delay", "SYNC_RECONNECT_DELAY")
	_ = v.BindEnv("bus.driver", "BUS_DRIVER")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.channel", "REDIS_CHANNEL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.jwks_url", "JWT_JWKS_URL")
	_ = v.BindEnv("jwt.issuer", "JWT_ISSUER")
	_ = v.BindEnv("jwt.audience", "JWT_AUDIENCE")
	_ = v.BindEnv("actions.async", "ACTIONS_ASYNC")
	_ = v.BindEnv("actions.max_retry", "ACTIONS_MAX_RETRY")
	_ = v.BindEnv("actions.rate_per_min", "ACTIONS_RATE_PER_MIN")
	_ = v.BindEnv("archive.bucket", "ARCHIVE_BUCKET")
	_ = v.BindEnv("archive.endpoint", "ARCHIVE_ENDPOINT")
	_ = v.BindEnv("archive.region", "ARCHIVE_REGION")
	_ = v.BindEnv("archive.access_key_id", "ARCHIVE_ACCESS_KEY_ID")
	_ = v.BindEnv("archive.secret_access_key", "ARCHIVE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("archive.prefix", "ARCHIVE_PREFIX")
	_ = v.BindEnv("archive.url_expiry", "ARCHIVE_URL_EXPIRY")
}

// Load reads config.yaml (optional), then the environment, then validates.
func Load() (*Config, error) {
	return LoadWithFlags(nil, nil)
}

// LoadWithFlags is Load with command-line overrides. bindings maps config keys
// to flag names in fs; flags win over the environment only when set.
func LoadWithFlags(fs *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("JWT_SECRET")
	readSecret("REDIS_PASSWORD")
	readSecret("BACKEND_TOKEN")
	readSecret("ARCHIVE_ACCESS_KEY_ID")
	readSecret("ARCHIVE_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)
	if err := bindFlags(v, fs, bindings); err != nil {
		return nil, err
	}

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: strings.ToLower(v.GetString("server.log_level")),
		},
		Backend: BackendConfig{
			BaseURL:   strings.TrimRight(v.GetString("backend.base_url"), "/"),
			APIPrefix: normalizePrefix(v.GetString("backend.api_prefix")),
			WSURL:     v.GetString("backend.ws_url"),
			Timeout:   v.GetDuration("backend.timeout"),
			Token:     v.GetString("backend.token"),
		},
		Sync: SyncConfig{
			PollInterval:   v.GetDuration("sync.poll_interval"),
			LogTail:        v.GetInt("sync.log_tail"),
			LogCapacity:    v.GetInt("sync.log_capacity"),
			PingInterval:   v.GetDuration("sync.ping_interval"),
			ReconnectDelay: v.GetDuration("sync.reconnect_delay"),
		},
		Bus: BusConfig{
			Driver: strings.ToLower(v.GetString("bus.driver")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			JWKSURL:  v.GetString("jwt.jwks_url"),
			Issuer:   v.GetString("jwt.issuer"),
			Audience: v.GetString("jwt.audience"),
		},
		Actions: ActionsConfig{
			Async:      v.GetBool("actions.async"),
			MaxRetry:   v.GetInt("actions.max_retry"),
			RatePerMin: v.GetInt("actions.rate_per_min"),
		},
		Archive: ArchiveConfig{
			Bucket:          v.GetString("archive.bucket"),
			Endpoint:        v.GetString("archive.endpoint"),
			Region:          v.GetString("archive.region"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
			Prefix:          strings.Trim(v.GetString("archive.prefix"), "/"),
			URLExpiry:       v.GetDuration("archive.url_expiry"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Server.IsProduction() && cfg.JWT.Secret == defaultJWTSecret {
		if cfg.JWT.JWKSURL == "" {
			return nil, fmt.Errorf("%w: jwt.secret must be set in production", ErrInvalid)
		}
		// JWKS only: HMAC tokens signed with the published default stay out
		cfg.JWT.Secret = ""
	}
	if cfg.Bus.Driver == "redis" && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("%w: redis.addr is required when bus.driver is redis", ErrInvalid)
	}
	if cfg.Actions.Async && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("%w: redis.addr is required when actions.async is set", ErrInvalid)
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	if fs == nil {
		return nil
	}
	for key, name := range bindings {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q for %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}
