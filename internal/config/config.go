// Package config provides configuration for the comment service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DevSecret is the signing secret used when none is configured. It is refused in prod.
const DevSecret = "dev-secret-change-me"

// Config holds the service configuration.
// Sources, in priority order: the explicit path given to Load, CONFIG_PATH,
// then environment variables alone. Environment variables always override
// values read from the file.
type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Server  ServerConfig  `yaml:"server"`
	WS      WSConfig      `yaml:"ws"`
	DB      DBConfig      `yaml:"db"`
	Cache   CacheConfig   `yaml:"cache"`
	Auth    AuthConfig    `yaml:"auth"`
	Listing ListingConfig `yaml:"listing"`
	Media   MediaConfig   `yaml:"media"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// ServerConfig holds listener ports.
type ServerConfig struct {
	WSPort   int `yaml:"ws_port" env:"WS_PORT" env-default:"8090"`     // External WebSocket port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT" env-default:"8091"` // Internal HTTP port for /health, /metrics, /internal/*
}

// WSConfig holds WebSocket settings.
type WSConfig struct {
	Room           string        `yaml:"room" env:"WS_ROOM" env-default:"chat_room"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL" env-default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT" env-default:"10s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"WS_READ_TIMEOUT" env-default:"60s"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"WS_MAX_MESSAGE_SIZE" env-default:"8388608"`
	SendBuffer     int           `yaml:"send_buffer" env:"WS_SEND_BUFFER" env-default:"64"`
	// CreateRate is create_comment requests per second per connection; 0 disables pacing.
	CreateRate int `yaml:"create_rate" env:"WS_CREATE_RATE" env-default:"5"`
}

// DBConfig selects the comment store.
type DBConfig struct {
	Driver string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"` // sqlite or postgres
	URL    string `yaml:"url" env:"DATABASE_URL" env-default:"comments.db"`
}

// CacheConfig selects the listing cache. An empty RedisURL keeps it in memory.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"300s"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"dev-secret-change-me"`
	Issuer    string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"comments"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL" env-default:"24h"`
}

// ListingConfig bounds listing queries.
type ListingConfig struct {
	MaxPageSize   int `yaml:"max_page_size" env:"MAX_PAGE_SIZE" env-default:"100"`
	MaxReplyDepth int `yaml:"max_reply_depth" env:"MAX_REPLY_DEPTH" env-default:"64"`
}

// MediaConfig controls image handling.
type MediaConfig struct {
	Backend     string      `yaml:"backend" env:"MEDIA_BACKEND" env-default:"disk"` // disk or minio
	Root        string      `yaml:"root" env:"MEDIA_ROOT" env-default:"media"`
	MaxBytes    int         `yaml:"max_bytes" env:"MEDIA_MAX_BYTES" env-default:"5242880"`
	MaxPixels   int         `yaml:"max_pixels" env:"MEDIA_MAX_PIXELS" env-default:"25000000"`
	ThumbWidth  uint        `yaml:"thumb_width" env:"MEDIA_THUMB_WIDTH" env-default:"320"`
	ThumbHeight uint        `yaml:"thumb_height" env:"MEDIA_THUMB_HEIGHT" env-default:"240"`
	S3          MinioConfig `yaml:"s3"`
}

// MinioConfig locates the image bucket when Backend is minio.
type MinioConfig struct {
	Endpoint      string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey     string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey     string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	Bucket        string `yaml:"bucket" env:"S3_BUCKET" env-default:"comments"`
	PublicBaseURL string `yaml:"public_base_url" env:"S3_PUBLIC_BASE_URL"`
}

// PolicyConfig points at an optional Rego module replacing the built-in policy.
type PolicyConfig struct {
	Path string `yaml:"path" env:"POLICY_PATH"`
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration. See Config for source priority.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		// ReadConfig overlays the environment on top of the file.
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, port := range map[string]int{"server.ws_port": c.Server.WSPort, "server.http_port": c.Server.HTTPPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be in 1..65535", name)
		}
	}
	if c.Server.WSPort == c.Server.HTTPPort {
		return fmt.Errorf("server.ws_port and server.http_port must differ")
	}

	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Env == "prod" && c.Auth.JWTSecret == DevSecret {
		return fmt.Errorf("auth.jwt_secret must be set in prod")
	}

	if c.Listing.MaxPageSize <= 0 {
		return fmt.Errorf("listing.max_page_size must be > 0")
	}
	if c.Listing.MaxReplyDepth <= 0 {
		return fmt.Errorf("listing.max_reply_depth must be > 0")
	}

	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be > 0")
	}
	if c.WS.MaxMessageSize <= 0 {
		return fmt.Errorf("ws.max_message_size must be > 0")
	}
	if c.WS.CreateRate < 0 {
		return fmt.Errorf("ws.create_rate must be >= 0")
	}

	if c.Media.MaxPixels < 0 {
		return fmt.Errorf("media.max_pixels must be >= 0")
	}

	switch c.Media.Backend {
	case "disk":
		if c.Media.Root == "" {
			return fmt.Errorf("media.root is required for the disk backend")
		}
	case "minio":
		if c.Media.S3.Endpoint == "" || c.Media.S3.Bucket == "" {
			return fmt.Errorf("media.s3.endpoint and media.s3.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("media.backend must be disk or minio, got %q", c.Media.Backend)
	}

	return nil
}
