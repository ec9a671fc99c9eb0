package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var Version = "dev"

const (
	DefaultConfigPath = "config.toml"
	DefaultPort       = "3000"
	DefaultQuality    = 85
	DefaultAdminUser  = "admin"
	DevAPIKey         = "dev-key-12345"
)

const (
	FileSizeLimit    = 50 * 1024 * 1024
	JSONBodyLimit    = 10 * 1024 * 1024
	SingleFileLimit  = 1
	BatchFileLimit   = 10
	MultipartMemory  = 32 << 20
	TokenTTL         = 24 * time.Hour
	CodecTimeout     = 2 * time.Minute
	ShortDelay       = 30 * time.Second
	LongDelay        = 5 * time.Minute
	FileRetention    = LongDelay + 5*time.Minute
	DiskSpaceMinGB   = 1
	RateLimitWindow  = 15 * time.Minute
	GeneralRateLimit = 100
	ConvertRateLimit = 20
	LoginRateLimit   = 5
	MaxFilenameLen   = 100
)

// Config is the runtime configuration. Values come from an optional TOML file
// and are then overridden by environment variables.
type Config struct {
	Port    string `toml:"port"`
	EnvMode string `toml:"env"`

	InputDir   string `toml:"input_dir"`
	OutputDir  string `toml:"output_dir"`
	ArchiveDir string `toml:"archive_dir"`

	Quality     int    `toml:"jpeg_quality"`
	MultiFile   bool   `toml:"multi_file"`
	HEIFDecoder string `toml:"heif_decoder"`
	PublicDir   string `toml:"public_dir"`

	AllowedOrigins []string `toml:"allowed_origins"`

	RequireAPIKey     bool     `toml:"require_api_key"`
	APIKeys           []string `toml:"api_keys"`
	AdminUsername     string   `toml:"admin_username"`
	AdminPasswordHash string   `toml:"admin_password_hash"`
	JWTSecret         string   `toml:"jwt_secret"`

	RedisURL          string `toml:"redis_url"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Warnings collects problems Load worked around; they are logged once the
	// logger is configured.
	Warnings []string `toml:"-"`
}

// Load reads path (when it exists) and applies environment overrides.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.Port = envOrDefault("PORT", orDefault(cfg.Port, DefaultPort))
	cfg.EnvMode = envOrDefault("ENV", orDefault(cfg.EnvMode, "development"))

	cfg.InputDir = envOrDefault("INPUT_DIR", orDefault(cfg.InputDir, "/tmp/uploads"))
	cfg.OutputDir = envOrDefault("OUTPUT_DIR", orDefault(cfg.OutputDir, "/tmp/converted"))
	cfg.ArchiveDir = envOrDefault("ARCHIVE_DIR", orDefault(cfg.ArchiveDir, filepath.Join(cfg.OutputDir, "archives")))

	if cfg.Quality == 0 {
		cfg.Quality = DefaultQuality
	}
	if v := os.Getenv("JPEG_QUALITY"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 1 || q > 100 {
			cfg.warnf("JPEG_QUALITY=%q is not in 1-100, using %d", v, DefaultQuality)
			q = DefaultQuality
		}
		cfg.Quality = q
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}

	cfg.MultiFile = envBool("MULTI_FILE", cfg.MultiFile)
	cfg.HEIFDecoder = envOrDefault("HEIF_DECODER", cfg.HEIFDecoder)
	cfg.PublicDir = envOrDefault("PUBLIC_DIR", orDefault(cfg.PublicDir, "public"))

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	cfg.RequireAPIKey = envBool("REQUIRE_API_KEY", cfg.RequireAPIKey)
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}
	if cfg.RequireAPIKey && len(cfg.APIKeys) == 0 {
		if cfg.IsProduction() {
			return nil, errors.New("REQUIRE_API_KEY is set but API_KEYS is empty")
		}
		cfg.warnf("using default API key, set API_KEYS in production")
		cfg.APIKeys = []string{DevAPIKey}
	}

	cfg.AdminUsername = envOrDefault("ADMIN_USERNAME", orDefault(cfg.AdminUsername, DefaultAdminUser))
	cfg.AdminPasswordHash = envOrDefault("ADMIN_PASSWORD_HASH", cfg.AdminPasswordHash)
	if cfg.AdminPasswordHash == "" {
		cfg.warnf("ADMIN_PASSWORD_HASH not set, admin login is disabled")
	}
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)

	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.DiscordWebhookURL = envOrDefault("DISCORD_WEBHOOK_URL", cfg.DiscordWebhookURL)

	cfg.LogLevel = envOrDefault("LOG_LEVEL", orDefault(cfg.LogLevel, "info"))
	cfg.LogFormat = envOrDefault("LOG_FORMAT", orDefault(cfg.LogFormat, "text"))

	return cfg, nil
}

// MaxFiles is the per-request file-count ceiling for the deployment mode.
func (c *Config) MaxFiles() int {
	if c.MultiFile {
		return BatchFileLimit
	}
	return SingleFileLimit
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.EnvMode, "production")
}

// Dirs lists every directory the service writes temporary artifacts into.
func (c *Config) Dirs() []string {
	return []string{c.InputDir, c.OutputDir, c.ArchiveDir}
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
