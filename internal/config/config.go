// Package config loads server configuration from a config file and
// MIRROR_* environment overrides.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Served tree
	Root    string `mapstructure:"root" validate:"required"`
	IconDir string `mapstructure:"icon_dir"`

	// Size index
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"min=1s"`

	// Listings
	Extensions  []string `mapstructure:"extensions" validate:"min=1"`
	HiddenFiles []string `mapstructure:"hidden_files"`

	// Per-permission-tier byte ceilings, keyed by tier ("0" = admin,
	// "1" = standard). 0 means unlimited.
	Quotas         map[string]int64 `mapstructure:"quotas"`
	MaxUploadSizes map[string]int64 `mapstructure:"max_upload_sizes"`
	RequestsPerMin map[string]int   `mapstructure:"requests_per_minute"`

	// Uploads
	UploadTempDir string `mapstructure:"upload_temp_dir" validate:"required"`
	ChunkSize     int    `mapstructure:"chunk_size" validate:"min=1"`

	// Auth
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"min=1m"`

	// Database
	DatabaseURL string `mapstructure:"database_url" validate:"required"`

	// TLS (optional, both set enables HTTPS)
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// Load reads config.toml (or the file named by MIRROR_CONFIG) and
// applies environment overrides. Missing config files are tolerated;
// required values must then come from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mirror")
	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IconDir == "" {
		cfg.IconDir = cfg.Root + "/static/images/icons"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for tier := range c.Quotas {
		if _, err := strconv.Atoi(tier); err != nil {
			return fmt.Errorf("invalid config: quota tier %q is not an integer", tier)
		}
	}
	for tier := range c.MaxUploadSizes {
		if _, err := strconv.Atoi(tier); err != nil {
			return fmt.Errorf("invalid config: upload size tier %q is not an integer", tier)
		}
	}
	return nil
}

// QuotaForTier returns the private-folder quota for a permission level,
// 0 meaning unlimited.
func (c *Config) QuotaForTier(perms int) int64 {
	return c.Quotas[strconv.Itoa(perms)]
}

// MaxUploadForTier returns the per-file upload ceiling for a permission
// level, 0 meaning unlimited.
func (c *Config) MaxUploadForTier(perms int) int64 {
	return c.MaxUploadSizes[strconv.Itoa(perms)]
}

// RequestsPerMinForTier returns the request rate ceiling for a
// permission level, 0 meaning unlimited.
func (c *Config) RequestsPerMinForTier(perms int) int {
	return c.RequestsPerMin[strconv.Itoa(perms)]
}

// ExtensionAllowed reports whether files with the given lowercase
// extension are served directly.
func (c *Config) ExtensionAllowed(ext string) bool {
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("root", "files")
	v.SetDefault("refresh_interval", time.Minute)
	v.SetDefault("extensions", []string{
		"7z", "zip", "rar", "tar", "gz", "iso", "img",
		"mp3", "flac", "ogg", "wav", "mp4", "mkv", "webm", "avi",
		"png", "jpg", "jpeg", "gif", "svg", "webp",
		"pdf", "txt", "md", "doc", "docx", "xls", "xlsx",
		"exe", "msi", "deb", "rpm", "apk", "jar", "bin",
	})
	v.SetDefault("hidden_files", []string{
		"static", "uploads", "private", "robots.txt", "favicon.ico",
		"top", "RESTRICTED", "metadata", "HIDDEN",
	})
	v.SetDefault("quotas", map[string]int64{"0": 0, "1": 10 * 1024 * 1024 * 1024})
	v.SetDefault("max_upload_sizes", map[string]int64{"0": 0, "1": 2 * 1024 * 1024 * 1024})
	v.SetDefault("requests_per_minute", map[string]int{"0": 0, "1": 0})
	v.SetDefault("upload_temp_dir", "uploads/tmp")
	v.SetDefault("chunk_size", 5*1024*1024)
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("database_url", "")
}
