package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "QUILL"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "quill.db"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultBufferTimeout      = 250 * time.Millisecond
	defaultDedupTTL           = 48 * time.Hour
	defaultPendingTTL         = 7 * 24 * time.Hour
	defaultReconcileInterval  = 5 * time.Minute
	defaultReconcileBatchSize = 100
	defaultScanCount          = 500
	defaultStalePendingAfter  = 8 * 24 * time.Hour
	defaultPublishInterval    = time.Minute
	defaultPublishBatchSize   = 100
	defaultAdminTokenTTL      = time.Hour

	minReconcileInterval = time.Minute
	maxReconcileInterval = 10 * time.Minute
	minDedupTTL          = 24 * time.Hour
)

// ViewsConfig tunes view ingestion.
type ViewsConfig struct {
	Pepper        string
	BufferTimeout time.Duration
	DedupTTL      time.Duration
	PendingTTL    time.Duration
}

// SweepsConfig tunes the background reconciliation and publish sweeps.
type SweepsConfig struct {
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	ScanCount          int64
	StalePendingAfter  time.Duration
	PublishInterval    time.Duration
	PublishBatchSize   int
}

// AdminConfig controls operator access. An empty signing secret disables admin routes.
type AdminConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// AppConfig captures runtime configuration for the API server and sweeps.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	RedisURL           string
	LogLevel           string
	LogFormat          string
	Views              ViewsConfig
	Sweeps             SweepsConfig
	Admin              AdminConfig
	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("views.pepper", "")
	configViper.SetDefault("views.buffer_timeout", defaultBufferTimeout)
	configViper.SetDefault("views.dedup_ttl", defaultDedupTTL)
	configViper.SetDefault("views.pending_ttl", defaultPendingTTL)
	configViper.SetDefault("sweeps.reconcile_interval", defaultReconcileInterval)
	configViper.SetDefault("sweeps.reconcile_batch_size", defaultReconcileBatchSize)
	configViper.SetDefault("sweeps.scan_count", defaultScanCount)
	configViper.SetDefault("sweeps.stale_pending_after", defaultStalePendingAfter)
	configViper.SetDefault("sweeps.publish_interval", defaultPublishInterval)
	configViper.SetDefault("sweeps.publish_batch_size", defaultPublishBatchSize)
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		RedisURL:     configViper.GetString("redis.url"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		Views: ViewsConfig{
			Pepper:        configViper.GetString("views.pepper"),
			BufferTimeout: configViper.GetDuration("views.buffer_timeout"),
			DedupTTL:      configViper.GetDuration("views.dedup_ttl"),
			PendingTTL:    configViper.GetDuration("views.pending_ttl"),
		},
		Sweeps: SweepsConfig{
			ReconcileInterval:  configViper.GetDuration("sweeps.reconcile_interval"),
			ReconcileBatchSize: configViper.GetInt("sweeps.reconcile_batch_size"),
			ScanCount:          configViper.GetInt64("sweeps.scan_count"),
			StalePendingAfter:  configViper.GetDuration("sweeps.stale_pending_after"),
			PublishInterval:    configViper.GetDuration("sweeps.publish_interval"),
			PublishBatchSize:   configViper.GetInt("sweeps.publish_batch_size"),
		},
		Admin: AdminConfig{
			SigningSecret: configViper.GetString("admin.signing_secret"),
			TokenTTL:      configViper.GetDuration("admin.token_ttl"),
		},
		CORSAllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AdminEnabled reports whether operator routes should be mounted.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.Admin.SigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if strings.TrimSpace(c.Views.Pepper) == "" {
		return fmt.Errorf("views.pepper is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.Views.BufferTimeout <= 0 {
		return fmt.Errorf("views.buffer_timeout must be positive")
	}
	if c.Views.DedupTTL < minDedupTTL {
		return fmt.Errorf("views.dedup_ttl must be at least %s", minDedupTTL)
	}
	if c.Views.PendingTTL <= c.Sweeps.ReconcileInterval {
		return fmt.Errorf("views.pending_ttl must exceed sweeps.reconcile_interval")
	}
	if c.Sweeps.ReconcileInterval < minReconcileInterval || c.Sweeps.ReconcileInterval > maxReconcileInterval {
		return fmt.Errorf("sweeps.reconcile_interval must be between %s and %s", minReconcileInterval, maxReconcileInterval)
	}
	if c.Sweeps.ReconcileBatchSize <= 0 || c.Sweeps.PublishBatchSize <= 0 {
		return fmt.Errorf("sweep batch sizes must be positive")
	}
	if c.Sweeps.ScanCount <= 0 {
		return fmt.Errorf("sweeps.scan_count must be positive")
	}
	if c.Sweeps.StalePendingAfter < 0 {
		return fmt.Errorf("sweeps.stale_pending_after must not be negative")
	}
	if c.Sweeps.PublishInterval <= 0 {
		return fmt.Errorf("sweeps.publish_interval must be positive")
	}
	if c.AdminEnabled() && c.Admin.TokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl must be positive")
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must list at least one origin")
	}
	return nil
}

// splitOrigins accepts both list values and comma separated env strings.
func splitOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
