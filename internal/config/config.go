package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SIGNET"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "signet.db"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultSyncIntervalSeconds = 30
	defaultMaxRetryAttempts    = 3
	defaultAttemptDelayMillis  = 250
	defaultAttemptTimeoutSecs  = 15
	defaultProbeIntervalSecs   = 15
	defaultRetentionDays       = 30
	defaultRetentionSchedule   = "0 3 * * *"
	defaultServiceName         = "signet-api"
)

// AppConfig captures runtime configuration for the queue service.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	LogEncoding         string
	RemoteBaseURL       string
	RemoteSigningSecret string
	ServiceName         string
	SyncInterval        time.Duration
	MaxRetryAttempts    int
	AttemptDelay        time.Duration
	AttemptTimeout      time.Duration
	ProbeInterval       time.Duration
	RetentionDays       int
	RetentionSchedule   string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("remote.service_name", defaultServiceName)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.max_retry_attempts", defaultMaxRetryAttempts)
	configViper.SetDefault("sync.attempt_delay_ms", defaultAttemptDelayMillis)
	configViper.SetDefault("sync.attempt_timeout_seconds", defaultAttemptTimeoutSecs)
	configViper.SetDefault("sync.probe_interval_seconds", defaultProbeIntervalSecs)
	configViper.SetDefault("retention.days", defaultRetentionDays)
	configViper.SetDefault("retention.schedule", defaultRetentionSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
		RemoteBaseURL:       configViper.GetString("remote.base_url"),
		RemoteSigningSecret: configViper.GetString("remote.signing_secret"),
		ServiceName:         configViper.GetString("remote.service_name"),
		SyncInterval:        time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		MaxRetryAttempts:    configViper.GetInt("sync.max_retry_attempts"),
		AttemptDelay:        time.Duration(configViper.GetInt("sync.attempt_delay_ms")) * time.Millisecond,
		AttemptTimeout:      time.Duration(configViper.GetInt("sync.attempt_timeout_seconds")) * time.Second,
		ProbeInterval:       time.Duration(configViper.GetInt("sync.probe_interval_seconds")) * time.Second,
		RetentionDays:       configViper.GetInt("retention.days"),
		RetentionSchedule:   configViper.GetString("retention.schedule"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteSigningSecret) == "" {
		return fmt.Errorf("remote.signing_secret is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("sync.max_retry_attempts must be positive")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	if strings.TrimSpace(c.RetentionSchedule) == "" {
		return fmt.Errorf("retention.schedule is required")
	}
	return nil
}
