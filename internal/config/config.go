package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SYNCROOM"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "syncroom.db"
	defaultLogLevel         = "info"
	defaultIdleTeardown     = 10 * time.Minute
	defaultSnapshotDebounce = time.Second
	defaultVersionInterval  = 5 * time.Minute
	defaultMetadataDebounce = 300 * time.Millisecond
	defaultKeepAutoVersions = 200
)

// AppConfig captures runtime configuration for the room sync server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	IdleTeardown     time.Duration
	SnapshotDebounce time.Duration
	VersionInterval  time.Duration
	MetadataDebounce time.Duration
	KeepAutoVersions int
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
	configViper.SetDefault("room.idle_teardown", defaultIdleTeardown)
	configViper.SetDefault("persist.snapshot_debounce", defaultSnapshotDebounce)
	configViper.SetDefault("persist.version_interval", defaultVersionInterval)
	configViper.SetDefault("persist.metadata_debounce", defaultMetadataDebounce)
	configViper.SetDefault("persist.keep_auto_versions", defaultKeepAutoVersions)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		IdleTeardown:     configViper.GetDuration("room.idle_teardown"),
		SnapshotDebounce: configViper.GetDuration("persist.snapshot_debounce"),
		VersionInterval:  configViper.GetDuration("persist.version_interval"),
		MetadataDebounce: configViper.GetDuration("persist.metadata_debounce"),
		KeepAutoVersions: configViper.GetInt("persist.keep_auto_versions"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.IdleTeardown <= 0 {
		return fmt.Errorf("room.idle_teardown must be positive")
	}
	if c.SnapshotDebounce <= 0 {
		return fmt.Errorf("persist.snapshot_debounce must be positive")
	}
	if c.VersionInterval <= 0 {
		return fmt.Errorf("persist.version_interval must be positive")
	}
	if c.MetadataDebounce <= 0 {
		return fmt.Errorf("persist.metadata_debounce must be positive")
	}
	if c.KeepAutoVersions < 0 {
		return fmt.Errorf("persist.keep_auto_versions must not be negative")
	}
	return nil
}
