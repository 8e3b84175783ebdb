package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "PALAVER"
	defaultDatabasePath   = "palaver.db"
	defaultLogLevel       = "info"
	defaultHomeserver     = "localhost"
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffCap     = 30 * time.Second
	defaultMaxWorkers     = 4
	defaultRescanInterval = 30 * time.Second

	atRestKeySize = 32
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	DatabasePath   string
	LogLevel       string
	Homeserver     string
	AtRestKey      []byte
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxWorkers     int
	RescanInterval time.Duration
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.homeserver", defaultHomeserver)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("sync.max_collection_workers", defaultMaxWorkers)
	configViper.SetDefault("sync.rescan_interval", defaultRescanInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		Homeserver:     configViper.GetString("remote.homeserver"),
		BackoffBase:    configViper.GetDuration("sync.backoff_base"),
		BackoffCap:     configViper.GetDuration("sync.backoff_cap"),
		MaxWorkers:     configViper.GetInt("sync.max_collection_workers"),
		RescanInterval: configViper.GetDuration("sync.rescan_interval"),
	}

	encodedKey := strings.TrimSpace(configViper.GetString("crypto.at_rest_key"))
	if encodedKey != "" {
		key, err := base64.StdEncoding.DecodeString(encodedKey)
		if err != nil {
			return AppConfig{}, fmt.Errorf("crypto.at_rest_key is not valid base64: %w", err)
		}
		cfg.AtRestKey = key
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
	if strings.TrimSpace(c.Homeserver) == "" {
		return fmt.Errorf("remote.homeserver is required")
	}
	if len(c.AtRestKey) == 0 {
		return fmt.Errorf("crypto.at_rest_key is required")
	}
	if len(c.AtRestKey) != atRestKeySize {
		return fmt.Errorf("crypto.at_rest_key must decode to %d bytes, got %d", atRestKeySize, len(c.AtRestKey))
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("sync backoff bounds are invalid")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("sync.max_collection_workers must be positive")
	}
	return nil
}
