// Package config loads runtime configuration from the environment, with
// an optional config file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`

	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	CredServerURL string `mapstructure:"cred_server_url"`
	NATSURL       string `mapstructure:"nats_url"`

	GmailPubSubTopic string `mapstructure:"gmail_pubsub_topic"`
	GraphNotifyURL   string `mapstructure:"graph_notify_url"`

	ClassifierAPIKey string `mapstructure:"classifier_api_key"`
	ClassifierModel  string `mapstructure:"classifier_model"`

	SyncRecovery     string        `mapstructure:"sync_recovery"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	WatchRenewLead   time.Duration `mapstructure:"watch_renew_lead"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
}

// Load reads configuration from MAILSYNC_* environment variables and,
// when present, a mailsync.yaml in the working directory.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "data")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("cred_server_url", "http://localhost:3000")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("gmail_pubsub_topic", "")
	v.SetDefault("graph_notify_url", "")
	v.SetDefault("classifier_api_key", "")
	v.SetDefault("classifier_model", "")
	v.SetDefault("sync_recovery", "baseline")
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("watch_renew_lead", 12*time.Hour)
	v.SetDefault("fetch_concurrency", 8)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mailsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if cfg.SyncRecovery != "baseline" && cfg.SyncRecovery != "resync" {
		return nil, fmt.Errorf("sync_recovery must be baseline or resync, got %q", cfg.SyncRecovery)
	}
	return &cfg, nil
}
