package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ROOMSYNC"
	defaultDatabasePath       = "roomsync.db"
	defaultLogLevel           = "info"
	defaultSyncInterval       = 5 * time.Second
	defaultFetchTimeout       = 30 * time.Second
	defaultCallTimeout        = 30 * time.Second
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultAPIAddress         = "127.0.0.1:8787"
	defaultTokenTTLMinutes    = 30
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	ServerURL          string
	UserID             string
	ResumeToken        string
	DatabasePath       string
	LogLevel           string
	SyncInterval       time.Duration
	FetchTimeout       time.Duration
	CallTimeout        time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	APIAddress         string
	APISigningSecret   string
	APITokenTTL        time.Duration
	Emojis             []string
	CustomEmojis       []string
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
	configViper.SetConfigType("toml")

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.fetch_timeout", defaultFetchTimeout)
	configViper.SetDefault("realtime.call_timeout", defaultCallTimeout)
	configViper.SetDefault("realtime.reconnect_base_delay", defaultReconnectBaseDelay)
	configViper.SetDefault("realtime.reconnect_max_delay", defaultReconnectMaxDelay)
	configViper.SetDefault("api.address", defaultAPIAddress)
	configViper.SetDefault("api.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("mentions.emojis", []string{})
	configViper.SetDefault("mentions.custom_emojis", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:          strings.TrimSpace(configViper.GetString("server.url")),
		UserID:             strings.TrimSpace(configViper.GetString("auth.user_id")),
		ResumeToken:        configViper.GetString("auth.resume_token"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		FetchTimeout:       configViper.GetDuration("sync.fetch_timeout"),
		CallTimeout:        configViper.GetDuration("realtime.call_timeout"),
		ReconnectBaseDelay: configViper.GetDuration("realtime.reconnect_base_delay"),
		ReconnectMaxDelay:  configViper.GetDuration("realtime.reconnect_max_delay"),
		APIAddress:         configViper.GetString("api.address"),
		APISigningSecret:   configViper.GetString("api.signing_secret"),
		APITokenTTL:        time.Duration(configViper.GetInt("api.token_ttl_minutes")) * time.Minute,
		Emojis:             configViper.GetStringSlice("mentions.emojis"),
		CustomEmojis:       configViper.GetStringSlice("mentions.custom_emojis"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// APIEnabled reports whether the local HTTP API should be served.
func (c AppConfig) APIEnabled() bool {
	return strings.TrimSpace(c.APIAddress) != ""
}

func (c AppConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute URL: %q", c.ServerURL)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url scheme %q is not supported", parsed.Scheme)
	}
	if strings.TrimSpace(c.ResumeToken) == "" {
		return fmt.Errorf("auth.resume_token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("sync.fetch_timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("realtime.call_timeout must be positive")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("realtime.reconnect_max_delay must be at least realtime.reconnect_base_delay")
	}
	if c.APIEnabled() {
		if strings.TrimSpace(c.APISigningSecret) == "" {
			return fmt.Errorf("api.signing_secret is required when api.address is set")
		}
		if c.APITokenTTL <= 0 {
			return fmt.Errorf("api.token_ttl_minutes must be positive")
		}
	}
	return nil
}
