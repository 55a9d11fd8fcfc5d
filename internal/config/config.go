package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MARQUEE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "marquee.db"
	defaultLogLevel           = "info"
	defaultSessionCookieName  = "app_session"
	defaultTokenTTLMinutes    = 15
	defaultAPIBaseURL         = "http://localhost:8080"
	defaultBusDriver          = BusDriverNATS
	defaultBusOrigin          = "marquee-web"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultRedisURL           = "redis://127.0.0.1:6379/0"
	defaultElectionTimeout    = 150 * time.Millisecond
	defaultCredentialTTL      = 10 * time.Minute
	defaultReconnectMinDelay  = time.Second
	defaultReconnectMaxDelay  = 5 * time.Second
	defaultReconnectFactor    = 2.0
	defaultReconnectRetries   = 5
	defaultFollowerPollPeriod = 0
)

// Supported BroadcastBus drivers for tabs running as separate processes.
const (
	BusDriverNATS  = "nats"
	BusDriverRedis = "redis"
)

// ServerConfig captures runtime configuration for the reference notification API.
type ServerConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	SessionSecret     string
	SessionCookieName string
	TokenTTL          time.Duration
	AllowedOrigins    []string
}

// TabConfig captures runtime configuration for a headless notification tab.
type TabConfig struct {
	LogLevel        string
	APIBaseURL      string
	SessionToken    string
	BusDriver       string
	BusOrigin       string
	NATSURL         string
	RedisURL        string
	ElectionTimeout time.Duration
	CredentialTTL   time.Duration
	Reconnect       ReconnectConfig
	PollInterval    time.Duration
}

// ReconnectConfig bounds the push connection retry policy.
type ReconnectConfig struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
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
	configViper.SetDefault("auth.session_cookie", defaultSessionCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("bus.driver", defaultBusDriver)
	configViper.SetDefault("bus.origin", defaultBusOrigin)
	configViper.SetDefault("nats.url", defaultNATSURL)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("election.timeout", defaultElectionTimeout)
	configViper.SetDefault("credential.ttl", defaultCredentialTTL)
	configViper.SetDefault("reconnect.min_delay", defaultReconnectMinDelay)
	configViper.SetDefault("reconnect.max_delay", defaultReconnectMaxDelay)
	configViper.SetDefault("reconnect.multiplier", defaultReconnectFactor)
	configViper.SetDefault("reconnect.max_retries", defaultReconnectRetries)
	configViper.SetDefault("poll.interval", time.Duration(defaultFollowerPollPeriod))
}

// Load parses the reference API configuration from viper.
func Load(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionSecret:     configViper.GetString("auth.session_secret"),
		SessionCookieName: configViper.GetString("auth.session_cookie"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("auth.session_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.session_cookie is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// LoadTab parses the headless tab configuration from viper.
func LoadTab(configViper *viper.Viper) (TabConfig, error) {
	cfg := TabConfig{
		LogLevel:        configViper.GetString("log.level"),
		APIBaseURL:      configViper.GetString("api.base_url"),
		SessionToken:    configViper.GetString("api.session_token"),
		BusDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("bus.driver"))),
		BusOrigin:       configViper.GetString("bus.origin"),
		NATSURL:         configViper.GetString("nats.url"),
		RedisURL:        configViper.GetString("redis.url"),
		ElectionTimeout: configViper.GetDuration("election.timeout"),
		CredentialTTL:   configViper.GetDuration("credential.ttl"),
		Reconnect: ReconnectConfig{
			MinDelay:   configViper.GetDuration("reconnect.min_delay"),
			MaxDelay:   configViper.GetDuration("reconnect.max_delay"),
			Multiplier: configViper.GetFloat64("reconnect.multiplier"),
			MaxRetries: configViper.GetInt("reconnect.max_retries"),
		},
		PollInterval: configViper.GetDuration("poll.interval"),
	}

	if err := cfg.validate(); err != nil {
		return TabConfig{}, err
	}

	return cfg, nil
}

func (c TabConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.SessionToken) == "" {
		return fmt.Errorf("api.session_token is required")
	}
	if strings.TrimSpace(c.BusOrigin) == "" {
		return fmt.Errorf("bus.origin is required")
	}
	switch c.BusDriver {
	case BusDriverNATS:
		if strings.TrimSpace(c.NATSURL) == "" {
			return fmt.Errorf("nats.url is required for the nats bus driver")
		}
	case BusDriverRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis bus driver")
		}
	default:
		return fmt.Errorf("bus.driver %q is not supported", c.BusDriver)
	}
	if c.ElectionTimeout <= 0 {
		return fmt.Errorf("election.timeout must be positive")
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("credential.ttl must be positive")
	}
	if c.Reconnect.MinDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.MinDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < min_delay <= max_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("reconnect.max_retries must be positive")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	return nil
}
