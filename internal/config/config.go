package config

import (
	"fmt"
	"strings"

	"github.com/sibyllinesoft/arbiter-sub005/internal/events"
	"github.com/sibyllinesoft/arbiter-sub005/internal/revisions"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "ARBITER"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "arbiter-ledger.db"
	defaultLogLevel      = "info"
	defaultLogEncoding   = "json"
	defaultAuthIssuer    = "arbiter"
	defaultHashAlgorithm = revisions.HashAlgorithmSHA256
)

// AppConfig captures runtime configuration for the ledger server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabasePath       string
	LogLevel           string
	LogEncoding        string
	AuthIssuer         string
	AuthSigningSecret  string
	EventsDefaultLimit int
	HashAlgorithm      string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("events.default_limit", events.DefaultListLimit)
	configViper.SetDefault("revisions.hash_algorithm", defaultHashAlgorithm)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogEncoding:        strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		EventsDefaultLimit: configViper.GetInt("events.default_limit"),
		HashAlgorithm:      strings.ToLower(strings.TrimSpace(configViper.GetString("revisions.hash_algorithm"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.EventsDefaultLimit <= 0 {
		return fmt.Errorf("events.default_limit must be positive, got %d", c.EventsDefaultLimit)
	}
	if _, err := revisions.NewHasher(c.HashAlgorithm); err != nil {
		return fmt.Errorf("revisions.hash_algorithm: %w", err)
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	return nil
}
