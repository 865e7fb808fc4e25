package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "EDITHISTORY"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "edithistory.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultPageSize       = 30
	defaultFormatWorkers  = 4
	defaultClientBaseURL  = "http://127.0.0.1:8080"
	defaultClientTimeout  = 10 * time.Second
	defaultAllowedOrigins = "*"
	minMasterKeyBytes     = 32
	maxPageSize           = 100
)

// AppConfig captures runtime configuration for the server and the CLI clients.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	PageSize       int
	FormatWorkers  int
	MasterKey      string
	ClientBaseURL  string
	ClientTimeout  time.Duration
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("history.page_size", defaultPageSize)
	configViper.SetDefault("history.format_workers", defaultFormatWorkers)
	configViper.SetDefault("client.base_url", defaultClientBaseURL)
	configViper.SetDefault("client.timeout", defaultClientTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		PageSize:       configViper.GetInt("history.page_size"),
		FormatWorkers:  configViper.GetInt("history.format_workers"),
		MasterKey:      strings.TrimSpace(configViper.GetString("crypto.master_key")),
		ClientBaseURL:  strings.TrimRight(configViper.GetString("client.base_url"), "/"),
		ClientTimeout:  configViper.GetDuration("client.timeout"),
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
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("history.page_size must be between 1 and %d", maxPageSize)
	}
	if c.FormatWorkers < 1 {
		return fmt.Errorf("history.format_workers must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if c.MasterKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.MasterKey)
		if err != nil {
			return fmt.Errorf("crypto.master_key must be base64: %w", err)
		}
		if len(decoded) < minMasterKeyBytes {
			return fmt.Errorf("crypto.master_key must decode to at least %d bytes", minMasterKeyBytes)
		}
	}
	parsed, err := url.Parse(c.ClientBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("client.base_url must be an absolute URL")
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
