package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ai-workflows/backend/pkg/models"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Log           struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Server struct {
		Addr         string        `mapstructure:"addr"`
		BasePath     string        `mapstructure:"base_path"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		TLS          struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		Prefix   string        `mapstructure:"prefix"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Session struct {
		Backend         string `mapstructure:"backend"`
		MaxRecordBytes  int    `mapstructure:"max_record_bytes"`
		DefaultPageSize int    `mapstructure:"default_page_size"`
		MaxPageSize     int    `mapstructure:"max_page_size"`
	} `mapstructure:"session"`
	Tasks struct {
		Backend       string        `mapstructure:"backend"`
		MaxConcurrent int           `mapstructure:"max_concurrent"`
		DedupeWindow  time.Duration `mapstructure:"dedupe_window"`
		Lease         time.Duration `mapstructure:"lease"`
	} `mapstructure:"tasks"`
	Stream struct {
		QueueSize        int           `mapstructure:"queue_size"`
		MinFlushInterval time.Duration `mapstructure:"min_flush_interval"`
	} `mapstructure:"stream"`
	Content struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"content"`
	Providers  map[string]Provider  `mapstructure:"providers"`
	MCPServers map[string]MCPServer `mapstructure:"mcp_servers"`
	Prompts    map[string]string    `mapstructure:"prompts"`
	Profiles   []models.Profile     `mapstructure:"profiles"`
	Auth       struct {
		OktaDomain    string `mapstructure:"okta_domain"`
		ClientID      string `mapstructure:"client_id"`
		ClientSecret  string `mapstructure:"client_secret"`
		RedirectURL   string `mapstructure:"redirect_url"`
		RequiredScope string `mapstructure:"required_scope"`
	} `mapstructure:"auth"`
}

// Provider is one named LLM provider profile.
type Provider struct {
	Kind        string        `mapstructure:"kind"` // openai, anthropic, echo
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MCPServer is a remote tool server reachable by label.
type MCPServer struct {
	URL          string `mapstructure:"url"`
	ApprovalMode string `mapstructure:"approval_mode"`
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches ./config.yaml and ./config/config.yaml; a missing file
// is not an error when searching.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AIWF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Server.BasePath = strings.Trim(config.Server.BasePath, "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks structural settings. Stage, provider and orchestrator
// references inside profiles are validated by the orchestrator at startup.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("session.backend: unknown backend %q", c.Session.Backend)
	}
	switch c.Tasks.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("tasks.backend: unknown backend %q", c.Tasks.Backend)
	}
	if c.Server.TLS.Enable && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls: cert_file and key_file are required when enabled")
	}
	if c.Session.MaxRecordBytes <= 0 {
		return fmt.Errorf("session.max_record_bytes must be positive")
	}
	if c.Session.MaxPageSize <= 0 || c.Session.DefaultPageSize > c.Session.MaxPageSize {
		return fmt.Errorf("session.max_page_size must be positive and at least session.default_page_size")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be positive")
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case "openai", "anthropic", "echo":
		default:
			return fmt.Errorf("providers.%s: unknown kind %q", name, p.Kind)
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profiles[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_path", "openedx-ai-extensions")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "aiwf")
	v.SetDefault("redis.ttl", 30*24*time.Hour)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.max_record_bytes", 64*1024)
	v.SetDefault("session.default_page_size", 10)
	v.SetDefault("session.max_page_size", 100)
	v.SetDefault("tasks.backend", "memory")
	v.SetDefault("tasks.max_concurrent", 4)
	v.SetDefault("tasks.dedupe_window", 30*time.Second)
	v.SetDefault("tasks.lease", 2*time.Minute)
	v.SetDefault("stream.queue_size", 64)
	v.SetDefault("stream.min_flush_interval", 50*time.Millisecond)
	v.SetDefault("content.timeout", 10*time.Second)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
