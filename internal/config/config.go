// Package config provides configuration management for the options-flow
// service. Settings come from an optional YAML file overlaid with
// environment variables; the environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when neither file nor environment supplies a value.
const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = 5000
	// defaultVendorBaseURL is the vendor REST host.
	defaultVendorBaseURL = "https://api.massive.com"
	// defaultVendorWSURL is the vendor options trade stream.
	defaultVendorWSURL = "wss://socket.massive.com/options"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Vendor      VendorConfig      `yaml:"vendor"`
	Ingest      IngestConfig      `yaml:"ingest"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // development | production
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ServerConfig defines the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"` // single additional CORS origin
}

// VendorConfig defines upstream market-data vendor settings.
type VendorConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
}

// IngestConfig defines the ingestion hot-ticker set.
type IngestConfig struct {
	Tickers []string `yaml:"tickers"`
}

// DefaultTickers is the hot-ticker set streamed and backfilled when the
// configuration names none.
var DefaultTickers = []string{"SPY", "QQQ", "AAPL", "TSLA", "NVDA", "AMD", "MSFT", "META", "AMZN", "IWM"}

// Load reads the optional YAML file at configPath, then overlays
// environment variables. A missing file is not an error; a malformed one is.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
		if err == nil {
			expanded := os.ExpandEnv(string(data))
			dec := yaml.NewDecoder(strings.NewReader(expanded))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the enumerated environment keys onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Environment.Mode = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.Server.FrontendURL = v
	}
	// POLYGON_API_KEY is primary, MASSIVE_API_KEY the fallback.
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		c.Vendor.APIKey = v
	} else if v := os.Getenv("MASSIVE_API_KEY"); v != "" {
		c.Vendor.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Environment.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Environment.Mode == "" {
		c.Environment.Mode = "development"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Vendor.BaseURL == "" {
		c.Vendor.BaseURL = defaultVendorBaseURL
	}
	if c.Vendor.WSURL == "" {
		c.Vendor.WSURL = defaultVendorWSURL
	}
	if len(c.Ingest.Tickers) == 0 {
		c.Ingest.Tickers = append([]string(nil), DefaultTickers...)
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "development" && c.Environment.Mode != "production" {
		return fmt.Errorf("environment.mode must be 'development' or 'production'")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0,65535]")
	}
	if c.Vendor.APIKey == "" {
		return fmt.Errorf("vendor.api_key is required (POLYGON_API_KEY or MASSIVE_API_KEY)")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug|info|warn|error")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment.Mode == "production"
}

// AllowedOrigins returns the CORS origin allow-list: the configured
// frontend plus localhost origins in development.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	if c.Server.FrontendURL != "" {
		origins = append(origins, c.Server.FrontendURL)
	}
	if !c.IsProduction() {
		origins = append(origins,
			"http://localhost:3000",
			"http://localhost:5173",
			fmt.Sprintf("http://localhost:%d", c.Server.Port),
		)
	}
	return origins
}
