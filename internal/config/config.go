// Package config loads the billscan configuration from defaults, an
// optional YAML file, and BILLSCAN_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BILLSCAN_"

// Config is the fully resolved application configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Google  GoogleConfig  `koanf:"google"`
	AI      AIConfig      `koanf:"ai"`
	Scan    ScanConfig    `koanf:"scan"`
	Notify  NotifyConfig  `koanf:"notify"`
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StorageConfig struct {
	Path            string `koanf:"path"`
	MaxBillsPerUser int    `koanf:"max_bills_per_user"`
}

type GoogleConfig struct {
	ClientID      string        `koanf:"client_id"`
	ClientSecret  string        `koanf:"client_secret"`
	RedirectURL   string        `koanf:"redirect_url"`
	RefreshBuffer time.Duration `koanf:"refresh_buffer"`
}

type AIConfig struct {
	APIKey        string        `koanf:"api_key"`
	Model         string        `koanf:"model"`
	MinConfidence float64       `koanf:"min_confidence"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
}

type ScanConfig struct {
	BillSender       string        `koanf:"bill_sender"`
	DaysBack         int           `koanf:"days_back"`
	MaxMessages      int           `koanf:"max_messages"`
	FetchConcurrency int           `koanf:"fetch_concurrency"`
	RunTimeout       time.Duration `koanf:"run_timeout"`
}

type NotifyConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

type TracingConfig struct {
	Exporter     string `koanf:"exporter"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":                ":8080",
		"storage.path":               "billscan.db",
		"storage.max_bills_per_user": 50,
		"google.refresh_buffer":      "5m",
		"ai.model":                   "gemini-1.5-flash",
		"ai.min_confidence":          0.7,
		"ai.retry_delay":             "2s",
		"scan.days_back":             30,
		"scan.max_messages":          10,
		"scan.fetch_concurrency":     5,
		"scan.run_timeout":           "5m",
		"logging.level":              "info",
		"tracing.exporter":           "none",
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that does not
// exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// BILLSCAN_GOOGLE_CLIENT_ID maps to google.client_id: only the first
	// underscore delimits the section.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(key, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a running server cannot do without.
func (c *Config) Validate() error {
	var missing []string
	if c.Google.ClientID == "" {
		missing = append(missing, "google.client_id")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "google.client_secret")
	}
	if c.AI.APIKey == "" {
		missing = append(missing, "ai.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
