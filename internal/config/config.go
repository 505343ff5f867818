package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agency.yml.
type Config struct {
	Agency struct {
		Name string `yaml:"name"`
	} `yaml:"agency"`
	Public struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"public"`
	Intake struct {
		FocusTTL    time.Duration `yaml:"focus_ttl"`
		Debounce    time.Duration `yaml:"debounce"`
		MailSubject string        `yaml:"mail_subject"`
	} `yaml:"intake"`
	Workflow struct {
		Strict bool `yaml:"strict"`
	} `yaml:"workflow"`
	Autopilot struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		LogCap   int           `yaml:"log_cap"`
	} `yaml:"autopilot"`
	Generation GenerationConfig `yaml:"generation"`
	Catalog    struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`
	Notify struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type GenerationConfig struct {
	// Endpoint is an OpenAI-compatible base URL. Empty selects the offline generator.
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Public.BaseURL == "" {
		return fmt.Errorf("config.public.base_url is required")
	}
	u, err := url.Parse(c.Public.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.public.base_url must be an absolute URL")
	}
	if u.Fragment != "" {
		return fmt.Errorf("config.public.base_url must not contain a fragment")
	}
	if c.Intake.FocusTTL < 0 {
		return fmt.Errorf("config.intake.focus_ttl must not be negative")
	}
	if c.Intake.Debounce < 0 {
		return fmt.Errorf("config.intake.debounce must not be negative")
	}
	if c.Autopilot.Interval <= 0 {
		return fmt.Errorf("config.autopilot.interval must be positive")
	}
	if c.Autopilot.LogCap < 0 {
		return fmt.Errorf("config.autopilot.log_cap must not be negative")
	}
	if c.Generation.MaxAttempts < 0 {
		return fmt.Errorf("config.generation.max_attempts must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agency.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agency:
  name: "Agency"

public:
  base_url: "http://localhost:5173"

intake:
  focus_ttl: 10m
  debounce: 1s
  mail_subject: "Your project brief"

workflow:
  strict: false

autopilot:
  enabled: false
  interval: 30s
  log_cap: 500

generation:
  endpoint: ""
  model: "gpt-4o-mini"
  api_key_env: "OPENAI_API_KEY"
  timeout: 60s
  max_attempts: 3

catalog:
  path: ""

notify:
  nats_url: ""
  subject: "briefloop.cycle"
`
