package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"radflow/internal/clock"
)

// Config models radflow.yml.
type Config struct {
	Workflow struct {
		// BusinessTimezone is a fixed offset like "+05:30"; all day/week
		// filters are interpreted in this zone.
		BusinessTimezone string `yaml:"business_timezone"`
	} `yaml:"workflow"`
	SLA struct {
		AssignmentMinutes int64 `yaml:"assignment_minutes"`
		ReportingMinutes  int64 `yaml:"reporting_minutes"`
		DownloadMinutes   int64 `yaml:"download_minutes"`
	} `yaml:"sla"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`

	// businessClock is built once during Validate.
	businessClock *clock.Business
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "radflow.yml")
}

// Load reads radflow.yml from the workspace, falling back to defaults when
// the file does not exist. Validation failures (bad timezone, bad SLA) are
// fatal here so a misconfigured engine never serves requests.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Validate checks structure and builds the business clock.
func (c *Config) Validate() error {
	b, err := clock.New(c.Workflow.BusinessTimezone)
	if err != nil {
		return fmt.Errorf("config.workflow.business_timezone: %w", err)
	}
	c.businessClock = b
	if c.SLA.AssignmentMinutes <= 0 {
		return fmt.Errorf("config.sla.assignment_minutes must be positive")
	}
	if c.SLA.ReportingMinutes <= 0 {
		return fmt.Errorf("config.sla.reporting_minutes must be positive")
	}
	if c.SLA.DownloadMinutes <= 0 {
		return fmt.Errorf("config.sla.download_minutes must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// BusinessClock returns the clock built by Validate.
func (c *Config) BusinessClock() *clock.Business {
	if c.businessClock == nil {
		c.businessClock = clock.MustNew(defaultTimezone)
	}
	return c.businessClock
}

const defaultTimezone = "+05:30"

// Default returns the validated default configuration.
func Default() *Config {
	var cfg Config
	cfg.Workflow.BusinessTimezone = defaultTimezone
	cfg.SLA.AssignmentMinutes = 60
	cfg.SLA.ReportingMinutes = 480
	cfg.SLA.DownloadMinutes = 240
	cfg.Auth.AllowLegacyActorHeader = true
	cfg.businessClock = clock.MustNew(defaultTimezone)
	return &cfg
}

// GenerateDefault returns the default config YAML for `radflow config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  business_timezone: "+05:30"

sla:
  assignment_minutes: 60
  reporting_minutes: 480
  download_minutes: 240

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

webhooks: []
`
