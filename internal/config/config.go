package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"riskline/internal/risk"
)

const maxValidityMonths = 12

// Config models riskline.yml: compliance frameworks, risk banding policy,
// hazard category catalog, LMRA check catalogs and approval chains.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Frameworks map[string]Framework `yaml:"frameworks"`
	Risk       struct {
		Bands risk.Bands `yaml:"bands"`
	} `yaml:"risk"`
	Hazards struct {
		Categories []string `yaml:"categories"`
	} `yaml:"hazards"`
	LMRA struct {
		LocationAccuracyMeters float64        `yaml:"location_accuracy_meters"`
		EnvironmentChecks      []CatalogCheck `yaml:"environment_checks"`
		EquipmentChecks        []CatalogCheck `yaml:"equipment_checks"`
	} `yaml:"lmra"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Framework bounds the TRA validity window and names the approval chain.
type Framework struct {
	ValidityMonths int            `yaml:"validity_months"`
	ApprovalChain  []ApprovalStep `yaml:"approval_chain"`
}

type ApprovalStep struct {
	Role      string   `yaml:"role"`
	Approvers []string `yaml:"approvers"`
}

type CatalogCheck struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// WebhookConfig is an outbound endpoint for stop-work notifications.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure, in particular the
// 12-month validity ceiling every supported framework enforces.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Frameworks) == 0 {
		return fmt.Errorf("config.frameworks is required")
	}
	for name, fw := range c.Frameworks {
		if fw.ValidityMonths <= 0 {
			return fmt.Errorf("framework %s: validity_months must be positive", name)
		}
		if fw.ValidityMonths > maxValidityMonths {
			return fmt.Errorf("framework %s: validity_months %d exceeds the %d-month ceiling", name, fw.ValidityMonths, maxValidityMonths)
		}
		if len(fw.ApprovalChain) == 0 {
			return fmt.Errorf("framework %s: approval_chain is required", name)
		}
		for i, step := range fw.ApprovalChain {
			if step.Role == "" {
				return fmt.Errorf("framework %s: approval chain step %d has empty role", name, i)
			}
			if len(step.Approvers) == 0 {
				return fmt.Errorf("framework %s: approval chain step %d has no approvers", name, i)
			}
		}
	}
	if err := c.Risk.Bands.Validate(); err != nil {
		return err
	}
	if c.LMRA.LocationAccuracyMeters <= 0 {
		return fmt.Errorf("config.lmra.location_accuracy_meters must be positive")
	}
	for i, chk := range c.LMRA.EnvironmentChecks {
		if chk.ID == "" || chk.Name == "" {
			return fmt.Errorf("config.lmra.environment_checks[%d] needs id and name", i)
		}
	}
	for i, chk := range c.LMRA.EquipmentChecks {
		if chk.ID == "" || chk.Name == "" {
			return fmt.Errorf("config.lmra.equipment_checks[%d] needs id and name", i)
		}
	}
	return nil
}

// WindowMonths returns the validity window for a framework, capped at the
// compliance ceiling.
func (c *Config) WindowMonths(framework string) (int, error) {
	fw, ok := c.Frameworks[framework]
	if !ok {
		return 0, fmt.Errorf("unknown compliance framework %q", framework)
	}
	months := fw.ValidityMonths
	if months > maxValidityMonths {
		months = maxValidityMonths
	}
	return months, nil
}

// Chain returns the ordered approval chain for a framework.
func (c *Config) Chain(framework string) ([]ApprovalStep, error) {
	fw, ok := c.Frameworks[framework]
	if !ok {
		return nil, fmt.Errorf("unknown compliance framework %q", framework)
	}
	return fw.ApprovalChain, nil
}

// Categories returns the hazard category catalog, falling back to defaults.
func (c *Config) Categories() []string {
	return c.Hazards.Categories
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "riskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s
  name: Default Organization

frameworks:
  vca:
    validity_months: 12
    approval_chain:
      - role: safety_officer
        approvers: [safety-officer-1]
      - role: operations_manager
        approvers: [ops-manager-1]
  iso45001:
    validity_months: 12
    approval_chain:
      - role: safety_officer
        approvers: [safety-officer-1]
      - role: hse_manager
        approvers: [hse-manager-1]
      - role: operations_manager
        approvers: [ops-manager-1]

risk:
  bands:
    ordered:
      - { max: 20, level: trivial }
      - { max: 70, level: acceptable }
      - { max: 200, level: possible }
      - { max: 400, level: substantial }
      - { max: 1000, level: high }
    overflow: very_high

hazards:
  categories:
    - electrical
    - mechanical
    - chemical
    - biological
    - physical
    - ergonomic
    - fall_from_height
    - fire_explosion
    - confined_space
    - environmental
    - traffic

lmra:
  location_accuracy_meters: 20
  environment_checks:
    - { id: env.weather, name: "Weather conditions acceptable", required: true }
    - { id: env.lighting, name: "Adequate lighting", required: true }
    - { id: env.access, name: "Emergency access routes clear", required: true }
    - { id: env.bystanders, name: "Bystanders cleared from work area", required: false }
  equipment_checks:
    - { id: eq.ppe, name: "Personal protective equipment", required: true }
    - { id: eq.tools, name: "Tools inspected and in date", required: true }
    - { id: eq.rescue, name: "Rescue equipment on site", required: false }
`
