package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models mizan.yml, the per-desk governance configuration.
type Config struct {
	Desk struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"desk" json:"desk"`
	Gates struct {
		// Phases lists pipeline phase IDs that pause for human review.
		Phases []string `yaml:"phases" json:"phases"`
		// ApproverRoles restricts gate decisions to actors holding one
		// of these roles on the desk. Empty means any registered approver.
		ApproverRoles []string `yaml:"approver_roles" json:"approver_roles"`
	} `yaml:"gates" json:"gates"`
	Webhooks []Webhook `yaml:"webhooks" json:"webhooks"`
	Feeds    struct {
		// Regulators whitelists feed regulators a run may consume.
		// Empty means any imported or bundled feed.
		Regulators []string `yaml:"regulators" json:"regulators"`
	} `yaml:"feeds" json:"feeds"`
}

// Webhook describes a subscriber for run lifecycle events.
type Webhook struct {
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret" json:"secret"`
	Events []string `yaml:"events" json:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with mz desk config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

var knownPhases = map[string]bool{
	"profiler":             true,
	"obligation-extractor": true,
	"risk-mapper":          true,
	"control-designer":     true,
	"schema-designer":      true,
	"policy-generator":     true,
	"unit-tester":          true,
	"dry-run":              true,
	"publisher":            true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Desk.ID == "" {
		return fmt.Errorf("config.desk.id is required")
	}
	if c.Desk.Kind != "compliance-desk" {
		return fmt.Errorf("config.desk.kind must be 'compliance-desk'")
	}
	for _, phase := range c.Gates.Phases {
		if !knownPhases[phase] {
			return fmt.Errorf("config.gates.phases references unknown phase %s", phase)
		}
		if phase == "publisher" {
			return fmt.Errorf("publisher phase cannot be gated")
		}
	}
	for _, role := range c.Gates.ApproverRoles {
		if role == "" {
			return fmt.Errorf("config.gates.approver_roles contains empty role")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	for _, reg := range c.Feeds.Regulators {
		if reg == "" {
			return fmt.Errorf("config.feeds.regulators contains empty regulator")
		}
	}
	return nil
}

// GatedPhase reports whether a phase pauses for human review.
func (c *Config) GatedPhase(phaseID string) bool {
	for _, p := range c.Gates.Phases {
		if p == phaseID {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mizan.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deskID string) string {
	return fmt.Sprintf(defaultTemplate, deskID)
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

// Default returns the default Config struct for a desk.
func Default(deskID string) *Config {
	var cfg Config
	cfg.Desk.ID = deskID
	cfg.Desk.Kind = "compliance-desk"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, deskID))).Decode(&cfg)
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

const defaultTemplate = `desk:
  id: %s
  kind: compliance-desk

gates:
  phases:
    - obligation-extractor
    - control-designer
  approver_roles:
    - compliance-officer
    - shariah-reviewer

webhooks: []

feeds:
  regulators: []
`
