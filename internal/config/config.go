package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models filmdesk.yml. It is constructed explicitly and passed through
// the dependency graph; there is no process-wide singleton.
type Config struct {
	Shop struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"shop"`
	Workflows struct {
		Presets map[string]WorkflowPreset `yaml:"presets"`
		Default string                    `yaml:"default"`
	} `yaml:"workflows"`
	Inventory struct {
		LowStock map[string]float64 `yaml:"low_stock"`
	} `yaml:"inventory"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// WorkflowPreset is a named, ordered checklist an intervention starts from.
type WorkflowPreset struct {
	Steps []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	Name      string `yaml:"name"`
	Mandatory bool   `yaml:"mandatory"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fd shop config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shop.ID == "" {
		return fmt.Errorf("config.shop.id is required")
	}
	if len(c.Workflows.Presets) == 0 {
		return fmt.Errorf("config.workflows.presets is required")
	}
	for name, preset := range c.Workflows.Presets {
		if len(preset.Steps) == 0 {
			return fmt.Errorf("workflow preset %s has no steps", name)
		}
		for _, s := range preset.Steps {
			if s.Name == "" {
				return fmt.Errorf("workflow preset %s has a step with empty name", name)
			}
		}
	}
	if c.Workflows.Default != "" {
		if _, ok := c.Workflows.Presets[c.Workflows.Default]; !ok {
			return fmt.Errorf("default workflow preset %s not defined", c.Workflows.Default)
		}
	}
	for id, threshold := range c.Inventory.LowStock {
		if id == "" {
			return fmt.Errorf("config.inventory.low_stock has empty material id")
		}
		if threshold < 0 {
			return fmt.Errorf("low stock threshold for %s must be >= 0", id)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// Path returns the on-disk config location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".filmdesk", "filmdesk.yml")
}

// Default builds the built-in config for a shop id.
func Default(shopID string) *Config {
	var cfg Config
	cfg.Shop.ID = shopID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, shopID))).Decode(&cfg)
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

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `shop:
  id: %s
  name: PPF Shop

workflows:
  default: ppf.standard
  presets:
    ppf.standard:
      steps:
        - name: vehicle.inspection
          mandatory: true
        - name: surface.preparation
          mandatory: true
        - name: film.application
          mandatory: true
        - name: curing.check
          mandatory: false
        - name: final.inspection
          mandatory: true
    ppf.touch_up:
      steps:
        - name: vehicle.inspection
          mandatory: true
        - name: film.application
          mandatory: true
        - name: final.inspection
          mandatory: true

inventory:
  low_stock: {}

notifications:
  webhooks: []
`
