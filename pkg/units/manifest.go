package units

import (
	"os"
	"path/filepath"

	"github.com/hub-tools/hub-supervisor/pkg/errors"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the per-extension declaration file discovery looks for.
const ManifestFileName = "unit.yaml"

// EntryConfig declares one startable entry of an extension.
type EntryConfig struct {
	Command       []string      `yaml:"command"`
	HealthPath    string        `yaml:"health_path,omitempty"`
	RequiresPort  *bool         `yaml:"requires_port,omitempty"` // pointer to distinguish unset from false
	RestartPolicy RestartPolicy `yaml:"restart_policy,omitempty"`
}

// ServiceEntryConfig is a named background service entry.
type ServiceEntryConfig struct {
	Name        string `yaml:"name"`
	EntryConfig `yaml:",inline"`
}

// Manifest is the on-disk declaration of an extension: an optional UI entry,
// any number of background services, and an optional dependency install
// command run by the update queue applier.
type Manifest struct {
	Name     string               `yaml:"name"`
	UI       *EntryConfig         `yaml:"ui,omitempty"`
	Services []ServiceEntryConfig `yaml:"services,omitempty"`
	Install  []string             `yaml:"install,omitempty"`
}

// LoadManifest reads and validates the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read unit manifest", err).WithContext("path", path)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errors.NewValidationError("failed to parse unit manifest", err).WithContext("path", path)
	}

	if err := ValidateManifest(&manifest); err != nil {
		return nil, errors.NewValidationError("invalid unit manifest", err).WithContext("path", path)
	}

	return &manifest, nil
}

// ValidateManifest checks manifest structure before units are built from it.
func ValidateManifest(manifest *Manifest) error {
	if manifest == nil {
		return errors.NewValidationError("manifest cannot be nil", nil)
	}
	if err := ValidateUnitName(manifest.Name); err != nil {
		return errors.NewValidationError("invalid extension name", err)
	}
	if manifest.UI == nil && len(manifest.Services) == 0 {
		return errors.NewValidationError("manifest declares neither a UI nor services", nil).WithContext("name", manifest.Name)
	}
	if manifest.UI != nil && len(manifest.UI.Command) == 0 {
		return errors.NewValidationError("UI entry command cannot be empty", nil).WithContext("name", manifest.Name)
	}
	seen := make(map[string]bool)
	for i, service := range manifest.Services {
		if err := ValidateUnitName(service.Name); err != nil {
			return errors.NewValidationError("invalid service name", err).WithContext("name", manifest.Name).WithContext("index", i)
		}
		if seen[service.Name] {
			return errors.NewValidationError("duplicate service name", nil).WithContext("name", manifest.Name).WithContext("service", service.Name)
		}
		seen[service.Name] = true
		if len(service.Command) == 0 {
			return errors.NewValidationError("service command cannot be empty", nil).WithContext("name", manifest.Name).WithContext("service", service.Name)
		}
	}
	return nil
}

// Units expands a manifest into unit descriptors. UI entries default to
// requiring a port; service entries default to not requiring one unless they
// declare a health path.
func (m *Manifest) Units(dir string) []Unit {
	var result []Unit

	if m.UI != nil {
		requiresPort := true
		if m.UI.RequiresPort != nil {
			requiresPort = *m.UI.RequiresPort
		}
		result = append(result, Unit{
			Name:          m.Name + "-ui",
			Kind:          KindUI,
			Extension:     m.Name,
			Dir:           dir,
			Command:       m.UI.Command,
			RequiresPort:  requiresPort,
			HealthPath:    m.UI.HealthPath,
			RestartPolicy: defaultedPolicy(m.UI.RestartPolicy),
		})
	}

	for _, service := range m.Services {
		requiresPort := service.HealthPath != ""
		if service.RequiresPort != nil {
			requiresPort = *service.RequiresPort
		}
		result = append(result, Unit{
			Name:          m.Name + "-" + service.Name,
			Kind:          KindService,
			Extension:     m.Name,
			Dir:           dir,
			Command:       service.Command,
			RequiresPort:  requiresPort,
			HealthPath:    service.HealthPath,
			RestartPolicy: defaultedPolicy(service.RestartPolicy),
		})
	}

	return result
}

func defaultedPolicy(policy RestartPolicy) RestartPolicy {
	if policy == "" {
		return RestartAlways
	}
	return policy
}
