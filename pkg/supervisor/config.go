package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/monitoring"
	"github.com/hub-tools/hub-supervisor/pkg/ports"
	"github.com/hub-tools/hub-supervisor/pkg/units"

	"gopkg.in/yaml.v3"
)

// CoreUnitConfig declares one fixed core unit (web frontend, agent API,
// tool server). Core units start before any extension, in the order listed.
type CoreUnitConfig struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command"`
	Dir          string   `yaml:"dir,omitempty"`
	HealthPath   string   `yaml:"health_path,omitempty"`
	RequiresPort *bool    `yaml:"requires_port,omitempty"` // pointer to distinguish unset from false
}

// Config is the supervisor's deployment configuration file.
type Config struct {
	ControlPort          int                `yaml:"control_port,omitempty"`
	DataDir              string             `yaml:"data_dir,omitempty"`
	ExtensionsDir        string             `yaml:"extensions_dir,omitempty"`
	CoreUnits            []CoreUnitConfig   `yaml:"core_units"`
	Health               monitoring.Options `yaml:"health,omitempty"`
	Ports                ports.Ranges       `yaml:"ports,omitempty"`
	StopGraceTimeout     time.Duration      `yaml:"stop_grace_timeout,omitempty"`
	ForceShutdownTimeout time.Duration      `yaml:"force_shutdown_timeout,omitempty"`

	// ApplierCommand launches the update queue applier when a pending queue
	// is found at boot. Defaults to the hub-queueapply binary next to the
	// supervisor executable.
	ApplierCommand []string `yaml:"applier_command,omitempty"`

	// RepoRoot is the hub repository checkout that core-version updates
	// operate on. Core updates are refused when it is unset.
	RepoRoot string `yaml:"repo_root,omitempty"`

	// SourcePath is the file the configuration was loaded from. It is
	// appended to the applier command at hand-off so the applier can reload
	// the same configuration.
	SourcePath string `yaml:"-"`
}

// Derived file locations under the data directory.

func (c *Config) StorePath() string    { return filepath.Join(c.DataDir, "hub.json") }
func (c *Config) RuntimePath() string  { return filepath.Join(c.DataDir, "runtime.json") }
func (c *Config) QueuePath() string    { return filepath.Join(c.DataDir, "update-queue.json") }
func (c *Config) ServicesPath() string { return filepath.Join(c.DataDir, "services.json") }
func (c *Config) LogDir() string       { return filepath.Join(c.DataDir, "logs") }
func (c *Config) RunDir() string       { return filepath.Join(c.DataDir, "run") }

// SupervisorPIDName is the PID file name the bootstrap monitor watches.
const SupervisorPIDName = "supervisord"

// LoadConfigFromFile loads supervisor configuration from a YAML file and
// applies defaults.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)
	config.SourcePath = filename
	return &config, nil
}

func setConfigDefaults(config *Config) {
	if config.ControlPort == 0 {
		config.ControlPort = 4700
	}
	if config.DataDir == "" {
		config.DataDir = "data"
	}
	if config.ExtensionsDir == "" {
		config.ExtensionsDir = "extensions"
	}
	if config.Health.Interval == 0 && config.Health.Timeout == 0 &&
		config.Health.FailureThreshold == 0 && config.Health.RestartBudget == 0 {
		config.Health = monitoring.DefaultOptions()
	}
	zero := ports.Ranges{}
	if config.Ports == zero {
		config.Ports = ports.DefaultRanges()
	}
	if config.StopGraceTimeout == 0 {
		config.StopGraceTimeout = 10 * time.Second
	}
	if config.ForceShutdownTimeout == 0 {
		config.ForceShutdownTimeout = 30 * time.Second
	}
	if len(config.ApplierCommand) == 0 {
		config.ApplierCommand = defaultApplierCommand()
	}
}

func defaultApplierCommand() []string {
	executable, err := os.Executable()
	if err != nil {
		return []string{"hub-queueapply"}
	}
	return []string{filepath.Join(filepath.Dir(executable), "hub-queueapply")}
}

// ValidateConfig validates the entire configuration structure.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if config.ControlPort <= 0 || config.ControlPort > 65535 {
		return errors.NewValidationError("control port out of range", nil).WithContext("port", config.ControlPort)
	}
	if err := monitoring.ValidateOptions(config.Health); err != nil {
		return errors.NewValidationError("invalid health options", err)
	}
	if err := ports.ValidateRanges(config.Ports); err != nil {
		return errors.NewValidationError("invalid port ranges", err)
	}
	if config.ControlPort >= config.Ports.UIMin && config.ControlPort <= config.Ports.UIMax {
		return errors.NewValidationError("control port falls inside the UI port range", nil).WithContext("port", config.ControlPort)
	}
	if config.ControlPort >= config.Ports.ServiceMin && config.ControlPort <= config.Ports.ServiceMax {
		return errors.NewValidationError("control port falls inside the service port range", nil).WithContext("port", config.ControlPort)
	}

	seen := make(map[string]bool)
	for i, core := range config.CoreUnits {
		if err := units.ValidateUnitName(core.Name); err != nil {
			return errors.NewValidationError("invalid core unit name", err).WithContext("index", i)
		}
		if seen[core.Name] {
			return errors.NewValidationError("duplicate core unit name", nil).WithContext("name", core.Name)
		}
		seen[core.Name] = true
		if len(core.Command) == 0 {
			return errors.NewValidationError("core unit command cannot be empty", nil).WithContext("name", core.Name)
		}
	}
	return nil
}

// CoreUnitList expands the configured core units into unit descriptors,
// preserving declaration order.
func (c *Config) CoreUnitList() []units.Unit {
	result := make([]units.Unit, 0, len(c.CoreUnits))
	for _, core := range c.CoreUnits {
		requiresPort := true
		if core.RequiresPort != nil {
			requiresPort = *core.RequiresPort
		}
		result = append(result, units.Unit{
			Name:          core.Name,
			Kind:          units.KindCore,
			Dir:           core.Dir,
			Command:       core.Command,
			RequiresPort:  requiresPort,
			HealthPath:    core.HealthPath,
			RestartPolicy: units.RestartAlways,
		})
	}
	return result
}

// ConfigSummary provides a high-level overview for operational visibility.
type ConfigSummary struct {
	ControlPort   int      `json:"control_port"`
	DataDir       string   `json:"data_dir"`
	ExtensionsDir string   `json:"extensions_dir"`
	CoreUnits     []string `json:"core_units"`
}

func GetConfigSummary(config *Config) ConfigSummary {
	summary := ConfigSummary{
		ControlPort:   config.ControlPort,
		DataDir:       config.DataDir,
		ExtensionsDir: config.ExtensionsDir,
	}
	for _, core := range config.CoreUnits {
		summary.CoreUnits = append(summary.CoreUnits, core.Name)
	}
	return summary
}
