package units

import (
	"regexp"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
)

// Kind classifies a managed unit and selects its port range class.
type Kind string

const (
	// KindCore is a fixed core service (web frontend, agent API, tool server).
	KindCore Kind = "core"

	// KindUI is an extension's user-facing instance.
	KindUI Kind = "ui"

	// KindService is an extension's background service.
	KindService Kind = "service"

	// KindExternal is an externally managed containerized service. The
	// supervisor reports its status but does not own its lifecycle.
	KindExternal Kind = "external"
)

// RestartPolicy controls whether the health monitor may restart a unit.
type RestartPolicy string

const (
	RestartAlways RestartPolicy = "always"
	RestartNever  RestartPolicy = "never"
)

// Unit describes one process the supervisor owns: how to start it, whether
// it needs a port from the ledger, and how to health-check it.
type Unit struct {
	Name          string
	Kind          Kind
	Extension     string // owning extension name; empty for core units
	Dir           string
	Command       []string
	RequiresPort  bool
	HealthPath    string
	RestartPolicy RestartPolicy
}

var unitNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateUnitName checks a unit name for use as a stable key in the port
// ledger, the runtime state table, and environment variable export.
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}
	if len(name) > 64 {
		return errors.NewValidationError("unit name too long (max 64 characters)", nil).WithContext("name", name)
	}
	if !unitNamePattern.MatchString(name) {
		return errors.NewValidationError("unit name must be lowercase alphanumeric with '.', '_' or '-'", nil).WithContext("name", name)
	}
	return nil
}

// ValidateUnit checks a unit descriptor before it is handed to the runner.
func ValidateUnit(unit Unit) error {
	if err := ValidateUnitName(unit.Name); err != nil {
		return err
	}
	switch unit.Kind {
	case KindCore, KindUI, KindService, KindExternal:
	default:
		return errors.NewValidationError("unknown unit kind", nil).WithContext("name", unit.Name).WithContext("kind", string(unit.Kind))
	}
	if unit.Kind != KindExternal && len(unit.Command) == 0 {
		return errors.NewValidationError("unit command cannot be empty", nil).WithContext("name", unit.Name)
	}
	if unit.HealthPath != "" && unit.HealthPath[0] != '/' {
		return errors.NewValidationError("health path must start with '/'", nil).WithContext("name", unit.Name).WithContext("health_path", unit.HealthPath)
	}
	if unit.HealthPath != "" && !unit.RequiresPort {
		return errors.NewValidationError("unit with a health path must require a port", nil).WithContext("name", unit.Name)
	}
	return nil
}
