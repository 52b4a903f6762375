package extservices

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
)

// CommandSpec is one opaque invocable capability of an external service:
// a command line plus an optional substring the combined output must contain
// for the invocation to count as successful.
type CommandSpec struct {
	Command     []string `json:"command"`
	ExpectMatch string   `json:"expect_match,omitempty"`
}

// Commands are the four capabilities an external service declares. The
// supervisor stays decoupled from any particular container runtime by only
// ever invoking these.
type Commands struct {
	Install     CommandSpec `json:"install"`
	Start       CommandSpec `json:"start"`
	Stop        CommandSpec `json:"stop"`
	HealthCheck CommandSpec `json:"health_check"`
}

// Service is one externally managed containerized service.
type Service struct {
	Name      string   `json:"name"`
	Installed bool     `json:"installed"`
	Commands  Commands `json:"commands"`
}

// ServiceStatus is the coarse status folded into the runtime state table.
type ServiceStatus string

const (
	StatusNotInstalled ServiceStatus = "not-installed"
	StatusRunning      ServiceStatus = "running"
	StatusStopped      ServiceStatus = "stopped"
)

// Registry is the persisted record of known external services. The
// supervisor reads it on boot to fold service status into the runtime
// state; the update queue applier mutates it for install/uninstall
// operations.
type Registry struct {
	path     string
	logger   logging.Logger
	mutex    sync.Mutex
	services map[string]*Service
}

// LoadRegistry reads the registry file. A missing file yields an empty
// registry; an unreadable one is a config error.
func LoadRegistry(path string, logger logging.Logger) (*Registry, error) {
	registry := &Registry{
		path:     path,
		logger:   logger,
		services: make(map[string]*Service),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return registry, nil
		}
		return nil, errors.NewConfigError("failed to read external services registry", err).WithContext("path", path)
	}

	var services []*Service
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, errors.NewConfigError("failed to parse external services registry", err).WithContext("path", path)
	}
	for _, service := range services {
		registry.services[service.Name] = service
	}
	return registry, nil
}

// List returns all known services sorted by name.
func (r *Registry) List() []Service {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	result := make([]Service, 0, len(r.services))
	for _, service := range r.services {
		result = append(result, *service)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Status probes one service. Not-installed services are never probed: the
// supervisor must not touch services that were not explicitly installed.
func (r *Registry) Status(ctx context.Context, name string) (ServiceStatus, error) {
	r.mutex.Lock()
	service, exists := r.services[name]
	r.mutex.Unlock()
	if !exists {
		return "", errors.NewNotFoundError("unknown external service", nil).WithContext("service", name)
	}
	if !service.Installed {
		return StatusNotInstalled, nil
	}
	if err := r.invoke(ctx, name, service.Commands.HealthCheck); err != nil {
		return StatusStopped, nil
	}
	return StatusRunning, nil
}

// Start runs the service's start capability. Refused for services that are
// not installed.
func (r *Registry) Start(ctx context.Context, name string) error {
	service, err := r.installedService(name)
	if err != nil {
		return err
	}
	return r.invoke(ctx, name, service.Commands.Start)
}

// Stop runs the service's stop capability.
func (r *Registry) Stop(ctx context.Context, name string) error {
	service, err := r.installedService(name)
	if err != nil {
		return err
	}
	return r.invoke(ctx, name, service.Commands.Stop)
}

// Install runs the install capability and marks the service installed.
func (r *Registry) Install(ctx context.Context, name string) error {
	r.mutex.Lock()
	service, exists := r.services[name]
	r.mutex.Unlock()
	if !exists {
		return errors.NewNotFoundError("unknown external service", nil).WithContext("service", name)
	}

	if err := r.invoke(ctx, name, service.Commands.Install); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	service.Installed = true
	return r.saveUnderLock()
}

// Uninstall stops the service if possible and marks it not installed.
func (r *Registry) Uninstall(ctx context.Context, name string) error {
	r.mutex.Lock()
	service, exists := r.services[name]
	r.mutex.Unlock()
	if !exists {
		return errors.NewNotFoundError("unknown external service", nil).WithContext("service", name)
	}

	if service.Installed {
		if err := r.invoke(ctx, name, service.Commands.Stop); err != nil {
			r.logger.Warnf("Failed to stop external service during uninstall, service: %s, error: %v", name, err)
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	service.Installed = false
	return r.saveUnderLock()
}

// Define registers or replaces a service declaration and persists the
// registry. Used by the applier when a queue operation carries a new
// service definition.
func (r *Registry) Define(service Service) error {
	if service.Name == "" {
		return errors.NewValidationError("service name cannot be empty", nil)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	copied := service
	r.services[service.Name] = &copied
	return r.saveUnderLock()
}

func (r *Registry) installedService(name string) (*Service, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	service, exists := r.services[name]
	if !exists {
		return nil, errors.NewNotFoundError("unknown external service", nil).WithContext("service", name)
	}
	if !service.Installed {
		return nil, errors.NewValidationError("external service is not installed", nil).WithContext("service", name)
	}
	return service, nil
}

// invoke runs one capability command and checks its combined output against
// the declared match, if any.
func (r *Registry) invoke(ctx context.Context, name string, spec CommandSpec) error {
	if len(spec.Command) == 0 {
		return errors.NewValidationError("service capability has no command", nil).WithContext("service", name)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.NewProcessError("service command failed", err).
			WithContext("service", name).WithContext("output", strings.TrimSpace(string(output)))
	}

	if spec.ExpectMatch != "" && !strings.Contains(string(output), spec.ExpectMatch) {
		return errors.NewProcessError("service command output did not match expectation", nil).
			WithContext("service", name).WithContext("expected", spec.ExpectMatch).
			WithContext("output", strings.TrimSpace(string(output)))
	}

	r.logger.Debugf("External service command succeeded, service: %s, command: %s", name, spec.Command[0])
	return nil
}

func (r *Registry) saveUnderLock() error {
	services := make([]*Service, 0, len(r.services))
	for _, service := range r.services {
		services = append(services, service)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	data, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal external services registry", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return errors.NewIOError("failed to write external services registry", err).WithContext("path", r.path)
	}
	return nil
}
