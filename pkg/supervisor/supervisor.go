package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	hubconfig "github.com/hub-tools/hub-supervisor/pkg/config"
	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/extservices"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/monitoring"
	"github.com/hub-tools/hub-supervisor/pkg/ports"
	"github.com/hub-tools/hub-supervisor/pkg/process"
	"github.com/hub-tools/hub-supervisor/pkg/processfile"
	"github.com/hub-tools/hub-supervisor/pkg/units"
	"github.com/hub-tools/hub-supervisor/pkg/updatequeue"
)

// unitEntry tracks one live unit: its descriptor, assigned port and process
// handle.
type unitEntry struct {
	unit   units.Unit
	port   *int
	handle *process.Handle
}

// Supervisor boots the fleet, owns the process runner, port ledger and
// health monitor during normal operation, and serves the control API.
type Supervisor struct {
	config   Config
	logger   logging.Logger
	store    *hubconfig.Store
	ledger   *ports.Ledger
	runner   *process.Runner
	monitor  *monitoring.Monitor
	services *extservices.Registry
	runtime  *RuntimeState
	pidFiles *processfile.Manager

	mutex        sync.Mutex
	entries      map[string]*unitEntry
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewSupervisor(config Config, logger logging.Logger) (*Supervisor, error) {
	if err := ValidateConfig(&config); err != nil {
		return nil, errors.NewValidationError("invalid supervisor configuration", err)
	}

	store := hubconfig.NewStore(config.StorePath(), logger)
	ledger, err := ports.NewLedger(store, config.Ports, logger)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		config:     config,
		logger:     logger,
		store:      store,
		ledger:     ledger,
		runner:     process.NewRunner(config.LogDir(), logger),
		runtime:    NewRuntimeState(config.RuntimePath(), logger),
		pidFiles:   processfile.NewManager(config.RunDir(), logger),
		entries:    make(map[string]*unitEntry),
		shutdownCh: make(chan struct{}),
	}

	s.monitor = monitoring.NewMonitor(config.Health, monitoring.Callbacks{
		Restart:  s.restartUnitProcess,
		Stop:     s.stopUnitProcess,
		OnStatus: s.onHealthStatus,
	}, logger)

	return s, nil
}

// Run executes the startup sequence and then blocks serving the control API
// until the context is cancelled or a full-system restart is requested.
// When a pending update queue is found, Run hands off to the applier and
// returns immediately with handedOff=true; the caller must exit 0 without
// taking further action.
func (s *Supervisor) Run(ctx context.Context) (handedOff bool, err error) {
	// Step 1: pending update queue wins over everything else this boot.
	// A live applier owns the apply window outright; while one is running
	// the supervisor exits without starting anything, so repeated respawns
	// by the bootstrap monitor cannot stack up concurrent appliers. A
	// claimed queue with no applier behind it is a crashed apply and gets
	// handed off again.
	if pid, err := s.pidFiles.ReadLive(updatequeue.ApplierPIDName); err == nil && pid != 0 {
		s.logger.Infof("Update queue apply in progress, applier PID: %d; supervisor exiting", pid)
		return true, nil
	}
	if updatequeue.Exists(s.config.QueuePath()) || updatequeue.Exists(updatequeue.ClaimedPath(s.config.QueuePath())) {
		return true, s.handOffToApplier()
	}

	s.pidFiles.CleanupStale(SupervisorPIDName)
	if err := s.pidFiles.Write(SupervisorPIDName, os.Getpid()); err != nil {
		return false, err
	}
	defer s.pidFiles.Remove(SupervisorPIDName)

	// Step 2: create or load the configuration store.
	cfg, err := s.loadOrCreateStore()
	if err != nil {
		return false, err
	}
	hubconfig.ApplyEnvOverrides(cfg, s.logger)

	// Step 3: merge store settings into each unit's local settings file.
	if err := hubconfig.SyncUnitSettings(cfg, s.config.ExtensionsDir, s.logger); err != nil {
		// Per-unit settings trouble is a unit-level concern; it must not
		// keep the rest of the fleet down.
		s.logger.Warnf("Some unit settings could not be synced: %v", err)
	}

	// Step 4: discard and rebuild runtime state.
	if err := s.runtime.Reset(); err != nil {
		return false, err
	}

	// Step 5: start core units in fixed order, then discovered extensions.
	if err := s.startFleet(ctx, cfg); err != nil {
		// Units already launched this boot must not be orphaned.
		s.shutdown()
		return false, err
	}

	// Step 6: fold external service status into the runtime state.
	if err := s.loadExternalServices(ctx); err != nil {
		s.shutdown()
		return false, err
	}

	// Step 7: health monitoring in the background.
	if err := s.monitor.Start(ctx); err != nil {
		s.shutdown()
		return false, err
	}

	// Step 8: control API.
	s.logger.Infof("Supervisor is up, control API on 127.0.0.1:%d", s.config.ControlPort)
	err = s.serveControlAPI(ctx)

	s.shutdown()
	return false, err
}

// RequestShutdown triggers a graceful full-system stop. The bootstrap
// monitor restarts the supervisor afterwards, which re-runs the whole boot
// sequence (including the queue check).
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// applierCommand builds the full hand-off command line, carrying the
// configuration file and repository root across the process boundary.
func (s *Supervisor) applierCommand() []string {
	command := append([]string{}, s.config.ApplierCommand...)
	if s.config.SourcePath != "" {
		command = append(command, "--config", s.config.SourcePath)
	}
	if s.config.RepoRoot != "" {
		command = append(command, "--repo-root", s.config.RepoRoot)
	}
	return command
}

func (s *Supervisor) handOffToApplier() error {
	command := s.applierCommand()
	s.logger.Infof("Pending update queue found, handing off to applier: %v", command)

	logPath := ""
	if err := os.MkdirAll(s.config.LogDir(), 0o755); err == nil {
		logPath = s.config.LogDir() + string(os.PathSeparator) + "queueapply.log"
	}

	pid, err := process.StartDetached(command, logPath)
	if err != nil {
		return errors.NewProcessError("failed to start update queue applier", err)
	}
	s.logger.Infof("Update queue applier started, PID: %d; supervisor exiting", pid)
	return nil
}

func (s *Supervisor) loadOrCreateStore() (*hubconfig.HubConfig, error) {
	if !s.store.Exists() {
		return s.store.CreateDefault()
	}
	cfg, err := s.store.Load()
	if err != nil {
		// Never fabricate a replacement store over existing unit data.
		return nil, err
	}
	return cfg, nil
}

func (s *Supervisor) startFleet(ctx context.Context, cfg *hubconfig.HubConfig) error {
	for _, unit := range s.config.CoreUnitList() {
		if err := s.launchUnit(ctx, unit); err != nil {
			return err
		}
	}

	discovered, discoveryErrors := units.Discover(s.config.ExtensionsDir)
	for _, discoveryErr := range discoveryErrors {
		s.logger.Warnf("Extension discovery problem: %v", discoveryErr)
	}

	for _, unit := range discovered {
		entry, known := cfg.Units[unit.Extension]
		if !known || !entry.Enabled {
			s.logger.Debugf("Skipping unit of disabled extension, unit: %s, extension: %s", unit.Name, unit.Extension)
			continue
		}
		if err := s.launchUnit(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// launchUnit assigns a port, starts the process with the full port table in
// its environment, and registers it with the runtime state and health
// monitor. Port exhaustion aborts the boot.
func (s *Supervisor) launchUnit(ctx context.Context, unit units.Unit) error {
	port, err := s.ledger.Assign(unit.Kind, unit.Name, unit.RequiresPort)
	if err != nil {
		return err
	}

	env, err := s.portEnvironment()
	if err != nil {
		return err
	}

	handle, err := s.runner.Start(ctx, unit, port, env)
	if err != nil {
		return errors.NewProcessError("failed to start unit", err).WithContext("unit", unit.Name)
	}

	s.mutex.Lock()
	s.entries[unit.Name] = &unitEntry{unit: unit, port: port, handle: handle}
	s.mutex.Unlock()

	s.runtime.Set(unit.Name, UnitRuntime{
		PID:    handle.PID(),
		Port:   port,
		Status: string(monitoring.StatusHealthy),
	})
	s.monitor.Track(unit.Name, port, unit.HealthPath, unit.RestartPolicy)
	return nil
}

// portEnvironment exports the full current port table so units can discover
// each other without a shared directory service.
func (s *Supervisor) portEnvironment() ([]string, error) {
	table, err := s.ledger.Table()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		port := table[key]
		if port == nil {
			continue
		}
		env = append(env, fmt.Sprintf("HUB_PORT_%s=%d", envName(key), *port))
	}
	env = append(env, fmt.Sprintf("HUB_CONTROL_PORT=%d", s.config.ControlPort))
	return env, nil
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

func (s *Supervisor) loadExternalServices(ctx context.Context) error {
	registry, err := extservices.LoadRegistry(s.config.ServicesPath(), s.logger)
	if err != nil {
		return err
	}
	s.services = registry

	for _, service := range registry.List() {
		status, err := registry.Status(ctx, service.Name)
		if err != nil {
			s.logger.Warnf("Failed to probe external service, service: %s, error: %v", service.Name, err)
			continue
		}
		s.runtime.Set(service.Name, UnitRuntime{Status: string(status)})
	}
	return nil
}

// restartUnitProcess stops and starts one unit, keeping its port. Used by
// both scheduled and manual restarts; serialization per unit is owned by
// the health monitor.
func (s *Supervisor) restartUnitProcess(ctx context.Context, name string) error {
	if err := s.stopUnitProcess(ctx, name); err != nil {
		s.logger.Warnf("Stop before restart reported an error, unit: %s, error: %v", name, err)
	}
	return s.startUnitProcess(ctx, name)
}

func (s *Supervisor) stopUnitProcess(ctx context.Context, name string) error {
	s.mutex.Lock()
	entry, exists := s.entries[name]
	var handle *process.Handle
	if exists {
		handle = entry.handle
		entry.handle = nil
	}
	s.mutex.Unlock()

	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	if handle == nil {
		return nil
	}

	err := s.runner.Stop(ctx, handle, s.config.StopGraceTimeout)
	s.runtime.Set(name, UnitRuntime{Port: entry.port, Status: "stopped"})
	return err
}

func (s *Supervisor) startUnitProcess(ctx context.Context, name string) error {
	s.mutex.Lock()
	entry, exists := s.entries[name]
	s.mutex.Unlock()
	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}

	env, err := s.portEnvironment()
	if err != nil {
		return err
	}

	handle, err := s.runner.Start(ctx, entry.unit, entry.port, env)
	if err != nil {
		s.runtime.SetStatus(name, string(monitoring.StatusFailed))
		return err
	}

	s.mutex.Lock()
	entry.handle = handle
	s.mutex.Unlock()

	s.runtime.Set(name, UnitRuntime{
		PID:    handle.PID(),
		Port:   entry.port,
		Status: string(monitoring.StatusHealthy),
	})
	return nil
}

func (s *Supervisor) onHealthStatus(name string, status monitoring.UnitStatus) {
	s.runtime.SetStatus(name, string(status))
}

// shutdown stops the monitor and the whole fleet. Individual stop failures
// are collected and logged; shutdown always runs to completion.
func (s *Supervisor) shutdown() {
	s.logger.Infof("Supervisor shutting down")

	s.monitor.Stop()

	s.mutex.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mutex.Unlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ForceShutdownTimeout)
	defer cancel()

	collection := errors.NewErrorCollection()
	for _, name := range names {
		if err := s.stopUnitProcess(ctx, name); err != nil {
			collection.Add(errors.NewProcessError("failed to stop unit", err).WithContext("unit", name))
		}
	}
	if collection.HasErrors() {
		s.logger.Errorf("Some units failed to stop: %v", collection.Error())
	}

	s.logger.Infof("Supervisor stopped")
}
