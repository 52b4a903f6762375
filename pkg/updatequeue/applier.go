package updatequeue

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	hubconfig "github.com/hub-tools/hub-supervisor/pkg/config"
	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/extservices"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/process"
	"github.com/hub-tools/hub-supervisor/pkg/processfile"
	"github.com/hub-tools/hub-supervisor/pkg/units"
)

// ApplierPIDName is the PID file an applier holds for the duration of a run
// so the supervisor can tell a live apply from a crashed one.
const ApplierPIDName = "queueapply"

// ClaimedPath is where the queue file sits while an applier owns it. The
// supervisor treats the claimed file the same as a pending queue.
func ClaimedPath(queuePath string) string {
	return queuePath + ".applying"
}

// Options locates everything the applier touches. The applier runs with
// nothing else alive, so it owns the whole tree and has no timeout.
type Options struct {
	QueuePath     string
	ExtensionsDir string
	RepoRoot      string
	ServicesPath  string
	LogDir        string
	RunDir        string

	// RelaunchCommand is re-invoked as a detached process once the queue has
	// been applied and deleted. The hand-off path points it at the supervisor
	// binary; the bootstrap monitor that spawned that supervisor stays alive
	// across the apply and keeps watching the relaunched one.
	RelaunchCommand []string
}

// Applier performs the queued repository mutations in fixed phases, each
// completing fully before the next begins. Failures in the mutation phases
// are isolated per operation; the snapshot write, queue deletion and reboot
// always run so one bad operation can never leave the system unbootable.
type Applier struct {
	options Options
	store   *hubconfig.Store
	logger  logging.Logger
}

func NewApplier(options Options, store *hubconfig.Store, logger logging.Logger) *Applier {
	return &Applier{
		options: options,
		store:   store,
		logger:  logger,
	}
}

// Apply runs all phases and hands control back to the supervisor. The PID
// file and the queue claim together make the apply window single-owner: a
// second applier started during a run fails to claim, and a supervisor
// booted during a run sees the live PID and exits without spawning another.
func (a *Applier) Apply(ctx context.Context) error {
	if a.options.RunDir != "" {
		pidFiles := processfile.NewManager(a.options.RunDir, a.logger)
		pidFiles.CleanupStale(ApplierPIDName)
		if err := pidFiles.Write(ApplierPIDName, os.Getpid()); err != nil {
			return err
		}
		defer pidFiles.Remove(ApplierPIDName)
	}

	claimed, err := a.claimQueue()
	if err != nil {
		return err
	}
	queue, err := Load(claimed)
	if err != nil {
		return err
	}

	a.logger.Infof("Applying update queue, operations: %d", len(queue.Operations))

	a.applyDeletes(queue.Operations)
	a.applyInstalls(ctx, queue.Operations)
	a.applyUpdates(ctx, queue.Operations)
	a.applyCoreUpdate(ctx, queue.Operations)
	a.installDependencies(ctx)

	// Phases 6-8 run regardless of earlier per-operation failures.
	if err := a.store.Replace(queue.Snapshot); err != nil {
		a.logger.Errorf("Failed to apply configuration snapshot: %v", err)
	}

	if err := os.Remove(claimed); err != nil && !os.IsNotExist(err) {
		a.logger.Errorf("Failed to delete update queue file: %v", err)
	}

	return a.relaunch()
}

// claimQueue takes exclusive ownership of the pending queue by renaming it.
// A claimed file with no live applier behind it is a crashed run; it is
// picked up again so the queued operations are never silently lost.
func (a *Applier) claimQueue() (string, error) {
	claimed := ClaimedPath(a.options.QueuePath)
	if err := os.Rename(a.options.QueuePath, claimed); err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(claimed); statErr == nil {
				a.logger.Infof("Resuming previously claimed update queue: %s", claimed)
				return claimed, nil
			}
			return "", errors.NewNotFoundError("update queue does not exist", err).WithContext("path", a.options.QueuePath)
		}
		return "", errors.NewIOError("failed to claim update queue", err).WithContext("path", a.options.QueuePath)
	}
	return claimed, nil
}

// Phase 1: delete units named in delete operations.
func (a *Applier) applyDeletes(operations []Operation) {
	for _, op := range operations {
		if op.Kind != OpDelete {
			continue
		}
		dir := filepath.Join(a.options.ExtensionsDir, op.Name)
		a.logger.Infof("Deleting unit, name: %s, dir: %s", op.Name, dir)
		if err := os.RemoveAll(dir); err != nil {
			a.logger.Errorf("Failed to delete unit, name: %s, error: %v", op.Name, err)
		}
	}
}

// Phase 2: install new units from their source descriptors.
func (a *Applier) applyInstalls(ctx context.Context, operations []Operation) {
	for _, op := range operations {
		if op.Kind != OpInstall && op.Kind != OpServiceInstall && op.Kind != OpServiceUninstall {
			continue
		}
		switch op.Kind {
		case OpInstall:
			if err := a.installUnit(ctx, op.Name, op.Source); err != nil {
				a.logger.Errorf("Failed to install unit, name: %s, error: %v", op.Name, err)
			}
		case OpServiceInstall:
			if err := a.installService(ctx, op); err != nil {
				a.logger.Errorf("Failed to install external service, name: %s, error: %v", op.Name, err)
			}
		case OpServiceUninstall:
			if err := a.uninstallService(ctx, op.Name); err != nil {
				a.logger.Errorf("Failed to uninstall external service, name: %s, error: %v", op.Name, err)
			}
		}
	}
}

// Phase 3: update existing units in place.
func (a *Applier) applyUpdates(ctx context.Context, operations []Operation) {
	for _, op := range operations {
		if op.Kind != OpUpdate {
			continue
		}
		if err := a.updateUnit(ctx, op.Name, op.Source); err != nil {
			a.logger.Errorf("Failed to update unit, name: %s, error: %v", op.Name, err)
		}
	}
}

// Phase 4: apply a core-version bump to the repository root.
func (a *Applier) applyCoreUpdate(ctx context.Context, operations []Operation) {
	for _, op := range operations {
		if op.Kind != OpCoreUpdate {
			continue
		}
		if a.options.RepoRoot == "" {
			// Without an explicit root the git calls would run in whatever
			// directory the applier inherited.
			a.logger.Errorf("Core update to %s skipped, no repository root configured", op.Version)
			continue
		}
		a.logger.Infof("Updating core to version %s", op.Version)
		if err := a.git(ctx, a.options.RepoRoot, "fetch", "--all", "--tags"); err != nil {
			a.logger.Errorf("Core update fetch failed: %v", err)
			continue
		}
		if err := a.git(ctx, a.options.RepoRoot, "reset", "--hard", op.Version); err != nil {
			a.logger.Errorf("Core update reset failed: %v", err)
		}
	}
}

// Phase 5: install declared dependencies for the core and for every unit.
func (a *Applier) installDependencies(ctx context.Context) {
	if a.options.RepoRoot != "" {
		if manifest, err := units.LoadManifest(a.options.RepoRoot); err == nil && len(manifest.Install) > 0 {
			if err := a.runInstall(ctx, a.options.RepoRoot, manifest.Install); err != nil {
				a.logger.Errorf("Core dependency install failed: %v", err)
			}
		}
	}

	entries, err := os.ReadDir(a.options.ExtensionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Errorf("Failed to read extensions directory: %v", err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.options.ExtensionsDir, entry.Name())
		manifest, err := units.LoadManifest(dir)
		if err != nil || len(manifest.Install) == 0 {
			continue
		}
		if err := a.runInstall(ctx, dir, manifest.Install); err != nil {
			a.logger.Errorf("Dependency install failed, unit: %s, error: %v", entry.Name(), err)
		}
	}
}

func (a *Applier) installUnit(ctx context.Context, name string, source *hubconfig.UnitSource) error {
	if err := units.ValidateUnitName(name); err != nil {
		return err
	}
	if source == nil {
		return errors.NewValidationError("install operation has no source", nil).WithContext("name", name)
	}

	target := filepath.Join(a.options.ExtensionsDir, name)
	if err := os.MkdirAll(a.options.ExtensionsDir, 0o755); err != nil {
		return errors.NewIOError("failed to create extensions directory", err)
	}

	switch {
	case source.Archive != "":
		a.logger.Infof("Installing unit from archive, name: %s, archive: %s", name, source.Archive)
		if err := os.RemoveAll(target); err != nil {
			return errors.NewIOError("failed to clear install target", err).WithContext("target", target)
		}
		if err := os.Rename(source.Archive, target); err != nil {
			return errors.NewIOError("failed to move uploaded archive into place", err).WithContext("archive", source.Archive)
		}
		return nil

	case source.Repo != "" && source.Subdir == "":
		a.logger.Infof("Installing unit from repository, name: %s, repo: %s", name, source.Repo)
		if err := os.RemoveAll(target); err != nil {
			return errors.NewIOError("failed to clear install target", err).WithContext("target", target)
		}
		return a.git(ctx, "", "clone", "--depth", "1", source.Repo, target)

	case source.Repo != "":
		a.logger.Infof("Installing unit from repository subdirectory, name: %s, repo: %s, subdir: %s",
			name, source.Repo, source.Subdir)
		tmp, err := os.MkdirTemp("", "hub-install-*")
		if err != nil {
			return errors.NewIOError("failed to create temp clone directory", err)
		}
		defer os.RemoveAll(tmp)

		if err := a.git(ctx, "", "clone", "--depth", "1", source.Repo, tmp); err != nil {
			return err
		}
		scoped := filepath.Join(tmp, filepath.Clean(source.Subdir))
		if info, err := os.Stat(scoped); err != nil || !info.IsDir() {
			return errors.NewValidationError("source subdirectory not found in repository", err).
				WithContext("repo", source.Repo).WithContext("subdir", source.Subdir)
		}
		if err := os.RemoveAll(target); err != nil {
			return errors.NewIOError("failed to clear install target", err).WithContext("target", target)
		}
		if err := os.Rename(scoped, target); err != nil {
			return errors.NewIOError("failed to move subdirectory into place", err).WithContext("target", target)
		}
		return nil

	default:
		return errors.NewValidationError("install source declares neither repo nor archive", nil).WithContext("name", name)
	}
}

// updateUnit fast-forwards whole-repository units in place; everything else
// is delete-and-reinstall.
func (a *Applier) updateUnit(ctx context.Context, name string, source *hubconfig.UnitSource) error {
	target := filepath.Join(a.options.ExtensionsDir, name)

	if source != nil && source.Repo != "" && source.Subdir == "" {
		if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
			a.logger.Infof("Fast-forwarding unit, name: %s", name)
			if err := a.git(ctx, target, "fetch", "origin"); err != nil {
				return err
			}
			return a.git(ctx, target, "reset", "--hard", "origin/HEAD")
		}
	}

	a.logger.Infof("Reinstalling unit for update, name: %s", name)
	if err := os.RemoveAll(target); err != nil {
		return errors.NewIOError("failed to remove unit for reinstall", err).WithContext("target", target)
	}
	return a.installUnit(ctx, name, source)
}

func (a *Applier) installService(ctx context.Context, op Operation) error {
	registry, err := extservices.LoadRegistry(a.options.ServicesPath, a.logger)
	if err != nil {
		return err
	}
	if op.Service != nil {
		if err := registry.Define(*op.Service); err != nil {
			return err
		}
	}
	return registry.Install(ctx, op.Name)
}

func (a *Applier) uninstallService(ctx context.Context, name string) error {
	registry, err := extservices.LoadRegistry(a.options.ServicesPath, a.logger)
	if err != nil {
		return err
	}
	return registry.Uninstall(ctx, name)
}

func (a *Applier) runInstall(ctx context.Context, dir string, command []string) error {
	a.logger.Infof("Running dependency install, dir: %s, command: %v", dir, command)
	return runCommand(ctx, dir, command, a.logger)
}

func (a *Applier) git(ctx context.Context, dir string, args ...string) error {
	command := append([]string{"git"}, args...)
	return runCommand(ctx, dir, command, a.logger)
}

func runCommand(ctx context.Context, dir string, command []string, logger logging.Logger) error {
	if len(command) == 0 {
		return errors.NewValidationError("command cannot be empty", nil)
	}
	output, err := execCommand(ctx, dir, command)
	if trimmed := strings.TrimSpace(output); trimmed != "" {
		logger.Debugf("Command output, command: %s: %s", command[0], trimmed)
	}
	if err != nil {
		return errors.NewProcessError("command failed", err).
			WithContext("command", strings.Join(command, " ")).
			WithContext("output", strings.TrimSpace(output))
	}
	return nil
}

// Phase 8: relaunch the supervisor and let it take over.
func (a *Applier) relaunch() error {
	if len(a.options.RelaunchCommand) == 0 {
		a.logger.Warnf("No relaunch command configured; not relaunching")
		return nil
	}

	logPath := ""
	if a.options.LogDir != "" {
		if err := os.MkdirAll(a.options.LogDir, 0o755); err == nil {
			logPath = filepath.Join(a.options.LogDir, "relaunch.log")
		}
	}

	pid, err := process.StartDetached(a.options.RelaunchCommand, logPath)
	if err != nil {
		return errors.NewProcessError("failed to relaunch supervisor", err)
	}
	a.logger.Infof("Supervisor relaunched, PID: %d", pid)
	return nil
}
