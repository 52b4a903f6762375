package supervisor

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
)

// UnitRuntime is one row of the runtime state table.
type UnitRuntime struct {
	PID    int    `json:"pid,omitempty"`
	Port   *int   `json:"port,omitempty"`
	Status string `json:"status"`
}

// RuntimeState is the ephemeral name-to-{pid, port, status} snapshot of the
// live fleet. It is rebuilt empty on every boot and is purely observational:
// it is never read back as configuration, so it is safe to discard.
type RuntimeState struct {
	path   string
	logger logging.Logger
	mutex  sync.Mutex
	table  map[string]UnitRuntime
}

func NewRuntimeState(path string, logger logging.Logger) *RuntimeState {
	return &RuntimeState{
		path:   path,
		logger: logger,
		table:  make(map[string]UnitRuntime),
	}
}

// Reset discards the table and rewrites the file as an empty set.
func (r *RuntimeState) Reset() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.table = make(map[string]UnitRuntime)
	return r.persistUnderLock()
}

// Set records or replaces a unit's row.
func (r *RuntimeState) Set(name string, runtime UnitRuntime) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.table[name] = runtime
	if err := r.persistUnderLock(); err != nil {
		r.logger.Warnf("Failed to persist runtime state: %v", err)
	}
}

// SetStatus updates only the status field of an existing row; unknown names
// get a row with just the status.
func (r *RuntimeState) SetStatus(name string, status string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	runtime := r.table[name]
	runtime.Status = status
	r.table[name] = runtime
	if err := r.persistUnderLock(); err != nil {
		r.logger.Warnf("Failed to persist runtime state: %v", err)
	}
}

// Remove drops a unit's row.
func (r *RuntimeState) Remove(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.table, name)
	if err := r.persistUnderLock(); err != nil {
		r.logger.Warnf("Failed to persist runtime state: %v", err)
	}
}

// Snapshot returns a copy of the table.
func (r *RuntimeState) Snapshot() map[string]UnitRuntime {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	snapshot := make(map[string]UnitRuntime, len(r.table))
	for name, runtime := range r.table {
		snapshot[name] = runtime
	}
	return snapshot
}

func (r *RuntimeState) persistUnderLock() error {
	data, err := json.MarshalIndent(r.table, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal runtime state", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return errors.NewIOError("failed to write runtime state", err).WithContext("path", r.path)
	}
	return nil
}
