package updatequeue

import (
	"encoding/json"
	"os"

	hubconfig "github.com/hub-tools/hub-supervisor/pkg/config"
	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/extservices"
)

// OperationKind enumerates the queued mutation types.
type OperationKind string

const (
	OpDelete           OperationKind = "delete"
	OpInstall          OperationKind = "install"
	OpUpdate           OperationKind = "update"
	OpServiceInstall   OperationKind = "service_install"
	OpServiceUninstall OperationKind = "service_uninstall"
	OpCoreUpdate       OperationKind = "core_update"
)

// Operation is one queued mutation. Name identifies the extension or
// external service; Source and Service carry the payload for install
// operations; Version carries the core-version bump target.
type Operation struct {
	Kind    OperationKind         `json:"kind"`
	Name    string                `json:"name,omitempty"`
	Source  *hubconfig.UnitSource `json:"source,omitempty"`
	Service *extservices.Service  `json:"service,omitempty"`
	Version string                `json:"version,omitempty"`
}

// Queue is the durable batch: the operations to perform plus the full
// configuration snapshot to apply atomically afterwards.
type Queue struct {
	Operations []Operation          `json:"operations"`
	Snapshot   *hubconfig.HubConfig `json:"snapshot"`
}

// Load reads and validates the queue file.
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("update queue does not exist", err).WithContext("path", path)
		}
		return nil, errors.NewIOError("failed to read update queue", err).WithContext("path", path)
	}

	var queue Queue
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, errors.NewValidationError("failed to parse update queue", err).WithContext("path", path)
	}
	if queue.Snapshot == nil {
		return nil, errors.NewValidationError("update queue has no configuration snapshot", nil).WithContext("path", path)
	}
	return &queue, nil
}

// Exists reports whether a queue file is pending at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Write persists a queue. Exposed for the admin surface and tests.
func Write(path string, queue *Queue) error {
	if queue == nil || queue.Snapshot == nil {
		return errors.NewValidationError("queue and snapshot cannot be nil", nil)
	}
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal update queue", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewIOError("failed to write update queue", err).WithContext("path", path)
	}
	return nil
}
