package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"

	"github.com/tidwall/jsonc"
)

// SettingsFileName is the per-unit local settings file merged on boot.
const SettingsFileName = "settings.json"

// versionKey is never overwritten by the merge, even when the store also
// defines it for the unit.
const versionKey = "version"

// SyncUnitSettings merges store-held unit settings into each enabled unit's
// local settings file. The merge is a narrow key-intersection: only keys
// present in both the local file and the store entry are overwritten with
// the store's value; local-only keys are preserved; store-only keys are not
// added. The store's enablement flag and source descriptor are additionally
// written for the unit's own introspection, and a missing version field is
// generated.
func SyncUnitSettings(cfg *HubConfig, extensionsDir string, logger logging.Logger) error {
	collection := errors.NewErrorCollection()

	for name, entry := range cfg.Units {
		if !entry.Enabled {
			continue
		}
		path := filepath.Join(extensionsDir, name, SettingsFileName)
		if _, err := os.Stat(path); err != nil {
			// A unit without a local settings file has nothing to merge into.
			continue
		}
		if err := syncOne(path, name, entry, logger); err != nil {
			collection.Add(err)
		}
	}

	return collection.ToError()
}

func syncOne(path string, name string, entry UnitEntry, logger logging.Logger) error {
	local, err := ReadSettingsFile(path)
	if err != nil {
		return err
	}

	merged := 0
	for key, value := range entry.Settings {
		if key == versionKey {
			continue
		}
		if _, present := local[key]; present {
			local[key] = value
			merged++
		}
	}

	local["enabled"] = entry.Enabled
	if entry.Source != nil {
		local["source"] = map[string]interface{}{
			"repo":    entry.Source.Repo,
			"subdir":  entry.Source.Subdir,
			"archive": entry.Source.Archive,
		}
	}

	if _, present := local[versionKey]; !present {
		local[versionKey] = GenerateVersion()
		logger.Infof("Generated version for unit without one, unit: %s, version: %v", name, local[versionKey])
	}

	data, err := json.MarshalIndent(local, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal unit settings", err).WithContext("unit", name)
	}
	if err := atomicWrite(path, data); err != nil {
		return err
	}

	logger.Debugf("Unit settings synced, unit: %s, merged_keys: %d", name, merged)
	return nil
}

// ReadSettingsFile reads a unit's local settings file. Comments and trailing
// commas are tolerated since these files are hand-edited by extension
// authors.
func ReadSettingsFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read unit settings file", err).WithContext("path", path)
	}

	var local map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &local); err != nil {
		return nil, errors.NewValidationError("failed to parse unit settings file", err).WithContext("path", path)
	}
	if local == nil {
		local = make(map[string]interface{})
	}
	return local, nil
}

// GenerateVersion produces a version for units that do not declare one.
// The timestamp form keeps generated versions ordered and recognizable.
func GenerateVersion() string {
	return fmt.Sprintf("0.0.%d", time.Now().UTC().Unix())
}
