package config

import (
	"os"

	"github.com/hub-tools/hub-supervisor/pkg/logging"
)

// Deployment-level settings that may be overridden from the environment.
// Only this small fixed set is override-able; everything else in the store
// belongs to the admin surface.
var envOverrides = map[string]string{
	"base_url":    "HUB_BASE_URL",
	"auth_domain": "HUB_AUTH_DOMAIN",
	"data_dir":    "HUB_DATA_DIR",
	"log_level":   "HUB_LOG_LEVEL",
}

// ApplyEnvOverrides folds environment-sourced deployment fields into the
// loaded configuration. Overrides are in-memory only: they are not written
// back to the store file.
func ApplyEnvOverrides(cfg *HubConfig, logger logging.Logger) {
	for key, envName := range envOverrides {
		value, found := os.LookupEnv(envName)
		if !found {
			continue
		}
		logger.Debugf("Applying environment override, setting: %s, env: %s", key, envName)
		cfg.Settings[key] = value
	}
}
