package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
)

// UnitSource describes where a unit's code comes from: a remote repository
// reference (optionally scoped to a subdirectory) or a previously uploaded
// archive directory.
type UnitSource struct {
	Repo    string `json:"repo,omitempty"`
	Subdir  string `json:"subdir,omitempty"`
	Archive string `json:"archive,omitempty"`
}

// UnitEntry is the canonical per-unit record: enablement, source, and the
// user settings merged into the unit's local settings file on boot.
type UnitEntry struct {
	Enabled  bool                   `json:"enabled"`
	Source   *UnitSource            `json:"source,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// PortTables holds the persisted port ledger, one table per range class.
// A nil value records a unit that does not listen on the network.
type PortTables struct {
	UI       map[string]*int `json:"ui"`
	Services map[string]*int `json:"services"`
}

// HubConfig is the full shape of the configuration store file.
type HubConfig struct {
	Settings     map[string]interface{} `json:"settings"`
	Units        map[string]UnitEntry   `json:"units"`
	Capabilities map[string]bool        `json:"capabilities"`
	Ports        PortTables             `json:"ports"`
}

// NewDefaultHubConfig returns the empty but well-typed default shape written
// on first boot.
func NewDefaultHubConfig() *HubConfig {
	return &HubConfig{
		Settings:     make(map[string]interface{}),
		Units:        make(map[string]UnitEntry),
		Capabilities: make(map[string]bool),
		Ports: PortTables{
			UI:       make(map[string]*int),
			Services: make(map[string]*int),
		},
	}
}

// Store owns the configuration file. All access goes through Load, Save,
// Update and Replace; the internal lock covers full read-modify-write
// cycles so there is never more than one writer.
type Store struct {
	path   string
	mutex  sync.Mutex
	logger logging.Logger
}

func NewStore(path string, logger logging.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the store file. An unreadable or unparsable file is a config
// error: the caller must surface it rather than fabricate a replacement.
func (s *Store) Load() (*HubConfig, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.loadUnderLock()
}

func (s *Store) loadUnderLock() (*HubConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("configuration store does not exist", err).WithContext("path", s.path)
		}
		return nil, errors.NewConfigError("failed to read configuration store", err).WithContext("path", s.path)
	}

	var cfg HubConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError("failed to parse configuration store", err).WithContext("path", s.path)
	}

	normalize(&cfg)
	return &cfg, nil
}

// CreateDefault writes the default empty shape. It refuses to overwrite an
// existing file.
func (s *Store) CreateDefault() (*HubConfig, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return nil, errors.NewConflictError("configuration store already exists", nil).WithContext("path", s.path)
	}

	cfg := NewDefaultHubConfig()
	if err := s.saveUnderLock(cfg); err != nil {
		return nil, err
	}
	s.logger.Infof("Created default configuration store, path: %s", s.path)
	return cfg, nil
}

// Save persists cfg as a whole-file atomic rewrite.
func (s *Store) Save(cfg *HubConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.saveUnderLock(cfg)
}

func (s *Store) saveUnderLock(cfg *HubConfig) error {
	if cfg == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	normalize(cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal configuration", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.NewIOError("failed to create configuration directory", err).WithContext("path", s.path)
	}

	return atomicWrite(s.path, data)
}

// Update runs fn on the current configuration under the store lock and
// persists the result. fn returning an error abandons the write.
func (s *Store) Update(fn func(*HubConfig) error) (*HubConfig, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg, err := s.loadUnderLock()
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := s.saveUnderLock(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Replace overwrites the store with a full snapshot. Used by the update
// queue applier to apply the queued configuration atomically.
func (s *Store) Replace(snapshot *HubConfig) error {
	if snapshot == nil {
		return errors.NewValidationError("snapshot cannot be nil", nil)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.saveUnderLock(snapshot); err != nil {
		return err
	}
	s.logger.Infof("Configuration store replaced from snapshot, path: %s, units: %d", s.path, len(snapshot.Units))
	return nil
}

// atomicWrite writes data to path via a temp file and rename so readers
// never observe a partially written store.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewIOError("failed to create temp file", err).WithContext("path", path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewIOError("failed to write temp file", err).WithContext("path", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to close temp file", err).WithContext("path", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to replace file", err).WithContext("path", path)
	}
	return nil
}

func normalize(cfg *HubConfig) {
	if cfg.Settings == nil {
		cfg.Settings = make(map[string]interface{})
	}
	if cfg.Units == nil {
		cfg.Units = make(map[string]UnitEntry)
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = make(map[string]bool)
	}
	if cfg.Ports.UI == nil {
		cfg.Ports.UI = make(map[string]*int)
	}
	if cfg.Ports.Services == nil {
		cfg.Ports.Services = make(map[string]*int)
	}
}
