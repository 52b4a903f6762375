package ports

import (
	"github.com/hub-tools/hub-supervisor/pkg/config"
	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/units"
)

// Ranges defines the two disjoint port windows units draw from. UI-class
// units and service-class units never share a window, so their assignments
// can never collide.
type Ranges struct {
	UIMin      int `yaml:"ui_min"`
	UIMax      int `yaml:"ui_max"`
	ServiceMin int `yaml:"service_min"`
	ServiceMax int `yaml:"service_max"`
}

func DefaultRanges() Ranges {
	return Ranges{
		UIMin:      3100,
		UIMax:      3199,
		ServiceMin: 8100,
		ServiceMax: 8199,
	}
}

// ValidateRanges rejects empty or overlapping windows.
func ValidateRanges(r Ranges) error {
	if r.UIMin <= 0 || r.UIMax < r.UIMin {
		return errors.NewValidationError("invalid UI port range", nil).WithContext("min", r.UIMin).WithContext("max", r.UIMax)
	}
	if r.ServiceMin <= 0 || r.ServiceMax < r.ServiceMin {
		return errors.NewValidationError("invalid service port range", nil).WithContext("min", r.ServiceMin).WithContext("max", r.ServiceMax)
	}
	if r.UIMin <= r.ServiceMax && r.ServiceMin <= r.UIMax {
		return errors.NewValidationError("UI and service port ranges must not overlap", nil)
	}
	return nil
}

// Ledger assigns and persists stable ports for unit keys. Assignments live
// in the configuration store's port tables and survive restarts; a key keeps
// its port for the life of its configuration entry.
type Ledger struct {
	store  *config.Store
	ranges Ranges
	logger logging.Logger
}

func NewLedger(store *config.Store, ranges Ranges, logger logging.Logger) (*Ledger, error) {
	if err := ValidateRanges(ranges); err != nil {
		return nil, err
	}
	return &Ledger{
		store:  store,
		ranges: ranges,
		logger: logger,
	}, nil
}

// Assign returns the port for key, assigning and persisting one on first
// use. A key that does not require a port is recorded with an explicit nil
// so the assignment is still visible in the table. Assignment is always the
// lowest free integer in the kind's window, checked against the values of
// both tables, so assignments are deterministic across fresh installs.
func (l *Ledger) Assign(kind units.Kind, key string, requiresPort bool) (*int, error) {
	if err := units.ValidateUnitName(key); err != nil {
		return nil, errors.NewValidationError("invalid ledger key", err).WithContext("key", key)
	}

	var assigned *int
	_, err := l.store.Update(func(cfg *config.HubConfig) error {
		table, err := l.tableFor(cfg, kind)
		if err != nil {
			return err
		}

		if existing, present := table[key]; present {
			assigned = existing
			return nil
		}

		if !requiresPort {
			table[key] = nil
			assigned = nil
			l.logger.Infof("Recorded portless unit, key: %s, kind: %s", key, kind)
			return nil
		}

		min, max := l.windowFor(kind)
		used := usedPorts(cfg)
		for candidate := min; candidate <= max; candidate++ {
			if !used[candidate] {
				port := candidate
				table[key] = &port
				assigned = &port
				l.logger.Infof("Assigned port, key: %s, kind: %s, port: %d", key, kind, port)
				return nil
			}
		}

		return errors.NewPortExhaustedError("port range exhausted", nil).
			WithContext("kind", string(kind)).WithContext("min", min).WithContext("max", max)
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// Lookup returns the current assignment for key without assigning.
func (l *Ledger) Lookup(kind units.Kind, key string) (*int, bool, error) {
	cfg, err := l.store.Load()
	if err != nil {
		return nil, false, err
	}
	table, err := l.tableFor(cfg, kind)
	if err != nil {
		return nil, false, err
	}
	port, present := table[key]
	return port, present, nil
}

// Remove deletes the assignment for key in both tables. Called when a
// unit's configuration entry is deleted.
func (l *Ledger) Remove(key string) error {
	_, err := l.store.Update(func(cfg *config.HubConfig) error {
		delete(cfg.Ports.UI, key)
		delete(cfg.Ports.Services, key)
		return nil
	})
	return err
}

// Table returns a merged snapshot of all assignments, keyed by unit name.
func (l *Ledger) Table() (map[string]*int, error) {
	cfg, err := l.store.Load()
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*int, len(cfg.Ports.UI)+len(cfg.Ports.Services))
	for key, port := range cfg.Ports.UI {
		merged[key] = port
	}
	for key, port := range cfg.Ports.Services {
		merged[key] = port
	}
	return merged, nil
}

func (l *Ledger) tableFor(cfg *config.HubConfig, kind units.Kind) (map[string]*int, error) {
	switch kind {
	case units.KindUI:
		return cfg.Ports.UI, nil
	case units.KindCore, units.KindService:
		return cfg.Ports.Services, nil
	default:
		return nil, errors.NewValidationError("kind does not use the port ledger", nil).WithContext("kind", string(kind))
	}
}

func (l *Ledger) windowFor(kind units.Kind) (int, int) {
	if kind == units.KindUI {
		return l.ranges.UIMin, l.ranges.UIMax
	}
	return l.ranges.ServiceMin, l.ranges.ServiceMax
}

func usedPorts(cfg *config.HubConfig) map[int]bool {
	used := make(map[int]bool)
	for _, port := range cfg.Ports.UI {
		if port != nil {
			used[*port] = true
		}
	}
	for _, port := range cfg.Ports.Services {
		if port != nil {
			used[*port] = true
		}
	}
	return used
}
