// Package registry is the source of truth for configured devices: identity,
// adapter kind and connection parameters. It is the single writer of those
// fields; runtime state (last canonical state, last seen) is written only
// through UpdateRuntime by the connection supervisor. Live transport handles
// never live here.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// DeviceStore persists device configuration, the only durable artifact this
// layer owns. Runtime status is rebuilt from a fresh poll after restart and
// is not stored.
type DeviceStore interface {
	Save(device models.Device) error
	Delete(id string) error
	LoadAll() ([]models.Device, error)
}

// Registry holds the addressable set of configured devices. The concurrent
// map gives per-key synchronization, so listing devices never blocks an
// individual device's connect/reconnect cycle.
type Registry struct {
	devices cmap.ConcurrentMap[string, models.Device]
	store   DeviceStore
	logger  zerolog.Logger
}

// New creates a registry backed by the given store.
func New(store DeviceStore, logger zerolog.Logger) *Registry {
	return &Registry{
		devices: cmap.New[models.Device](),
		store:   store,
		logger:  logger,
	}
}

// Load populates the registry from the store. Called once at startup.
func (r *Registry) Load() error {
	devices, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loading device configs: %w", err)
	}
	for _, d := range devices {
		r.devices.Set(d.ID, d)
	}
	r.logger.Info().Int("count", len(devices)).Msg("Loaded device configurations")
	return nil
}

// Register validates the config, assigns a fresh identifier and persists the
// device. Removing and re-adding an identical config always yields a new
// identifier; nothing is recycled.
func (r *Registry) Register(cfg models.DeviceConfig) (models.Device, error) {
	if err := validate(cfg); err != nil {
		return models.Device{}, err
	}
	if other, ok := r.findByPhysicalID(cfg.Conn.PhysicalID(cfg.Kind), ""); ok {
		return models.Device{}, errs.Ef(errs.KindConflict, "registry.register",
			"device %q already uses %s", other.Name, cfg.Conn.PhysicalID(cfg.Kind))
	}

	device := models.Device{
		ID:   uuid.New().String(),
		Name: cfg.Name,
		Kind: cfg.Kind,
		Conn: cfg.Conn,
	}
	if err := r.store.Save(device); err != nil {
		return models.Device{}, fmt.Errorf("persisting device: %w", err)
	}
	r.devices.Set(device.ID, device)

	r.logger.Info().Str("device_id", device.ID).Str("adapter_kind", string(device.Kind)).Msg("Device registered")
	return device, nil
}

// Update replaces a device's config, preserving its identity and runtime
// fields.
func (r *Registry) Update(id string, cfg models.DeviceConfig) (models.Device, error) {
	existing, ok := r.devices.Get(id)
	if !ok {
		return models.Device{}, errs.Ef(errs.KindNotFound, "registry.update", "no device %s", id)
	}
	if err := validate(cfg); err != nil {
		return models.Device{}, err
	}
	if other, ok := r.findByPhysicalID(cfg.Conn.PhysicalID(cfg.Kind), id); ok {
		return models.Device{}, errs.Ef(errs.KindConflict, "registry.update",
			"device %q already uses %s", other.Name, cfg.Conn.PhysicalID(cfg.Kind))
	}

	existing.Name = cfg.Name
	existing.Kind = cfg.Kind
	existing.Conn = cfg.Conn
	if err := r.store.Save(existing); err != nil {
		return models.Device{}, fmt.Errorf("persisting device: %w", err)
	}
	r.devices.Set(id, existing)
	return existing, nil
}

// Remove deletes the device's configuration. Idempotent: removing an unknown
// device is not an error.
func (r *Registry) Remove(id string) error {
	r.devices.Remove(id)
	if err := r.store.Delete(id); err != nil {
		return fmt.Errorf("deleting device config: %w", err)
	}
	return nil
}

// Get returns one device by identifier.
func (r *Registry) Get(id string) (models.Device, error) {
	device, ok := r.devices.Get(id)
	if !ok {
		return models.Device{}, errs.Ef(errs.KindNotFound, "registry.get", "no device %s", id)
	}
	return device, nil
}

// List returns all devices ordered by name, then ID for stability.
func (r *Registry) List() []models.Device {
	devices := make([]models.Device, 0, r.devices.Count())
	for _, d := range r.devices.Items() {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// UpdateRuntime records the latest canonical state and sighting for a
// device. Called only by the connection supervisor; a device removed
// concurrently is left alone.
func (r *Registry) UpdateRuntime(id string, state models.CanonicalState, seen time.Time) {
	if device, ok := r.devices.Get(id); ok {
		device.LastState = state
		device.LastSeen = seen
		r.devices.Set(id, device)
	}
}

func (r *Registry) findByPhysicalID(physID, excludeID string) (models.Device, bool) {
	for _, d := range r.devices.Items() {
		if d.ID != excludeID && d.Conn.PhysicalID(d.Kind) == physID {
			return d, true
		}
	}
	return models.Device{}, false
}

// validate checks that the connection parameters required by the adapter
// kind are present.
func validate(cfg models.DeviceConfig) error {
	if cfg.Name == "" {
		return errs.Ef(errs.KindValidation, "registry.validate", "device name is required")
	}
	if !cfg.Kind.Valid() {
		return errs.Ef(errs.KindValidation, "registry.validate", "unknown adapter kind %q", cfg.Kind)
	}

	switch cfg.Kind {
	case models.AdapterSerial:
		if cfg.Conn.SerialPath == "" {
			return errs.Ef(errs.KindValidation, "registry.validate", "serial adapter requires serial_path")
		}
		if cfg.Conn.BaudRate <= 0 {
			return errs.Ef(errs.KindValidation, "registry.validate", "serial adapter requires baud_rate")
		}
	case models.AdapterRESTNetwork, models.AdapterWebsocketBinary, models.AdapterModbusTCP:
		if cfg.Conn.Address == "" {
			return errs.Ef(errs.KindValidation, "registry.validate", "%s adapter requires address", cfg.Kind)
		}
		if cfg.Conn.Port <= 0 {
			return errs.Ef(errs.KindValidation, "registry.validate", "%s adapter requires port", cfg.Kind)
		}
		if cfg.Kind == models.AdapterRESTNetwork && cfg.Conn.Profile != "" &&
			cfg.Conn.Profile != models.ProfileOctoPrint && cfg.Conn.Profile != models.ProfilePrusaLink {
			return errs.Ef(errs.KindValidation, "registry.validate", "unknown rest-network profile %q", cfg.Conn.Profile)
		}
		// The Modbus unit identifier is a single byte on the wire; anything
		// outside that range would silently address the wrong unit.
		if cfg.Kind == models.AdapterModbusTCP && (cfg.Conn.UnitID < 0 || cfg.Conn.UnitID > 255) {
			return errs.Ef(errs.KindValidation, "registry.validate", "modbus unit_id must be in 0..255, got %d", cfg.Conn.UnitID)
		}
	case models.AdapterMQTTCloud:
		if cfg.Conn.Address == "" || cfg.Conn.Port <= 0 {
			return errs.Ef(errs.KindValidation, "registry.validate", "mqtt-cloud adapter requires broker address and port")
		}
		if cfg.Conn.TopicPrefix == "" {
			return errs.Ef(errs.KindValidation, "registry.validate", "mqtt-cloud adapter requires topic_prefix")
		}
	}
	return nil
}
