// Package manager wires the machine layer together (registry, supervisor,
// router, event bridge and discovery) and exposes the surface the rest of
// the platform consumes: device CRUD, command submission, discovery and the
// status event stream.
package manager

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/discovery"
	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/events"
	"github.com/fablab-io/machine-agent/internal/models"
	"github.com/fablab-io/machine-agent/internal/registry"
	"github.com/fablab-io/machine-agent/internal/router"
	"github.com/fablab-io/machine-agent/internal/supervisor"
	"github.com/fablab-io/machine-agent/internal/utils"
)

// Manager composes the machine-layer components.
type Manager struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	router     *router.Router
	bridge     *events.Bridge
	discovery  *discovery.Service
	logger     zerolog.Logger
}

// New builds the layer from configuration. The store is owned by the caller
// and must outlive the manager. A nil factory means the production adapter
// constructor.
func New(cfg *utils.Config, store registry.DeviceStore, factory supervisor.AdapterFactory, logger zerolog.Logger) *Manager {
	reg := registry.New(store, logger)
	bridge := events.NewBridge(cfg.Events.BufferSize, logger)
	sup := supervisor.New(reg, bridge, factory, supervisor.Settings{
		BaseRetryDelay:     cfg.Supervisor.BaseRetryDelay,
		MaxRetryBackoff:    cfg.Supervisor.MaxRetryBackoff,
		DegradedThreshold:  cfg.Supervisor.DegradedThreshold,
		ActivePollInterval: cfg.Supervisor.ActivePollInterval,
		IdlePollInterval:   cfg.Supervisor.IdlePollInterval,
		PollTimeout:        cfg.Supervisor.PollTimeout,
		ConnectTimeout:     cfg.Supervisor.ConnectTimeout,
		ShutdownTimeout:    cfg.Supervisor.ShutdownTimeout,
		QueueDepth:         cfg.Router.QueueDepth,
	}, logger)

	return &Manager{
		registry:   reg,
		supervisor: sup,
		router:     router.New(reg, sup, cfg.Router.CommandTimeout, logger),
		bridge:     bridge,
		discovery:  discovery.NewService(cfg.Discovery.ScanWindow, cfg.Discovery.BroadcastPort, cfg.Discovery.SerialGlobs, logger),
		logger:     logger,
	}
}

// Start loads persisted device configs and brings up one connection session
// per device.
func (m *Manager) Start() error {
	if err := m.registry.Load(); err != nil {
		return err
	}
	return m.supervisor.Start()
}

// Stop tears down all sessions and closes the event stream.
func (m *Manager) Stop() error {
	err := m.supervisor.Stop()
	m.bridge.Close()
	return err
}

// RegisterDevice validates and persists a device, then starts supervising
// it.
func (m *Manager) RegisterDevice(cfg models.DeviceConfig) (models.Device, error) {
	device, err := m.registry.Register(cfg)
	if err != nil {
		return models.Device{}, err
	}
	if err := m.supervisor.Adopt(device); err != nil {
		// Roll back so a device without a session cannot linger.
		if rerr := m.registry.Remove(device.ID); rerr != nil {
			m.logger.Error().Err(rerr).Str("device_id", device.ID).Msg("Rollback of failed registration left stale config")
		}
		return models.Device{}, err
	}

	m.bridge.Publish(models.Event{Type: models.EventDeviceAdded, DeviceID: device.ID})
	return device, nil
}

// UpdateDevice replaces a device's configuration and restarts its session so
// the new connection parameters take effect. A failed restart rolls the
// config back and restores the previous session, matching RegisterDevice's
// guarantee that a configured device is always supervised.
func (m *Manager) UpdateDevice(id string, cfg models.DeviceConfig) (models.Device, error) {
	prev, err := m.registry.Get(id)
	if err != nil {
		return models.Device{}, err
	}
	device, err := m.registry.Update(id, cfg)
	if err != nil {
		return models.Device{}, err
	}
	if err := m.supervisor.Release(id); err != nil {
		return models.Device{}, err
	}
	if err := m.supervisor.Adopt(device); err != nil {
		prevCfg := models.DeviceConfig{Name: prev.Name, Kind: prev.Kind, Conn: prev.Conn}
		if _, rerr := m.registry.Update(id, prevCfg); rerr != nil {
			m.logger.Error().Err(rerr).Str("device_id", id).Msg("Rollback of failed update left new config behind")
		} else if rerr := m.supervisor.Adopt(prev); rerr != nil {
			m.logger.Error().Err(rerr).Str("device_id", id).Msg("Rollback of failed update left device unsupervised")
		}
		return models.Device{}, err
	}
	return device, nil
}

// RemoveDevice tears down the device's session, releasing the transport,
// before deleting its configuration. Idempotent.
func (m *Manager) RemoveDevice(id string) error {
	if err := m.supervisor.Release(id); err != nil {
		return err
	}
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	m.bridge.Forget(id)
	m.bridge.Publish(models.Event{Type: models.EventDeviceRemoved, DeviceID: id})
	return nil
}

// GetDevice returns one configured device.
func (m *Manager) GetDevice(id string) (models.Device, error) {
	return m.registry.Get(id)
}

// ListDevices returns all configured devices.
func (m *Manager) ListDevices() []models.Device {
	return m.registry.List()
}

// Submit routes one command to its device.
func (m *Manager) Submit(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	return m.router.Submit(ctx, req)
}

// Scan proposes candidate devices found on the network or serial bus.
func (m *Manager) Scan(ctx context.Context, kind models.AdapterKind) ([]models.CandidateDevice, error) {
	if kind != "" && !kind.Valid() {
		return nil, errs.Ef(errs.KindValidation, "manager.scan", "unknown adapter kind %q", kind)
	}
	return m.discovery.Scan(ctx, kind)
}

// Subscribe opens a status event stream. The channel first delivers the
// current snapshot of every device, then future changes.
func (m *Manager) Subscribe() (string, <-chan models.Event) {
	return m.bridge.Subscribe()
}

// Unsubscribe closes a previously opened event stream.
func (m *Manager) Unsubscribe(id string) {
	m.bridge.Unsubscribe(id)
}

// LatestStatus returns the most recent canonical snapshot for a device, if
// one has been observed since startup.
func (m *Manager) LatestStatus(id string) (models.CanonicalStatus, bool) {
	return m.bridge.Latest(id)
}

// SessionPhase reports the connection phase of a device's session.
func (m *Manager) SessionPhase(id string) (supervisor.Phase, bool) {
	return m.supervisor.Phase(id)
}
