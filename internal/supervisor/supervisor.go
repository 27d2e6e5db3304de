// Package supervisor owns the lifecycle of one protocol adapter per
// registered device: connect, retry with backoff, adaptive telemetry
// polling, and teardown. Each device gets its own goroutine so a hung
// connection to one machine never blocks polling or commands for another.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/adapters"
	"github.com/fablab-io/machine-agent/internal/constants"
	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/events"
	"github.com/fablab-io/machine-agent/internal/models"
	"github.com/fablab-io/machine-agent/internal/registry"
)

// Phase is the lifecycle phase of one connection session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDegraded     Phase = "degraded"
	PhaseFailed       Phase = "failed"
)

// Settings are the supervisor's timing and threshold knobs.
type Settings struct {
	BaseRetryDelay     time.Duration
	MaxRetryBackoff    time.Duration
	DegradedThreshold  int
	ActivePollInterval time.Duration
	IdlePollInterval   time.Duration
	PollTimeout        time.Duration
	ConnectTimeout     time.Duration
	ShutdownTimeout    time.Duration
	QueueDepth         int
}

func (s *Settings) applyDefaults() {
	if s.BaseRetryDelay <= 0 {
		s.BaseRetryDelay = constants.DefaultBaseRetryDelay
	}
	if s.MaxRetryBackoff <= 0 {
		s.MaxRetryBackoff = constants.DefaultMaxRetryBackoff
	}
	if s.DegradedThreshold <= 0 {
		s.DegradedThreshold = constants.DefaultDegradedThreshold
	}
	if s.ActivePollInterval <= 0 {
		s.ActivePollInterval = constants.DefaultActivePollInterval
	}
	if s.IdlePollInterval <= 0 {
		s.IdlePollInterval = constants.DefaultIdlePollInterval
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = constants.DefaultPollTimeout
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if s.QueueDepth <= 0 {
		s.QueueDepth = constants.DefaultCommandQueueDepth
	}
}

// AdapterFactory builds the adapter for a device. Swapped out by tests.
type AdapterFactory func(models.Device, zerolog.Logger) (adapters.Adapter, error)

// Supervisor manages the whole device population, one connection session per
// device. The session map is the enforcement point for the invariant that at
// most one session, and so one command stream, exists per device.
type Supervisor struct {
	settings Settings
	registry *registry.Registry
	bridge   *events.Bridge
	factory  AdapterFactory
	logger   zerolog.Logger

	sessions cmap.ConcurrentMap[string, *session]

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New initializes a supervisor. A nil factory means the production adapter
// constructor.
func New(reg *registry.Registry, bridge *events.Bridge, factory AdapterFactory,
	settings Settings, logger zerolog.Logger) *Supervisor {

	settings.applyDefaults()
	if factory == nil {
		factory = adapters.New
	}
	return &Supervisor{
		settings: settings,
		registry: reg,
		bridge:   bridge,
		factory:  factory,
		logger:   logger,
		sessions: cmap.New[*session](),
	}
}

// Start launches one session per registered device.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		s.logger.Warn().Msg("Supervisor is already running")
		return errors.New("supervisor is already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, device := range s.registry.List() {
		if err := s.adopt(device); err != nil {
			s.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to start connection session")
		}
	}

	s.logger.Info().Int("sessions", s.sessions.Count()).Msg("Supervisor started")
	return nil
}

// Stop signals every session to stop and waits, bounded by the shutdown
// timeout, for transports to close cleanly. Sessions exceeding the timeout
// are abandoned.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		s.logger.Warn().Msg("Supervisor is not running")
		return errors.New("supervisor is not running")
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.settings.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout exceeded, abandoning remaining sessions")
	}

	s.sessions.Clear()
	s.ctx = nil
	s.cancel = nil

	s.logger.Info().Msg("Supervisor stopped")
	return nil
}

// Adopt starts managing a newly registered device.
func (s *Supervisor) Adopt(device models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return errors.New("supervisor is not running")
	}
	return s.adopt(device)
}

// adopt requires s.mu held and the supervisor running.
func (s *Supervisor) adopt(device models.Device) error {
	adapter, err := s.factory(device, s.logger)
	if err != nil {
		return err
	}

	sess := newSession(s.ctx, device, adapter, s.settings, s.registry, s.bridge, s.logger)
	if !s.sessions.SetIfAbsent(device.ID, sess) {
		sess.cancel()
		return errs.Ef(errs.KindConflict, "supervisor.adopt", "connection session already exists for device %s", device.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return nil
}

// Release stops the session of a removed device, waiting for its transport
// to be released. Idempotent.
func (s *Supervisor) Release(deviceID string) error {
	sess, ok := s.sessions.Pop(deviceID)
	if !ok {
		return nil
	}
	sess.stop(s.settings.ShutdownTimeout)
	return nil
}

// Phase reports the lifecycle phase of a device's session.
func (s *Supervisor) Phase(deviceID string) (Phase, bool) {
	sess, ok := s.sessions.Get(deviceID)
	if !ok {
		return PhaseDisconnected, false
	}
	return sess.currentPhase(), true
}

// Submit hands a command to the device's session. Commands are queued FIFO
// behind the one in flight, up to the configured depth; beyond that the
// caller gets backpressure. The caller's context carries the per-command
// deadline.
func (s *Supervisor) Submit(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	sess, ok := s.sessions.Get(req.DeviceID)
	if !ok {
		return models.CommandResult{}, errs.Ef(errs.KindDeviceUnavailable, "supervisor.submit",
			"no connection session").WithDevice(req.DeviceID)
	}

	phase := sess.currentPhase()
	if phase != PhaseConnected && phase != PhaseDegraded {
		return models.CommandResult{}, errs.Ef(errs.KindDeviceUnavailable, "supervisor.submit",
			"session is %s", phase).WithDevice(req.DeviceID)
	}

	pending := pendingCommand{ctx: ctx, req: req, reply: make(chan commandOutcome, 1)}
	select {
	case sess.commands <- pending:
	default:
		return models.CommandResult{}, errs.Ef(errs.KindBackpressure, "supervisor.submit",
			"command queue full (depth %d)", s.settings.QueueDepth).WithDevice(req.DeviceID)
	}

	select {
	case outcome := <-pending.reply:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return models.CommandResult{}, errs.E(errs.KindCommand, "supervisor.submit", ctx.Err()).WithDevice(req.DeviceID)
	}
}
