package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/adapters"
	"github.com/fablab-io/machine-agent/internal/events"
	"github.com/fablab-io/machine-agent/internal/models"
	"github.com/fablab-io/machine-agent/internal/normalizer"
	"github.com/fablab-io/machine-agent/internal/registry"
	"github.com/fablab-io/machine-agent/internal/utils"
)

type pendingCommand struct {
	ctx   context.Context
	req   models.CommandRequest
	reply chan commandOutcome // buffered, the session never blocks on it
}

type commandOutcome struct {
	result models.CommandResult
	err    error
}

// session pairs one device with one running adapter instance and drives its
// lifecycle state machine. All transport access happens on the session's
// goroutine, which serializes telemetry polls against command execution;
// single-threaded serial links require that.
type session struct {
	device   models.Device
	adapter  adapters.Adapter
	settings Settings
	registry *registry.Registry
	bridge   *events.Bridge
	logger   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	commands chan pendingCommand

	mu            sync.Mutex
	phase         Phase
	failures      int // consecutive connect failures, drives backoff
	degradedPolls int // consecutive failed polls while connected
	lastStatus    *models.CanonicalStatus
}

func newSession(parent context.Context, device models.Device, adapter adapters.Adapter,
	settings Settings, reg *registry.Registry, bridge *events.Bridge, logger zerolog.Logger) *session {

	ctx, cancel := context.WithCancel(parent)
	return &session{
		device:   device,
		adapter:  adapter,
		settings: settings,
		registry: reg,
		bridge:   bridge,
		logger:   logger.With().Str("device_id", device.ID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		commands: make(chan pendingCommand, settings.QueueDepth),
		phase:    PhaseDisconnected,
	}
}

// run drives the state machine until the session is cancelled. The transport
// is released before the final transition to disconnected completes.
func (s *session) run() {
	defer close(s.done)
	defer func() {
		if err := s.adapter.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("Transport release failed")
		}
		s.setPhase(PhaseDisconnected)
	}()

	for s.ctx.Err() == nil {
		switch s.currentPhase() {
		case PhaseDisconnected, PhaseFailed:
			var delay time.Duration
			if failures := s.failureCount(); failures > 0 {
				delay = utils.Backoff(s.settings.BaseRetryDelay, s.settings.MaxRetryBackoff, failures-1)
				s.logger.Debug().Dur("delay", delay).Int("failures", failures).Msg("Waiting before reconnect")
			}
			if !s.sleep(delay) {
				return
			}
			s.setPhase(PhaseConnecting)

		case PhaseConnecting:
			s.connect()

		case PhaseConnected, PhaseDegraded:
			timer := time.NewTimer(s.pollInterval())
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case cmd := <-s.commands:
				timer.Stop()
				s.execute(cmd)
			case <-timer.C:
				// A queued command suppresses the scheduled poll rather than
				// interleaving with it.
				select {
				case cmd := <-s.commands:
					s.execute(cmd)
				default:
					s.poll()
				}
			}
		}
	}
}

// stop cancels the session and waits, bounded, for the transport to close.
func (s *session) stop(timeout time.Duration) {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn().Msg("Session did not stop in time, abandoning")
	}
}

func (s *session) connect() {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.ConnectTimeout)
	err := s.adapter.Connect(ctx)
	cancel()

	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("failures", failures).Msg("Connect failed")
		s.setPhase(PhaseFailed)
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.degradedPolls = 0
	s.mu.Unlock()
	s.setPhase(PhaseConnected)
	s.poll()
}

// poll issues one telemetry request and feeds the result through the
// normalizer into the registry and the event bridge.
func (s *session) poll() {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.PollTimeout)
	raw, err := s.adapter.PollStatus(ctx)
	cancel()

	if s.ctx.Err() != nil {
		return
	}

	if err != nil {
		s.mu.Lock()
		s.degradedPolls++
		degraded := s.degradedPolls
		s.mu.Unlock()

		if degraded > s.settings.DegradedThreshold {
			// The adapter has had its in-place retries; force a full
			// reconnect through the backoff path.
			s.logger.Warn().Err(err).Int("consecutive_failures", degraded).Msg("Poll failures exceeded threshold, reconnecting")
			if derr := s.adapter.Disconnect(); derr != nil {
				s.logger.Warn().Err(derr).Msg("Transport release failed")
			}
			s.mu.Lock()
			s.failures++
			s.degradedPolls = 0
			s.mu.Unlock()
			s.setPhase(PhaseFailed)
			return
		}

		s.logger.Debug().Err(err).Int("consecutive_failures", degraded).Msg("Poll failed")
		s.setPhase(PhaseDegraded)
		return
	}

	s.mu.Lock()
	s.degradedPolls = 0
	s.mu.Unlock()
	s.setPhase(PhaseConnected)

	status := normalizer.Normalize(s.device, raw)
	s.registry.UpdateRuntime(s.device.ID, status.State, status.Timestamp)

	s.mu.Lock()
	changed := s.lastStatus == nil || statusChanged(*s.lastStatus, status)
	s.lastStatus = &status
	s.mu.Unlock()

	if changed {
		s.bridge.Publish(models.Event{
			Type:      models.EventStatus,
			DeviceID:  s.device.ID,
			Status:    &status,
			Timestamp: status.Timestamp,
		})
	}
}

// execute runs one queued command. Commands whose caller already gave up are
// skipped so a stale queue entry cannot actuate hardware.
func (s *session) execute(cmd pendingCommand) {
	if cmd.ctx.Err() != nil {
		s.logger.Debug().Str("command", string(cmd.req.Name)).Msg("Dropping expired queued command")
		return
	}

	result, err := s.adapter.SendCommand(cmd.ctx, cmd.req)
	if err != nil {
		s.logger.Warn().Err(err).Str("command", string(cmd.req.Name)).Msg("Command failed")
	} else {
		s.logger.Info().Str("command", string(cmd.req.Name)).Bool("degraded", result.Degraded).Msg("Command executed")
	}
	cmd.reply <- commandOutcome{result: result, err: err}
}

// pollInterval is adaptive: devices believed to be doing work are polled at
// the short interval, idle ones at the long interval.
func (s *session) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStatus != nil && s.lastStatus.State.Active() {
		return s.settings.ActivePollInterval
	}
	return s.settings.IdlePollInterval
}

func (s *session) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *session) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *session) setPhase(next Phase) {
	s.mu.Lock()
	if s.phase == next {
		s.mu.Unlock()
		return
	}
	prev := s.phase
	s.phase = next
	s.mu.Unlock()

	s.logger.Info().Str("from", string(prev)).Str("phase", string(next)).Msg("Session phase changed")
	s.bridge.Publish(models.Event{
		Type:     models.EventPhaseChange,
		DeviceID: s.device.ID,
		Phase:    string(next),
	})
}

// sleep waits for d unless the session is cancelled first.
func (s *session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// statusChanged reports whether a new snapshot is worth publishing: state,
// progress or any temperature moved.
func statusChanged(prev, next models.CanonicalStatus) bool {
	if prev.State != next.State || prev.VendorError != next.VendorError {
		return true
	}
	if (prev.Progress == nil) != (next.Progress == nil) {
		return true
	}
	if prev.Progress != nil && *prev.Progress != *next.Progress {
		return true
	}
	if len(prev.Temperatures) != len(next.Temperatures) {
		return true
	}
	for zone, reading := range next.Temperatures {
		if prev.Temperatures[zone] != reading {
			return true
		}
	}
	return false
}
