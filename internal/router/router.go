// Package router validates incoming command requests and dispatches them to
// the right connection session. It is the layer's single entry point for
// actuation: commands are never retried here or below, because physical
// actuation must not be silently repeated.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/constants"
	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
	"github.com/fablab-io/machine-agent/internal/registry"
	"github.com/fablab-io/machine-agent/internal/supervisor"
)

// Router dispatches validated commands through the supervisor.
type Router struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	timeout    time.Duration // per-command deadline, distinct from the poll timeout
	logger     zerolog.Logger
}

// New creates a command router.
func New(reg *registry.Registry, sup *supervisor.Supervisor, timeout time.Duration, logger zerolog.Logger) *Router {
	if timeout <= 0 {
		timeout = constants.DefaultCommandTimeout
	}
	return &Router{
		registry:   reg,
		supervisor: sup,
		timeout:    timeout,
		logger:     logger,
	}
}

// Submit validates the request and hands it to the device's session.
// Devices whose session is not connected or degraded fail fast with
// DeviceUnavailable before any transport is touched.
func (r *Router) Submit(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	if !req.Name.Valid() {
		return models.CommandResult{}, errs.Ef(errs.KindValidation, "router.submit", "unknown command %q", req.Name)
	}
	if _, err := r.registry.Get(req.DeviceID); err != nil {
		return models.CommandResult{}, err
	}

	phase, ok := r.supervisor.Phase(req.DeviceID)
	if !ok || (phase != supervisor.PhaseConnected && phase != supervisor.PhaseDegraded) {
		return models.CommandResult{}, errs.Ef(errs.KindDeviceUnavailable, "router.submit",
			"session is %s", phase).WithDevice(req.DeviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Debug().Str("device_id", req.DeviceID).Str("command", string(req.Name)).Msg("Dispatching command")
	result, err := r.supervisor.Submit(ctx, req)
	if err != nil {
		r.logger.Warn().Err(err).Str("device_id", req.DeviceID).Str("command", string(req.Name)).Msg("Command dispatch failed")
	}
	return result, err
}
