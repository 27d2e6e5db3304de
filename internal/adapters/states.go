package adapters

import (
	"strings"

	"github.com/fablab-io/machine-agent/internal/models"
)

// Each adapter family owns a lookup table from its vendor status vocabulary
// to the canonical state enum. Tokens are matched case-insensitively.
// Unknown tokens are never dropped silently: StateFor reports the miss and
// the normalizer maps it to the error state with the raw token preserved.

// serialStates covers the synthetic tokens the serial adapter derives from
// Marlin-flavor replies (M27 progress, M105 temps, tracked pause/resume).
var serialStates = map[string]models.CanonicalState{
	"idle":      models.StateIdle,
	"heating":   models.StateWarmingUp,
	"printing":  models.StateRunning,
	"paused":    models.StatePaused,
	"resuming":  models.StateResuming,
	"done":      models.StateCompleted,
	"cancelled": models.StateCancelled,
	"error":     models.StateError,
	"kill":      models.StateError,
}

// octoprintStates maps OctoPrint state texts (job API / push channel).
var octoprintStates = map[string]models.CanonicalState{
	"operational": models.StateIdle,
	"starting":    models.StateWarmingUp,
	"printing":    models.StateRunning,
	"pausing":     models.StatePaused,
	"paused":      models.StatePaused,
	"resuming":    models.StateResuming,
	"finishing":   models.StateRunning,
	"cancelling":  models.StateCancelled,
	"error":       models.StateError,
	"offline":     models.StateError,
}

// prusalinkStates maps PrusaLink printer states (/api/v1/status).
var prusalinkStates = map[string]models.CanonicalState{
	"idle":      models.StateIdle,
	"ready":     models.StateIdle,
	"busy":      models.StateWarmingUp,
	"printing":  models.StateRunning,
	"paused":    models.StatePaused,
	"finished":  models.StateCompleted,
	"stopped":   models.StateCancelled,
	"error":     models.StateError,
	"attention": models.StateError,
}

// mqttStates maps the status vocabulary used by MQTT cloud printers.
var mqttStates = map[string]models.CanonicalState{
	"idle":    models.StateIdle,
	"preheat": models.StateWarmingUp,
	"running": models.StateRunning,
	"pause":   models.StatePaused,
	"paused":  models.StatePaused,
	"resume":  models.StateResuming,
	"finish":  models.StateCompleted,
	"stopped": models.StateCancelled,
	"failed":  models.StateError,
	"error":   models.StateError,
}

// wsBinaryStates maps the short status tokens of the binary WebSocket
// protocol.
var wsBinaryStates = map[string]models.CanonicalState{
	"init":   models.StateWarmingUp,
	"idle":   models.StateIdle,
	"run":    models.StateRunning,
	"pause":  models.StatePaused,
	"resume": models.StateResuming,
	"done":   models.StateCompleted,
	"stop":   models.StateCancelled,
	"err":    models.StateError,
	"alarm":  models.StateError,
}

// modbusStates maps the numeric state register of the CNC controller,
// rendered as decimal strings.
var modbusStates = map[string]models.CanonicalState{
	"0": models.StateIdle,
	"1": models.StateWarmingUp, // homing / spindle warm-up
	"2": models.StateRunning,
	"3": models.StatePaused,
	"4": models.StateResuming,
	"5": models.StateCompleted,
	"6": models.StateCancelled,
	"7": models.StateError,
}

// StateFor resolves a vendor status token against the lookup table for the
// adapter kind (and rest-network profile). ok is false when the token is not
// part of the vendor vocabulary.
func StateFor(kind models.AdapterKind, profile, token string) (models.CanonicalState, bool) {
	table, ok := tableFor(kind, profile)
	if !ok {
		return models.StateError, false
	}
	state, ok := table[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return models.StateError, false
	}
	return state, true
}

func tableFor(kind models.AdapterKind, profile string) (map[string]models.CanonicalState, bool) {
	switch kind {
	case models.AdapterSerial:
		return serialStates, true
	case models.AdapterRESTNetwork:
		if profile == models.ProfilePrusaLink {
			return prusalinkStates, true
		}
		return octoprintStates, true
	case models.AdapterMQTTCloud:
		return mqttStates, true
	case models.AdapterWebsocketBinary:
		return wsBinaryStates, true
	case models.AdapterModbusTCP:
		return modbusStates, true
	}
	return nil, false
}

// Tables returns every vendor lookup table keyed by a family label. Used by
// tests to verify that all defined tokens land inside the canonical enum.
func Tables() map[string]map[string]models.CanonicalState {
	return map[string]map[string]models.CanonicalState{
		"serial":    serialStates,
		"octoprint": octoprintStates,
		"prusalink": prusalinkStates,
		"mqtt":      mqttStates,
		"ws-binary": wsBinaryStates,
		"modbus":    modbusStates,
	}
}
