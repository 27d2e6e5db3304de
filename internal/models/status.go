package models

import "time"

// CanonicalState is the protocol-independent lifecycle state of a machine.
// Every vendor status vocabulary maps onto exactly these values.
type CanonicalState string

const (
	StateIdle      CanonicalState = "idle"
	StateWarmingUp CanonicalState = "warming-up"
	StateRunning   CanonicalState = "running"
	StatePaused    CanonicalState = "paused"
	StateResuming  CanonicalState = "resuming"
	StateCompleted CanonicalState = "completed"
	StateCancelled CanonicalState = "cancelled"
	StateError     CanonicalState = "error"
)

// Active reports whether the machine is believed to be doing work, which
// drives the short telemetry poll interval.
func (s CanonicalState) Active() bool {
	switch s {
	case StateWarmingUp, StateRunning, StatePaused, StateResuming:
		return true
	}
	return false
}

// Canonical temperature zone names. Vendor zone names are renamed onto these
// by the normalizer; zones with no counterpart here are dropped.
const (
	ZoneBed     = "bed"
	ZoneTool0   = "tool0"
	ZoneTool1   = "tool1"
	ZoneChamber = "chamber"
)

// TempReading is one zone's measured and target temperature in °C.
type TempReading struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// RawStatus is a vendor-native status record as the adapter read it, before
// normalization. Pointer fields distinguish "not reported" from zero; the
// normalizer never invents values for absent fields.
type RawStatus struct {
	StateToken string // vendor status word, matched against the family table

	ProgressPercent  *float64 // 0..100, reported by most families
	ProgressFraction *float64 // 0..1, reported by some vendors instead
	CurrentLayer     *int     // layer counts, progress fallback of last resort
	TotalLayers      *int

	ElapsedSeconds   *int64
	RemainingSeconds *int64

	Temperatures map[string]TempReading // keyed by vendor zone name
	VendorError  string                 // vendor-supplied failure detail, if any
}

// CanonicalStatus is the normalized snapshot published to the rest of the
// platform. Optional fields stay nil when the device did not report them.
type CanonicalStatus struct {
	DeviceID string         `json:"device_id"`
	State    CanonicalState `json:"state"`

	Progress  *float64       `json:"progress,omitempty"` // percent, 0..100
	Elapsed   *time.Duration `json:"elapsed,omitempty"`
	Remaining *time.Duration `json:"remaining,omitempty"`

	Temperatures map[string]TempReading `json:"temperatures,omitempty"` // canonical zones
	VendorError  string                 `json:"vendor_error,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
