package models

import "time"

// EventType identifies a message on the event bridge.
type EventType string

const (
	EventStatus        EventType = "status"         // a device's canonical status changed
	EventPhaseChange   EventType = "phase-change"   // a connection session changed lifecycle phase
	EventDeviceAdded   EventType = "device-added"   // a device was registered
	EventDeviceRemoved EventType = "device-removed" // a device was removed
)

// Event is one notification fanned out to subscribers. Delivery is
// at-most-once; slow subscribers miss events rather than stalling the
// publisher.
type Event struct {
	Type      EventType        `json:"type"`
	DeviceID  string           `json:"device_id"`
	Status    *CanonicalStatus `json:"status,omitempty"` // set for status events
	Phase     string           `json:"phase,omitempty"`  // set for phase-change events
	Timestamp time.Time        `json:"timestamp"`
}
