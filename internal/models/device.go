package models

import (
	"fmt"
	"time"
)

// AdapterKind selects the protocol adapter family used to talk to a device.
type AdapterKind string

const (
	// AdapterSerial is direct G-code over a serial port.
	AdapterSerial AdapterKind = "serial"
	// AdapterRESTNetwork is HTTP polling against a print server, with an
	// optional push channel. The Profile field selects the vendor flavor.
	AdapterRESTNetwork AdapterKind = "rest-network"
	// AdapterMQTTCloud is a broker-mediated cloud printer.
	AdapterMQTTCloud AdapterKind = "mqtt-cloud"
	// AdapterWebsocketBinary is a length-framed binary WebSocket protocol.
	AdapterWebsocketBinary AdapterKind = "websocket-binary"
	// AdapterModbusTCP is a CNC controller speaking Modbus over TCP.
	AdapterModbusTCP AdapterKind = "modbus-tcp"
)

// Valid reports whether the kind is a known adapter family.
func (k AdapterKind) Valid() bool {
	switch k {
	case AdapterSerial, AdapterRESTNetwork, AdapterMQTTCloud,
		AdapterWebsocketBinary, AdapterModbusTCP:
		return true
	}
	return false
}

// rest-network profiles.
const (
	ProfileOctoPrint = "octoprint"
	ProfilePrusaLink = "prusalink"
)

// ConnectionParams holds everything needed to reach one device. Which fields
// are required depends on the adapter kind.
type ConnectionParams struct {
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`           // host or broker address
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`                 // service or broker port
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // rest-network authentication
	SerialPath  string `json:"serial_path,omitempty" yaml:"serial_path,omitempty"`   // device path, e.g. /dev/ttyUSB0
	BaudRate    int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`       // serial line speed
	Profile     string `json:"profile,omitempty" yaml:"profile,omitempty"`           // rest-network vendor flavor
	TopicPrefix string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"` // mqtt-cloud topic namespace
	UnitID      int    `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`           // modbus slave identifier
}

// PhysicalID identifies the physical endpoint these parameters reach. Two
// configs with the same PhysicalID address the same hardware, which the
// registry rejects as a conflict.
func (p ConnectionParams) PhysicalID(kind AdapterKind) string {
	switch kind {
	case AdapterSerial:
		return "serial:" + p.SerialPath
	case AdapterMQTTCloud:
		return fmt.Sprintf("mqtt://%s:%d/%s", p.Address, p.Port, p.TopicPrefix)
	default:
		return fmt.Sprintf("%s:%d", p.Address, p.Port)
	}
}

// DeviceConfig is the operator-supplied part of a device: everything except
// the identifier and runtime fields.
type DeviceConfig struct {
	Name string           `json:"name" yaml:"name"`
	Kind AdapterKind      `json:"kind" yaml:"kind"`
	Conn ConnectionParams `json:"connection" yaml:"connection"`
}

// Device is one registered machine. ID is assigned at registration and never
// recycled. LastState and LastSeen are runtime fields maintained by the
// connection supervisor and are not persisted.
type Device struct {
	ID   string           `json:"id"`
	Name string           `json:"name"`
	Kind AdapterKind      `json:"kind"`
	Conn ConnectionParams `json:"connection"`

	LastState CanonicalState `json:"last_state,omitempty"`
	LastSeen  time.Time      `json:"last_seen,omitempty"`
}

// CandidateDevice is a discovery finding: enough to prefill a registration
// form, never registered automatically.
type CandidateDevice struct {
	Name       string      `json:"name"`
	Kind       AdapterKind `json:"kind"`
	Address    string      `json:"address,omitempty"`
	Port       int         `json:"port,omitempty"`
	SerialPath string      `json:"serial_path,omitempty"`
	Profile    string      `json:"profile,omitempty"`
	Source     string      `json:"source"` // which scanner proposed it
}

// PhysicalID identifies the physical endpoint of the candidate, used to
// de-duplicate findings across scanners.
func (c CandidateDevice) PhysicalID() string {
	p := ConnectionParams{Address: c.Address, Port: c.Port, SerialPath: c.SerialPath}
	return p.PhysicalID(c.Kind)
}
