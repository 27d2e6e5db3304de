package models

// CommandName is a canonical command understood by every adapter that
// supports the capability. Adapters translate these into vendor wire format.
type CommandName string

const (
	CommandHome           CommandName = "home"
	CommandMove           CommandName = "move"
	CommandSetTemperature CommandName = "set-temperature"
	CommandPause          CommandName = "pause"
	CommandResume         CommandName = "resume"
	CommandCancel         CommandName = "cancel"
	CommandCustomRaw      CommandName = "custom-raw"
)

// Valid reports whether the name is part of the canonical command set.
func (c CommandName) Valid() bool {
	switch c {
	case CommandHome, CommandMove, CommandSetTemperature, CommandPause,
		CommandResume, CommandCancel, CommandCustomRaw:
		return true
	}
	return false
}

// CommandRequest targets one device with one canonical command. The shape of
// Params depends on the command:
//
//	home:            {"axes": "xyz"} (optional, defaults to all)
//	move:            {"x": 10.0, "y": 5.0, "z": 0.2, "feedrate": 3000}
//	set-temperature: {"zone": "tool0", "target": 210.0}
//	custom-raw:      {"payload": "M117 hello"}
//
// pause, resume and cancel carry no parameters. Requests are transient and
// never persisted.
type CommandRequest struct {
	DeviceID string         `json:"device_id"`
	Name     CommandName    `json:"command"`
	Params   map[string]any `json:"parameters,omitempty"`
}

// CommandResult is the outcome of one command. Degraded marks commands the
// adapter could only approximate (or whose outcome is unknown on a
// fire-and-forget protocol); it is distinct from failure.
type CommandResult struct {
	Success  bool   `json:"success"`
	Raw      string `json:"raw,omitempty"` // vendor-specific response payload
	Degraded bool   `json:"degraded,omitempty"`
}
