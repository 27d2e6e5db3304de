package constants

import "time"

// DefaultDatabasePath is where device configuration is persisted when the
// config file does not say otherwise.
const DefaultDatabasePath = "machine-agent.db"

// Connection supervisor defaults.
const (
	// DefaultBaseRetryDelay is the backoff base for reconnect attempts.
	DefaultBaseRetryDelay = 2 * time.Second
	// DefaultMaxRetryBackoff caps the exponential reconnect backoff.
	DefaultMaxRetryBackoff = 2 * time.Minute
	// DefaultDegradedThreshold is the number of consecutive failed polls a
	// connected device tolerates before a full reconnect is forced.
	DefaultDegradedThreshold = 3
	// DefaultActivePollInterval is the telemetry cadence for devices believed
	// to be running, warming up or paused.
	DefaultActivePollInterval = 2 * time.Second
	// DefaultIdlePollInterval is the telemetry cadence for idle devices.
	DefaultIdlePollInterval = 15 * time.Second
	// DefaultPollTimeout bounds a single telemetry request.
	DefaultPollTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds one transport connect attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds the cooperative shutdown wait before
	// per-device sessions are abandoned.
	DefaultShutdownTimeout = 10 * time.Second
)

// Command router defaults.
const (
	// DefaultCommandTimeout bounds a single command, distinct from the poll
	// timeout.
	DefaultCommandTimeout = 15 * time.Second
	// DefaultCommandQueueDepth is how many commands may wait behind the one
	// in flight before submissions fail with backpressure.
	DefaultCommandQueueDepth = 4
)

// Discovery defaults.
const (
	// DefaultScanWindow bounds one network broadcast scan.
	DefaultScanWindow = 3 * time.Second
	// DefaultBroadcastPort is the UDP port probed for network printers.
	DefaultBroadcastPort = 37020
)

// DefaultSerialGlobs are the device paths enumerated during serial bus
// discovery.
var DefaultSerialGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

// DefaultEventBuffer is the per-subscriber channel depth on the event bridge.
const DefaultEventBuffer = 16
