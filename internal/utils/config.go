package utils

import (
	"time"

	"github.com/fablab-io/machine-agent/internal/constants"
	"github.com/fablab-io/machine-agent/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Registry struct {
		DatabasePath string `yaml:"database_path"` // Path to the SQLite device-config database
	} `yaml:"registry"`

	Supervisor struct {
		BaseRetryDelay     time.Duration `yaml:"base_retry_delay"`     // Backoff base between reconnect attempts
		MaxRetryBackoff    time.Duration `yaml:"max_retry_backoff"`    // Ceiling for reconnect backoff
		DegradedThreshold  int           `yaml:"degraded_threshold"`   // Consecutive failed polls before a full reconnect
		ActivePollInterval time.Duration `yaml:"active_poll_interval"` // Telemetry cadence for active devices
		IdlePollInterval   time.Duration `yaml:"idle_poll_interval"`   // Telemetry cadence for idle devices
		PollTimeout        time.Duration `yaml:"poll_timeout"`         // Timeout for a single telemetry request
		ConnectTimeout     time.Duration `yaml:"connect_timeout"`      // Timeout for one transport connect attempt
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`     // Cooperative shutdown wait before force release
	} `yaml:"supervisor"`

	Router struct {
		CommandTimeout time.Duration `yaml:"command_timeout"` // Per-command timeout, distinct from poll timeout
		QueueDepth     int           `yaml:"queue_depth"`     // Commands queued behind the in-flight one per device
	} `yaml:"router"`

	Discovery struct {
		ScanWindow    time.Duration `yaml:"scan_window"`    // Bound on one network broadcast scan
		BroadcastPort int           `yaml:"broadcast_port"` // UDP port probed for network printers
		SerialGlobs   []string      `yaml:"serial_globs"`   // Device path globs for serial bus enumeration
	} `yaml:"discovery"`

	Events struct {
		BufferSize int `yaml:"buffer_size"` // Per-subscriber channel depth on the event bridge
	} `yaml:"events"`
}

// LoadConfig loads the YAML configuration from the given file and fills
// in defaults for unset fields.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Registry.DatabasePath == "" {
		c.Registry.DatabasePath = constants.DefaultDatabasePath
	}
	if c.Supervisor.BaseRetryDelay <= 0 {
		c.Supervisor.BaseRetryDelay = constants.DefaultBaseRetryDelay
	}
	if c.Supervisor.MaxRetryBackoff <= 0 {
		c.Supervisor.MaxRetryBackoff = constants.DefaultMaxRetryBackoff
	}
	if c.Supervisor.DegradedThreshold <= 0 {
		c.Supervisor.DegradedThreshold = constants.DefaultDegradedThreshold
	}
	if c.Supervisor.ActivePollInterval <= 0 {
		c.Supervisor.ActivePollInterval = constants.DefaultActivePollInterval
	}
	if c.Supervisor.IdlePollInterval <= 0 {
		c.Supervisor.IdlePollInterval = constants.DefaultIdlePollInterval
	}
	if c.Supervisor.PollTimeout <= 0 {
		c.Supervisor.PollTimeout = constants.DefaultPollTimeout
	}
	if c.Supervisor.ConnectTimeout <= 0 {
		c.Supervisor.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		c.Supervisor.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if c.Router.CommandTimeout <= 0 {
		c.Router.CommandTimeout = constants.DefaultCommandTimeout
	}
	if c.Router.QueueDepth <= 0 {
		c.Router.QueueDepth = constants.DefaultCommandQueueDepth
	}
	if c.Discovery.ScanWindow <= 0 {
		c.Discovery.ScanWindow = constants.DefaultScanWindow
	}
	if c.Discovery.BroadcastPort <= 0 {
		c.Discovery.BroadcastPort = constants.DefaultBroadcastPort
	}
	if len(c.Discovery.SerialGlobs) == 0 {
		c.Discovery.SerialGlobs = constants.DefaultSerialGlobs
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = constants.DefaultEventBuffer
	}
}
