// Package adapters contains the protocol adapters that translate canonical
// commands into vendor wire formats and vendor telemetry back into raw
// status records. One adapter instance serves one device and is owned
// exclusively by that device's connection session.
package adapters

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// Adapter is the capability interface implemented by every vendor family.
// Implementations must make Disconnect safe to call even if Connect never
// succeeded, and must never retry commands on their own.
type Adapter interface {
	// Connect establishes the transport: open the serial port, dial the
	// socket, verify REST reachability, or subscribe to the broker.
	Connect(ctx context.Context) error

	// Disconnect releases the transport and any background readers.
	Disconnect() error

	// PollStatus fetches or reads the latest vendor-native status. For
	// push-style protocols it drains the most recent buffered message
	// instead of issuing a new request.
	PollStatus(ctx context.Context) (models.RawStatus, error)

	// SendCommand translates and transmits one canonical command. Commands
	// the protocol cannot express return an UnsupportedCapability error;
	// commands that can only be approximated succeed with the Degraded flag
	// set.
	SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error)
}

// New builds the adapter for the device's kind. The returned adapter is not
// yet connected.
func New(device models.Device, logger zerolog.Logger) (Adapter, error) {
	logger = logger.With().Str("device_id", device.ID).Str("adapter_kind", string(device.Kind)).Logger()

	switch device.Kind {
	case models.AdapterSerial:
		return NewSerialAdapter(device, logger), nil
	case models.AdapterRESTNetwork:
		switch device.Conn.Profile {
		case models.ProfileOctoPrint, "":
			return NewOctoPrintAdapter(device, logger), nil
		case models.ProfilePrusaLink:
			return NewPrusaLinkAdapter(device, logger), nil
		default:
			return nil, errs.Ef(errs.KindValidation, "adapters.new", "unknown rest-network profile %q", device.Conn.Profile)
		}
	case models.AdapterMQTTCloud:
		return NewMQTTCloudAdapter(device, logger), nil
	case models.AdapterWebsocketBinary:
		return NewWSBinaryAdapter(device, logger), nil
	case models.AdapterModbusTCP:
		return NewModbusCNCAdapter(device, logger), nil
	default:
		return nil, errs.Ef(errs.KindValidation, "adapters.new", "unknown adapter kind %q", device.Kind)
	}
}

// unsupported is the shared result for commands a protocol cannot express.
func unsupported(kind models.AdapterKind, name models.CommandName) (models.CommandResult, error) {
	return models.CommandResult{}, errs.E(errs.KindUnsupportedCapability, "adapter.command",
		fmt.Errorf("%s adapter cannot perform %q", kind, name))
}
