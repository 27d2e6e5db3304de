package adapters

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// CNC controller register map. Status lives in a contiguous holding-register
// block so one read returns a consistent snapshot; commands go through a
// single control register.
const (
	regStatusBase  = 0  // block start
	regStatusCount = 12 // registers 0..11
	// offsets within the status block
	regState     = 0 // state code, see modbusStates
	regProgress  = 1 // program progress, tenths of a percent
	regElapsed   = 2 // uint32 across registers 2..3, seconds
	regRemaining = 4 // uint32 across registers 4..5, seconds
	regSpindleT  = 10 // spindle temperature, tenths of °C
	regSpindleTT = 11 // spindle target temperature, tenths of °C

	regControl  = 100 // command code register
	regMoveBase = 110 // x, y, z target position, 0.01 mm units
)

// Control register command codes.
const (
	cncCmdHome   uint16 = 1
	cncCmdResume uint16 = 2 // cycle start
	cncCmdPause  uint16 = 3 // feed hold
	cncCmdCancel uint16 = 4
	cncCmdMoveTo uint16 = 5 // rapid to the position registers
)

// ModbusCNCAdapter drives CNC controllers over Modbus TCP. The goburrow
// client has no context plumbing; deadlines are enforced through the
// handler's own timeout, sized from the connect context at dial time.
type ModbusCNCAdapter struct {
	device models.Device
	logger zerolog.Logger

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewModbusCNCAdapter builds an unconnected Modbus adapter.
func NewModbusCNCAdapter(device models.Device, logger zerolog.Logger) *ModbusCNCAdapter {
	return &ModbusCNCAdapter{device: device, logger: logger}
}

// Connect dials the controller and verifies the status block is readable.
func (a *ModbusCNCAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handler != nil {
		return nil
	}

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", a.device.Conn.Address, a.device.Conn.Port))
	handler.SlaveId = byte(a.device.Conn.UnitID)
	handler.Timeout = 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < handler.Timeout {
			handler.Timeout = d
		}
	}

	if err := handler.Connect(); err != nil {
		return errs.E(errs.KindConnect, "modbus.connect", err).WithDevice(a.device.ID)
	}

	client := modbus.NewClient(handler)
	if _, err := client.ReadHoldingRegisters(regStatusBase, regStatusCount); err != nil {
		handler.Close()
		return errs.Ef(errs.KindConnect, "modbus.connect", "status block unreadable: %v", err).WithDevice(a.device.ID)
	}

	a.handler = handler
	a.client = client
	return nil
}

// Disconnect closes the TCP connection. Safe to call when never connected.
func (a *ModbusCNCAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handler == nil {
		return nil
	}
	err := a.handler.Close()
	a.handler = nil
	a.client = nil
	return err
}

// PollStatus reads the status block and decodes it into a raw status. The
// state code is rendered as a decimal token for the lookup table so an
// out-of-range code surfaces as an unrecognized token, not a silent default.
func (a *ModbusCNCAdapter) PollStatus(_ context.Context) (models.RawStatus, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "modbus.poll", "not connected").WithDevice(a.device.ID)
	}

	data, err := client.ReadHoldingRegisters(regStatusBase, regStatusCount)
	if err != nil {
		return models.RawStatus{}, errs.E(errs.KindPoll, "modbus.poll", err).WithDevice(a.device.ID)
	}
	if len(data) < regStatusCount*2 {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "modbus.poll", "short status block: %d bytes", len(data)).WithDevice(a.device.ID)
	}

	reg := func(offset int) uint16 {
		return binary.BigEndian.Uint16(data[offset*2:])
	}
	reg32 := func(offset int) int64 {
		return int64(binary.BigEndian.Uint32(data[offset*2:]))
	}

	progress := float64(reg(regProgress)) / 10
	elapsed := reg32(regElapsed)
	remaining := reg32(regRemaining)

	raw := models.RawStatus{
		StateToken:      fmt.Sprintf("%d", reg(regState)),
		ProgressPercent: &progress,
		ElapsedSeconds:  &elapsed,
		Temperatures: map[string]models.TempReading{
			"spindle": {
				Actual: float64(reg(regSpindleT)) / 10,
				Target: float64(reg(regSpindleTT)) / 10,
			},
		},
	}
	// A zero remaining estimate means the controller has none; absent beats
	// fabricated.
	if remaining > 0 {
		raw.RemainingSeconds = &remaining
	}
	return raw, nil
}

// SendCommand writes the control register, after loading the position
// registers for moves.
func (a *ModbusCNCAdapter) SendCommand(_ context.Context, req models.CommandRequest) (models.CommandResult, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil {
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "modbus.command", "not connected").WithDevice(a.device.ID)
	}

	var code uint16
	switch req.Name {
	case models.CommandHome:
		code = cncCmdHome
	case models.CommandResume:
		code = cncCmdResume
	case models.CommandPause:
		code = cncCmdPause
	case models.CommandCancel:
		code = cncCmdCancel
	case models.CommandMove:
		positions := make([]byte, 6)
		found := false
		for i, axis := range []string{"x", "y", "z"} {
			if v, ok := floatParam(req.Params, axis); ok {
				binary.BigEndian.PutUint16(positions[i*2:], uint16(v*100))
				found = true
			}
		}
		if !found {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "modbus.command", "move requires at least one axis").WithDevice(a.device.ID)
		}
		if _, err := client.WriteMultipleRegisters(regMoveBase, 3, positions); err != nil {
			return models.CommandResult{}, errs.E(errs.KindCommand, "modbus.command", err).WithDevice(a.device.ID)
		}
		code = cncCmdMoveTo
	default:
		// No temperature loop or pass-through G-code on this controller.
		return unsupported(models.AdapterModbusTCP, req.Name)
	}

	if _, err := client.WriteSingleRegister(regControl, code); err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "modbus.command", err).WithDevice(a.device.ID)
	}
	return models.CommandResult{Success: true, Raw: fmt.Sprintf("control=%d", code)}, nil
}
