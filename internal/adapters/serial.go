package adapters

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// serialReadTimeout is the per-read timeout on the port; command and poll
// deadlines come from the caller's context on top of it.
const serialReadTimeout = 200 * time.Millisecond

// SerialAdapter drives Marlin-flavor G-code firmware over a serial link.
// The firmware has no state endpoint, so the adapter synthesizes a status
// token from M27 progress, M105 temperatures and the pause/resume commands
// it has itself issued.
type SerialAdapter struct {
	device models.Device
	logger zerolog.Logger

	// openPort is swapped out by tests.
	openPort func(*serial.Config) (io.ReadWriteCloser, error)

	mu         sync.Mutex
	port       io.ReadWriteCloser
	firmware   string
	localState string // paused / cancelled, tracked from issued commands
}

// NewSerialAdapter builds an unconnected serial adapter for the device.
func NewSerialAdapter(device models.Device, logger zerolog.Logger) *SerialAdapter {
	return &SerialAdapter{
		device: device,
		logger: logger,
		openPort: func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(c)
		},
	}
}

// Connect opens the serial port and identifies the firmware with M115.
func (a *SerialAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port != nil {
		return nil
	}

	c := &serial.Config{
		Name:        a.device.Conn.SerialPath,
		Baud:        a.device.Conn.BaudRate,
		ReadTimeout: serialReadTimeout,
	}
	port, err := a.openPort(c)
	if err != nil {
		return errs.E(errs.KindConnect, "serial.connect", err).WithDevice(a.device.ID)
	}
	a.port = port
	a.localState = ""

	// Identification is best effort; some firmware stays silent until the
	// first motion command.
	if reply, err := a.exchange(ctx, "M115"); err == nil {
		a.firmware = firstLine(reply)
		a.logger.Info().Str("firmware", a.firmware).Msg("Serial device identified")
	}

	return nil
}

// Disconnect closes the port. Safe to call when never connected.
func (a *SerialAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

// PollStatus queries temperatures (M105) and SD progress (M27) and derives a
// status token from them.
func (a *SerialAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "serial.poll", "port not open").WithDevice(a.device.ID)
	}

	tempReply, err := a.exchange(ctx, "M105")
	if err != nil {
		return models.RawStatus{}, errs.E(errs.KindPoll, "serial.poll", err).WithDevice(a.device.ID)
	}
	temps := parseTemperatureReport(tempReply)

	progReply, err := a.exchange(ctx, "M27")
	if err != nil {
		return models.RawStatus{}, errs.E(errs.KindPoll, "serial.poll", err).WithDevice(a.device.ID)
	}
	printing, fraction := parseSDProgress(progReply)

	raw := models.RawStatus{Temperatures: temps}
	switch {
	case a.localState != "":
		raw.StateToken = a.localState
	case printing && fraction >= 1:
		raw.StateToken = "done"
	case printing:
		raw.StateToken = "printing"
		f := fraction
		raw.ProgressFraction = &f
	case heating(temps):
		raw.StateToken = "heating"
	default:
		raw.StateToken = "idle"
	}
	if printing && raw.ProgressFraction == nil && raw.StateToken == "printing" {
		f := fraction
		raw.ProgressFraction = &f
	}
	return raw, nil
}

// SendCommand translates a canonical command into G-code and waits for the
// firmware's ok.
func (a *SerialAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "serial.command", "port not open").WithDevice(a.device.ID)
	}

	gcode, degraded, err := a.translate(req)
	if err != nil {
		return models.CommandResult{}, err
	}

	reply, err := a.exchange(ctx, gcode)
	if err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "serial.command", err).WithDevice(a.device.ID)
	}

	switch req.Name {
	case models.CommandPause:
		a.localState = "paused"
	case models.CommandResume, models.CommandHome:
		a.localState = ""
	case models.CommandCancel:
		a.localState = "cancelled"
	}

	return models.CommandResult{Success: true, Raw: reply, Degraded: degraded}, nil
}

func (a *SerialAdapter) translate(req models.CommandRequest) (gcode string, degraded bool, err error) {
	switch req.Name {
	case models.CommandHome:
		if axes, ok := stringParam(req.Params, "axes"); ok && axes != "" {
			var parts []string
			for _, r := range strings.ToUpper(axes) {
				parts = append(parts, string(r))
			}
			return "G28 " + strings.Join(parts, " "), false, nil
		}
		return "G28", false, nil

	case models.CommandMove:
		parts := []string{"G0"}
		for _, axis := range []struct{ key, letter string }{
			{"x", "X"}, {"y", "Y"}, {"z", "Z"}, {"feedrate", "F"},
		} {
			if v, ok := floatParam(req.Params, axis.key); ok {
				parts = append(parts, fmt.Sprintf("%s%.3f", axis.letter, v))
			}
		}
		if len(parts) == 1 {
			return "", false, errs.Ef(errs.KindCommand, "serial.command", "move requires at least one axis").WithDevice(a.device.ID)
		}
		return strings.Join(parts, " "), false, nil

	case models.CommandSetTemperature:
		target, ok := floatParam(req.Params, "target")
		if !ok {
			return "", false, errs.Ef(errs.KindCommand, "serial.command", "set-temperature requires target").WithDevice(a.device.ID)
		}
		zone, _ := stringParam(req.Params, "zone")
		switch zone {
		case models.ZoneBed:
			return fmt.Sprintf("M140 S%.1f", target), false, nil
		case models.ZoneChamber:
			return fmt.Sprintf("M141 S%.1f", target), false, nil
		case models.ZoneTool1:
			return fmt.Sprintf("M104 T1 S%.1f", target), false, nil
		default: // tool0
			return fmt.Sprintf("M104 S%.1f", target), false, nil
		}

	case models.CommandPause:
		return "M25", false, nil
	case models.CommandResume:
		return "M24", false, nil
	case models.CommandCancel:
		// M524 aborts an SD print on current Marlin; older firmware ignores
		// it, so the capability is flagged as approximated.
		return "M524", true, nil
	case models.CommandCustomRaw:
		payload, ok := stringParam(req.Params, "payload")
		if !ok || payload == "" {
			return "", false, errs.Ef(errs.KindCommand, "serial.command", "custom-raw requires payload").WithDevice(a.device.ID)
		}
		return payload, false, nil
	}
	_, err = unsupported(models.AdapterSerial, req.Name)
	return "", false, err
}

// exchange writes one G-code line and accumulates the reply until the
// firmware acknowledges with "ok" or the context expires. Callers hold the
// mutex, so at most one exchange is on the wire at a time.
func (a *SerialAdapter) exchange(ctx context.Context, gcode string) (string, error) {
	if _, err := a.port.Write([]byte(gcode + "\n")); err != nil {
		return "", err
	}

	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), fmt.Errorf("awaiting ok for %q: %w", gcode, err)
		}
		n, err := a.port.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if hasOKLine(sb.String()) {
				return sb.String(), nil
			}
		}
		if err != nil && err != io.EOF {
			return sb.String(), err
		}
	}
}

func hasOKLine(reply string) bool {
	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "ok") {
			return true
		}
	}
	return false
}

func firstLine(reply string) string {
	if i := strings.IndexByte(reply, '\n'); i >= 0 {
		return strings.TrimSpace(reply[:i])
	}
	return strings.TrimSpace(reply)
}

// parseTemperatureReport decodes a Marlin M105 reply such as
// "ok T:210.00 /215.00 B:60.00 /60.00" into vendor-named zones.
func parseTemperatureReport(reply string) map[string]models.TempReading {
	temps := make(map[string]models.TempReading)
	fields := strings.Fields(reply)
	for i := 0; i < len(fields); i++ {
		name, actualStr, found := strings.Cut(fields[i], ":")
		if !found || actualStr == "" {
			continue
		}
		var actual, target float64
		if _, err := fmt.Sscanf(actualStr, "%f", &actual); err != nil {
			continue
		}
		if i+1 < len(fields) && strings.HasPrefix(fields[i+1], "/") {
			fmt.Sscanf(fields[i+1][1:], "%f", &target)
			i++
		}
		switch name {
		case "T", "T0", "T1", "B", "C":
			temps[name] = models.TempReading{Actual: actual, Target: target}
		}
	}
	if len(temps) == 0 {
		return nil
	}
	return temps
}

// parseSDProgress decodes an M27 reply: "SD printing byte 1234/5678" or
// "Not SD printing".
func parseSDProgress(reply string) (printing bool, fraction float64) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Not SD printing") {
			return false, 0
		}
		var cur, total int64
		if _, err := fmt.Sscanf(line, "SD printing byte %d/%d", &cur, &total); err == nil {
			if total <= 0 {
				return true, 0
			}
			return true, float64(cur) / float64(total)
		}
	}
	return false, 0
}

// heating reports whether any zone is still far from a nonzero target.
func heating(temps map[string]models.TempReading) bool {
	for _, t := range temps {
		if t.Target > 0 && t.Actual < t.Target-3 {
			return true
		}
	}
	return false
}
