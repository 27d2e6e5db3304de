package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// Frame opcodes of the binary WebSocket protocol. Every frame is one opcode
// byte followed by a JSON body.
const (
	opStatus  byte = 0x01 // device → agent, status push
	opCommand byte = 0x02 // agent → device
	opAck     byte = 0x03 // device → agent, command acknowledgement
)

// wsAck is the JSON body of an acknowledgement frame.
type wsAck struct {
	ID      uint64 `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"msg,omitempty"`
}

// wsStatus is the JSON body of a status frame.
type wsStatus struct {
	State     string                        `json:"st"`
	Progress  *float64                      `json:"pct"` // percent
	Layer     *int                          `json:"layer"`
	Layers    *int                          `json:"layers"`
	Elapsed   *int64                        `json:"elapsed"`
	Remaining *int64                        `json:"remaining"`
	Temps     map[string]models.TempReading `json:"temps"`
	Error     string                        `json:"error"`
}

// WSBinaryAdapter drives devices speaking the multiplexed binary WebSocket
// protocol: the device pushes status frames continuously and acknowledges
// commands by ID on the same connection.
type WSBinaryAdapter struct {
	device models.Device
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	latest  *models.RawStatus
	nextID  uint64
	pending map[uint64]chan wsAck
}

// NewWSBinaryAdapter builds an unconnected binary WebSocket adapter.
func NewWSBinaryAdapter(device models.Device, logger zerolog.Logger) *WSBinaryAdapter {
	return &WSBinaryAdapter{
		device: device,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// Connect dials the device and starts the frame reader.
func (a *WSBinaryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}

	url := fmt.Sprintf("ws://%s:%d/machine", a.device.Conn.Address, a.device.Conn.Port)
	conn, _, err := a.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errs.E(errs.KindConnect, "wsbinary.connect", err).WithDevice(a.device.ID)
	}

	a.conn = conn
	a.done = make(chan struct{})
	a.pending = make(map[uint64]chan wsAck)
	a.latest = nil

	go a.readFrames(conn, a.done)
	return nil
}

// Disconnect closes the connection and fails any commands still waiting for
// an acknowledgement. Safe to call when never connected.
func (a *WSBinaryAdapter) Disconnect() error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.conn, a.done = nil, nil
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if conn != nil {
		err := conn.Close()
		<-done
		return err
	}
	return nil
}

// PollStatus drains the most recent pushed status frame.
func (a *WSBinaryAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "wsbinary.poll", "not connected").WithDevice(a.device.ID)
	}
	if a.latest == nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "wsbinary.poll", "no status frame received yet").WithDevice(a.device.ID)
	}
	return *a.latest, nil
}

// SendCommand writes a command frame and waits for the matching ack. The
// protocol is request/response, so cancellation aborts the wait and the
// command fails rather than being reported as possibly applied.
func (a *WSBinaryAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "wsbinary.command", "not connected").WithDevice(a.device.ID)
	}
	a.nextID++
	id := a.nextID
	ackCh := make(chan wsAck, 1)
	a.pending[id] = ackCh

	body, err := json.Marshal(map[string]any{
		"id":   id,
		"cmd":  req.Name,
		"args": req.Params,
	})
	if err == nil {
		frame := append([]byte{opCommand}, body...)
		err = a.conn.WriteMessage(websocket.BinaryMessage, frame)
	}
	a.mu.Unlock()

	if err != nil {
		a.dropPending(id)
		return models.CommandResult{}, errs.E(errs.KindCommand, "wsbinary.command", err).WithDevice(a.device.ID)
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "wsbinary.command", "connection closed before acknowledgement").WithDevice(a.device.ID)
		}
		if !ack.OK {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "wsbinary.command", "device rejected %s: %s", req.Name, ack.Message).WithDevice(a.device.ID)
		}
		return models.CommandResult{Success: true, Raw: ack.Message}, nil
	case <-ctx.Done():
		a.dropPending(id)
		return models.CommandResult{}, errs.E(errs.KindCommand, "wsbinary.command", ctx.Err()).WithDevice(a.device.ID)
	}
}

func (a *WSBinaryAdapter) dropPending(id uint64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// readFrames demultiplexes incoming frames: status pushes replace the
// buffered snapshot, acks are routed to their waiting command.
func (a *WSBinaryAdapter) readFrames(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			a.logger.Debug().Err(err).Msg("Frame reader stopped")
			return
		}
		if msgType != websocket.BinaryMessage || len(frame) < 2 {
			continue
		}

		opcode, body := frame[0], frame[1:]
		switch opcode {
		case opStatus:
			var status wsStatus
			if err := json.Unmarshal(body, &status); err != nil {
				a.logger.Debug().Err(err).Msg("Malformed status frame")
				continue
			}
			raw := models.RawStatus{
				StateToken:       status.State,
				ProgressPercent:  status.Progress,
				CurrentLayer:     status.Layer,
				TotalLayers:      status.Layers,
				ElapsedSeconds:   status.Elapsed,
				RemainingSeconds: status.Remaining,
				Temperatures:     status.Temps,
				VendorError:      status.Error,
			}
			a.mu.Lock()
			a.latest = &raw
			a.mu.Unlock()

		case opAck:
			var ack wsAck
			if err := json.Unmarshal(body, &ack); err != nil {
				continue
			}
			a.mu.Lock()
			if ch, ok := a.pending[ack.ID]; ok {
				ch <- ack
				delete(a.pending, ack.ID)
			}
			a.mu.Unlock()
		}
	}
}
