package adapters

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// fakePort scripts firmware replies keyed by the first word of each G-code
// line. Unscripted commands get a bare "ok".
type fakePort struct {
	mu      sync.Mutex
	replies map[string]string
	buf     bytes.Buffer
	writes  []string
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := strings.TrimSpace(string(b))
	p.writes = append(p.writes, line)

	key := strings.Fields(line)[0]
	reply, ok := p.replies[key]
	if !ok {
		reply = "ok\n"
	}
	p.buf.WriteString(reply)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		return 0, nil // mimics a serial read timeout
	}
	return p.buf.Read(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) sentLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func serialFixture(replies map[string]string) (*SerialAdapter, *fakePort) {
	port := &fakePort{replies: replies}
	device := models.Device{
		ID:   "s-1",
		Name: "bench printer",
		Kind: models.AdapterSerial,
		Conn: models.ConnectionParams{SerialPath: "/dev/ttyUSB0", BaudRate: 115200},
	}
	a := NewSerialAdapter(device, zerolog.Nop())
	a.openPort = func(*serial.Config) (io.ReadWriteCloser, error) {
		return port, nil
	}
	return a, port
}

// TestSerial_ConnectIdentifiesFirmware tests port open plus M115
// identification.
func TestSerial_ConnectIdentifiesFirmware(t *testing.T) {
	a, port := serialFixture(map[string]string{
		"M115": "FIRMWARE_NAME:Marlin 2.1.2\nok\n",
	})

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, []string{"M115"}, port.sentLines())
	assert.Equal(t, "FIRMWARE_NAME:Marlin 2.1.2", a.firmware)

	require.NoError(t, a.Disconnect())
	assert.True(t, port.closed)
}

// TestSerial_PollWhilePrinting tests the synthesized status while an SD print
// is running.
func TestSerial_PollWhilePrinting(t *testing.T) {
	a, _ := serialFixture(map[string]string{
		"M105": "ok T:210.00 /215.00 B:60.00 /60.00\n",
		"M27":  "SD printing byte 500/1000\nok\n",
	})
	require.NoError(t, a.Connect(context.Background()))

	raw, err := a.PollStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "printing", raw.StateToken)
	require.NotNil(t, raw.ProgressFraction)
	assert.InDelta(t, 0.5, *raw.ProgressFraction, 1e-9)
	assert.Equal(t, models.TempReading{Actual: 210, Target: 215}, raw.Temperatures["T"])
	assert.Equal(t, models.TempReading{Actual: 60, Target: 60}, raw.Temperatures["B"])
}

// TestSerial_PollStates tests the idle / heating / done derivation.
func TestSerial_PollStates(t *testing.T) {
	cases := []struct {
		name  string
		m105  string
		m27   string
		token string
	}{
		{"idle", "ok T:24.00 /0.00 B:23.00 /0.00\n", "Not SD printing\nok\n", "idle"},
		{"heating", "ok T:120.00 /215.00 B:60.00 /60.00\n", "Not SD printing\nok\n", "heating"},
		{"done", "ok T:180.00 /0.00 B:50.00 /0.00\n", "SD printing byte 1000/1000\nok\n", "done"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := serialFixture(map[string]string{"M105": tc.m105, "M27": tc.m27})
			require.NoError(t, a.Connect(context.Background()))

			raw, err := a.PollStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.token, raw.StateToken)
		})
	}
}

// TestSerial_PauseTracksLocalState tests that pause/resume are remembered;
// the firmware has no state endpoint to ask.
func TestSerial_PauseTracksLocalState(t *testing.T) {
	a, port := serialFixture(map[string]string{
		"M105": "ok T:210.00 /210.00 B:60.00 /60.00\n",
		"M27":  "SD printing byte 500/1000\nok\n",
	})
	require.NoError(t, a.Connect(context.Background()))
	ctx := context.Background()

	result, err := a.SendCommand(ctx, models.CommandRequest{Name: models.CommandPause})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, port.sentLines(), "M25")

	raw, err := a.PollStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paused", raw.StateToken)

	_, err = a.SendCommand(ctx, models.CommandRequest{Name: models.CommandResume})
	require.NoError(t, err)
	assert.Contains(t, port.sentLines(), "M24")

	raw, err = a.PollStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "printing", raw.StateToken)
}

// TestSerial_CancelIsDegraded tests that cancel is flagged as approximated:
// older firmware ignores M524.
func TestSerial_CancelIsDegraded(t *testing.T) {
	a, port := serialFixture(nil)
	require.NoError(t, a.Connect(context.Background()))

	result, err := a.SendCommand(context.Background(), models.CommandRequest{Name: models.CommandCancel})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Contains(t, port.sentLines(), "M524")
}

// TestSerial_Translate tests the canonical-to-G-code mapping.
func TestSerial_Translate(t *testing.T) {
	a, port := serialFixture(nil)
	require.NoError(t, a.Connect(context.Background()))
	ctx := context.Background()

	cases := []struct {
		req   models.CommandRequest
		gcode string
	}{
		{models.CommandRequest{Name: models.CommandHome}, "G28"},
		{models.CommandRequest{Name: models.CommandHome, Params: map[string]any{"axes": "xy"}}, "G28 X Y"},
		{models.CommandRequest{Name: models.CommandMove, Params: map[string]any{"x": 10.0, "z": 0.2, "feedrate": 3000.0}}, "G0 X10.000 Z0.200 F3000.000"},
		{models.CommandRequest{Name: models.CommandSetTemperature, Params: map[string]any{"zone": "bed", "target": 60.0}}, "M140 S60.0"},
		{models.CommandRequest{Name: models.CommandSetTemperature, Params: map[string]any{"target": 215.0}}, "M104 S215.0"},
		{models.CommandRequest{Name: models.CommandSetTemperature, Params: map[string]any{"zone": "tool1", "target": 200.0}}, "M104 T1 S200.0"},
		{models.CommandRequest{Name: models.CommandCustomRaw, Params: map[string]any{"payload": "M117 hello"}}, "M117 hello"},
	}
	for _, tc := range cases {
		_, err := a.SendCommand(ctx, tc.req)
		require.NoError(t, err)
		lines := port.sentLines()
		assert.Equal(t, tc.gcode, lines[len(lines)-1])
	}
}

// TestSerial_CommandValidation tests the parameter checks.
func TestSerial_CommandValidation(t *testing.T) {
	a, _ := serialFixture(nil)
	require.NoError(t, a.Connect(context.Background()))
	ctx := context.Background()

	_, err := a.SendCommand(ctx, models.CommandRequest{Name: models.CommandMove})
	assert.True(t, errs.Is(err, errs.KindCommand))

	_, err = a.SendCommand(ctx, models.CommandRequest{Name: models.CommandSetTemperature})
	assert.True(t, errs.Is(err, errs.KindCommand))
}

// TestSerial_PollBeforeConnect tests that an unopened port fails the poll.
func TestSerial_PollBeforeConnect(t *testing.T) {
	a, _ := serialFixture(nil)
	_, err := a.PollStatus(context.Background())
	assert.True(t, errs.Is(err, errs.KindPoll))
}
