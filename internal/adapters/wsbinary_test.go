package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// wsTestServer upgrades /machine, pushes one status frame, then acknowledges
// every command frame.
func wsTestServer(t *testing.T, status map[string]any, ackOK bool, ackMsg string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/machine" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		body, err := json.Marshal(status)
		require.NoError(t, err)
		if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{opStatus}, body...)); err != nil {
			return
		}

		for {
			msgType, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage || len(frame) < 2 || frame[0] != opCommand {
				continue
			}
			var cmd struct {
				ID uint64 `json:"id"`
			}
			require.NoError(t, json.Unmarshal(frame[1:], &cmd))

			ack, err := json.Marshal(wsAck{ID: cmd.ID, OK: ackOK, Message: ackMsg})
			require.NoError(t, err)
			if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{opAck}, ack...)); err != nil {
				return
			}
		}
	}))
}

// TestWSBinary_StatusAndCommand tests the demultiplexed connection: a pushed
// status frame serves polls while a command round-trips for its ack.
func TestWSBinary_StatusAndCommand(t *testing.T) {
	ts := wsTestServer(t, map[string]any{
		"st":     "run",
		"pct":    55.0,
		"layer":  30,
		"layers": 120,
	}, true, "done")
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterWebsocketBinary, "")
	a := NewWSBinaryAdapter(device, zerolog.Nop())

	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	// The status frame arrives asynchronously after the upgrade.
	var raw models.RawStatus
	require.Eventually(t, func() bool {
		var err error
		raw, err = a.PollStatus(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "run", raw.StateToken)
	require.NotNil(t, raw.ProgressPercent)
	assert.InDelta(t, 55.0, *raw.ProgressPercent, 1e-9)
	require.NotNil(t, raw.CurrentLayer)
	assert.Equal(t, 30, *raw.CurrentLayer)

	result, err := a.SendCommand(context.Background(), models.CommandRequest{Name: models.CommandPause})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Raw)
}

// TestWSBinary_RejectedCommand tests that a negative ack surfaces as a
// command error with the device's message.
func TestWSBinary_RejectedCommand(t *testing.T) {
	ts := wsTestServer(t, map[string]any{"st": "idle"}, false, "spindle interlock open")
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterWebsocketBinary, "")
	a := NewWSBinaryAdapter(device, zerolog.Nop())

	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	_, err := a.SendCommand(context.Background(), models.CommandRequest{Name: models.CommandHome})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCommand))
	assert.Contains(t, err.Error(), "spindle interlock open")
}

// TestWSBinary_CancelledWaitFails tests that an expired context aborts the
// ack wait with an error instead of guessing the outcome.
func TestWSBinary_CancelledWaitFails(t *testing.T) {
	upgrader := websocket.Upgrader{}
	// A server that never acknowledges.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterWebsocketBinary, "")
	a := NewWSBinaryAdapter(device, zerolog.Nop())

	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.SendCommand(ctx, models.CommandRequest{Name: models.CommandPause})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCommand))
}

// TestWSBinary_PollBeforeFirstFrame tests that polls fail until the device
// has pushed at least one status frame.
func TestWSBinary_PollBeforeFirstFrame(t *testing.T) {
	a := NewWSBinaryAdapter(models.Device{ID: "w-1", Kind: models.AdapterWebsocketBinary}, zerolog.Nop())
	_, err := a.PollStatus(context.Background())
	assert.True(t, errs.Is(err, errs.KindPoll))
}
