package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// pushFreshness is how long a pushed status message is preferred over a REST
// round trip.
const pushFreshness = 10 * time.Second

// OctoPrintAdapter drives OctoPrint-style servers: REST for commands and as
// a polling fallback, plus a WebSocket push channel whose most recent status
// message is buffered and drained by PollStatus.
type OctoPrintAdapter struct {
	device  models.Device
	logger  zerolog.Logger
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	wsDone   chan struct{}
	latest   *models.RawStatus
	latestAt time.Time
}

// NewOctoPrintAdapter builds an unconnected OctoPrint adapter.
func NewOctoPrintAdapter(device models.Device, logger zerolog.Logger) *OctoPrintAdapter {
	return &OctoPrintAdapter{
		device:  device,
		logger:  logger,
		baseURL: fmt.Sprintf("http://%s:%d", device.Conn.Address, device.Conn.Port),
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

// Connect verifies REST reachability and opens the push channel. A failed
// WebSocket dial is not fatal; the adapter falls back to REST polling.
func (a *OctoPrintAdapter) Connect(ctx context.Context) error {
	var version struct {
		Server string `json:"server"`
		Text   string `json:"text"`
	}
	if err := a.getJSON(ctx, "/api/version", &version); err != nil {
		return errs.E(errs.KindConnect, "octoprint.connect", err).WithDevice(a.device.ID)
	}
	a.logger.Info().Str("server", version.Text).Msg("OctoPrint server reachable")

	wsURL := fmt.Sprintf("ws://%s:%d/sockjs/websocket", a.device.Conn.Address, a.device.Conn.Port)
	ws, _, err := a.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Push channel unavailable, falling back to REST polling")
		return nil
	}

	a.mu.Lock()
	a.ws = ws
	a.wsDone = make(chan struct{})
	a.mu.Unlock()

	go a.readPush(ws, a.wsDone)
	return nil
}

// Disconnect closes the push channel. Safe to call when never connected.
func (a *OctoPrintAdapter) Disconnect() error {
	a.mu.Lock()
	ws, done := a.ws, a.wsDone
	a.ws, a.wsDone = nil, nil
	a.latest = nil
	a.mu.Unlock()

	if ws != nil {
		err := ws.Close()
		<-done
		return err
	}
	return nil
}

// PollStatus drains the freshest pushed message, or falls back to the job
// and printer REST endpoints.
func (a *OctoPrintAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	a.mu.Lock()
	if a.latest != nil && time.Since(a.latestAt) < pushFreshness {
		raw := *a.latest
		a.mu.Unlock()
		return raw, nil
	}
	a.mu.Unlock()

	var job struct {
		State    string `json:"state"`
		Progress struct {
			Completion    *float64 `json:"completion"`
			PrintTime     *int64   `json:"printTime"`
			PrintTimeLeft *int64   `json:"printTimeLeft"`
		} `json:"progress"`
	}
	if err := a.getJSON(ctx, "/api/job", &job); err != nil {
		return models.RawStatus{}, errs.E(errs.KindPoll, "octoprint.poll", err).WithDevice(a.device.ID)
	}

	raw := models.RawStatus{
		StateToken:       job.State,
		ProgressPercent:  job.Progress.Completion,
		ElapsedSeconds:   job.Progress.PrintTime,
		RemainingSeconds: job.Progress.PrintTimeLeft,
	}

	// The printer endpoint answers 409 while the printer is not operational;
	// temperatures are simply absent then.
	var printer struct {
		Temperature map[string]models.TempReading `json:"temperature"`
	}
	if err := a.getJSON(ctx, "/api/printer?exclude=sd,state", &printer); err == nil && len(printer.Temperature) > 0 {
		raw.Temperatures = printer.Temperature
	}

	return raw, nil
}

// SendCommand maps canonical commands onto the OctoPrint command endpoints.
func (a *OctoPrintAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	var path string
	var body map[string]any

	switch req.Name {
	case models.CommandPause:
		path, body = "/api/job", map[string]any{"command": "pause", "action": "pause"}
	case models.CommandResume:
		path, body = "/api/job", map[string]any{"command": "pause", "action": "resume"}
	case models.CommandCancel:
		path, body = "/api/job", map[string]any{"command": "cancel"}
	case models.CommandHome:
		axes := []string{"x", "y", "z"}
		if s, ok := stringParam(req.Params, "axes"); ok && s != "" {
			axes = axes[:0]
			for _, r := range s {
				axes = append(axes, string(r))
			}
		}
		path, body = "/api/printer/printhead", map[string]any{"command": "home", "axes": axes}
	case models.CommandMove:
		jog := map[string]any{"command": "jog"}
		found := false
		for _, axis := range []string{"x", "y", "z"} {
			if v, ok := floatParam(req.Params, axis); ok {
				jog[axis] = v
				found = true
			}
		}
		if !found {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "octoprint.command", "move requires at least one axis").WithDevice(a.device.ID)
		}
		path, body = "/api/printer/printhead", jog
	case models.CommandSetTemperature:
		target, ok := floatParam(req.Params, "target")
		if !ok {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "octoprint.command", "set-temperature requires target").WithDevice(a.device.ID)
		}
		zone, _ := stringParam(req.Params, "zone")
		if zone == models.ZoneBed {
			path, body = "/api/printer/bed", map[string]any{"command": "target", "target": target}
		} else {
			if zone == "" {
				zone = models.ZoneTool0
			}
			path, body = "/api/printer/tool", map[string]any{"command": "target", "targets": map[string]float64{zone: target}}
		}
	case models.CommandCustomRaw:
		payload, ok := stringParam(req.Params, "payload")
		if !ok || payload == "" {
			return models.CommandResult{}, errs.Ef(errs.KindCommand, "octoprint.command", "custom-raw requires payload").WithDevice(a.device.ID)
		}
		path, body = "/api/printer/command", map[string]any{"command": payload}
	default:
		return unsupported(models.AdapterRESTNetwork, req.Name)
	}

	status, respBody, err := a.postJSON(ctx, path, body)
	if err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "octoprint.command", err).WithDevice(a.device.ID)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "octoprint.command", "server rejected %s: HTTP %d: %s", req.Name, status, respBody).WithDevice(a.device.ID)
	}
	return models.CommandResult{Success: true, Raw: respBody}, nil
}

// readPush decodes push messages and keeps only the most recent status.
func (a *OctoPrintAdapter) readPush(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg struct {
			Current *struct {
				State struct {
					Text  string `json:"text"`
					Error string `json:"error"`
				} `json:"state"`
				Progress struct {
					Completion    *float64 `json:"completion"`
					PrintTime     *int64   `json:"printTime"`
					PrintTimeLeft *int64   `json:"printTimeLeft"`
				} `json:"progress"`
				Temps []map[string]json.RawMessage `json:"temps"`
			} `json:"current"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			a.logger.Debug().Err(err).Msg("Push channel closed")
			return
		}
		if msg.Current == nil {
			continue
		}

		raw := models.RawStatus{
			StateToken:       msg.Current.State.Text,
			ProgressPercent:  msg.Current.Progress.Completion,
			ElapsedSeconds:   msg.Current.Progress.PrintTime,
			RemainingSeconds: msg.Current.Progress.PrintTimeLeft,
			VendorError:      msg.Current.State.Error,
		}
		if n := len(msg.Current.Temps); n > 0 {
			temps := make(map[string]models.TempReading)
			for zone, v := range msg.Current.Temps[n-1] {
				if zone == "time" {
					continue
				}
				var t models.TempReading
				if json.Unmarshal(v, &t) == nil {
					temps[zone] = t
				}
			}
			if len(temps) > 0 {
				raw.Temperatures = temps
			}
		}

		a.mu.Lock()
		a.latest = &raw
		a.latestAt = time.Now()
		a.mu.Unlock()
	}
}

func (a *OctoPrintAdapter) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.device.Conn.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (a *OctoPrintAdapter) postJSON(ctx context.Context, path string, body any) (int, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("X-Api-Key", a.device.Conn.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(respBody)), nil
}
