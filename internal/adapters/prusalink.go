package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// PrusaLinkAdapter drives PrusaLink-style printers over their REST API. The
// protocol is poll-only: there is no push channel, and the motion and
// temperature endpoints of richer protocols do not exist, so home, move,
// set-temperature and custom-raw report UnsupportedCapability rather than
// being approximated.
type PrusaLinkAdapter struct {
	device  models.Device
	logger  zerolog.Logger
	baseURL string
	client  *http.Client
}

// NewPrusaLinkAdapter builds an unconnected PrusaLink adapter.
func NewPrusaLinkAdapter(device models.Device, logger zerolog.Logger) *PrusaLinkAdapter {
	return &PrusaLinkAdapter{
		device:  device,
		logger:  logger,
		baseURL: fmt.Sprintf("http://%s:%d", device.Conn.Address, device.Conn.Port),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Connect verifies the API is reachable and the key is accepted.
func (a *PrusaLinkAdapter) Connect(ctx context.Context) error {
	var info struct {
		Name string `json:"name"`
	}
	if err := a.getJSON(ctx, "/api/v1/info", &info); err != nil {
		return errs.E(errs.KindConnect, "prusalink.connect", err).WithDevice(a.device.ID)
	}
	a.logger.Info().Str("printer", info.Name).Msg("PrusaLink printer reachable")
	return nil
}

// Disconnect is a no-op; the adapter holds no persistent transport.
func (a *PrusaLinkAdapter) Disconnect() error {
	return nil
}

// PollStatus fetches /api/v1/status. The vendor reports progress as a 0..1
// fraction and temperatures under its own zone names.
func (a *PrusaLinkAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	var status struct {
		Printer struct {
			State      string   `json:"state"`
			TempBed    *float64 `json:"temp_bed"`
			TargetBed  *float64 `json:"target_bed"`
			TempNozzle *float64 `json:"temp_nozzle"`
			TargetNoz  *float64 `json:"target_nozzle"`
		} `json:"printer"`
		Job *struct {
			Progress      *float64 `json:"progress"`
			TimePrinting  *int64   `json:"time_printing"`
			TimeRemaining *int64   `json:"time_remaining"`
		} `json:"job"`
	}
	if err := a.getJSON(ctx, "/api/v1/status", &status); err != nil {
		return models.RawStatus{}, errs.E(errs.KindPoll, "prusalink.poll", err).WithDevice(a.device.ID)
	}

	raw := models.RawStatus{StateToken: status.Printer.State}
	if status.Job != nil {
		raw.ProgressFraction = status.Job.Progress
		raw.ElapsedSeconds = status.Job.TimePrinting
		raw.RemainingSeconds = status.Job.TimeRemaining
	}

	temps := make(map[string]models.TempReading)
	if status.Printer.TempBed != nil {
		r := models.TempReading{Actual: *status.Printer.TempBed}
		if status.Printer.TargetBed != nil {
			r.Target = *status.Printer.TargetBed
		}
		temps["temp_bed"] = r
	}
	if status.Printer.TempNozzle != nil {
		r := models.TempReading{Actual: *status.Printer.TempNozzle}
		if status.Printer.TargetNoz != nil {
			r.Target = *status.Printer.TargetNoz
		}
		temps["temp_nozzle"] = r
	}
	if len(temps) > 0 {
		raw.Temperatures = temps
	}

	return raw, nil
}

// SendCommand supports the job-control subset the protocol exposes.
func (a *PrusaLinkAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	var method, path string

	switch req.Name {
	case models.CommandPause:
		method, path = http.MethodPut, "/api/v1/job/pause"
	case models.CommandResume:
		method, path = http.MethodPut, "/api/v1/job/resume"
	case models.CommandCancel:
		method, path = http.MethodDelete, "/api/v1/job"
	default:
		return unsupported(models.AdapterRESTNetwork, req.Name)
	}

	status, body, err := a.do(ctx, method, path)
	if err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "prusalink.command", err).WithDevice(a.device.ID)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "prusalink.command", "printer rejected %s: HTTP %d: %s", req.Name, status, body).WithDevice(a.device.ID)
	}
	return models.CommandResult{Success: true, Raw: body}, nil
}

func (a *PrusaLinkAdapter) getJSON(ctx context.Context, path string, v any) error {
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

func (a *PrusaLinkAdapter) do(ctx context.Context, method, path string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("X-Api-Key", a.device.Conn.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(body)), nil
}
