package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

// TestPrusaLink_Connect tests reachability verification and API key use.
func TestPrusaLink_Connect(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/info", r.URL.Path)
		gotKey = r.Header.Get("X-Api-Key")
		json.NewEncoder(w).Encode(map[string]string{"name": "MK4"})
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterRESTNetwork, models.ProfilePrusaLink)
	a := NewPrusaLinkAdapter(device, zerolog.Nop())

	assert.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, "secret", gotKey)
	assert.NoError(t, a.Disconnect())
}

// TestPrusaLink_PollStatus tests the status fetch. The vendor reports
// progress as a 0..1 fraction and the raw record must carry it as such.
func TestPrusaLink_PollStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"printer": map[string]any{
				"state":         "PRINTING",
				"temp_bed":      60.1,
				"target_bed":    60.0,
				"temp_nozzle":   214.8,
				"target_nozzle": 215.0,
			},
			"job": map[string]any{
				"progress":       0.42,
				"time_printing":  1200,
				"time_remaining": 1650,
			},
		})
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterRESTNetwork, models.ProfilePrusaLink)
	a := NewPrusaLinkAdapter(device, zerolog.Nop())

	raw, err := a.PollStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PRINTING", raw.StateToken)
	require.NotNil(t, raw.ProgressFraction)
	assert.InDelta(t, 0.42, *raw.ProgressFraction, 1e-9)
	assert.Equal(t, models.TempReading{Actual: 60.1, Target: 60.0}, raw.Temperatures["temp_bed"])
	assert.Equal(t, models.TempReading{Actual: 214.8, Target: 215.0}, raw.Temperatures["temp_nozzle"])
	require.NotNil(t, raw.ElapsedSeconds)
	assert.Equal(t, int64(1200), *raw.ElapsedSeconds)
	require.NotNil(t, raw.RemainingSeconds)
	assert.Equal(t, int64(1650), *raw.RemainingSeconds)
}

// TestPrusaLink_JobCommands tests the job-control subset the protocol
// exposes.
func TestPrusaLink_JobCommands(t *testing.T) {
	type call struct{ method, path string }
	var calls []call
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.Path})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterRESTNetwork, models.ProfilePrusaLink)
	a := NewPrusaLinkAdapter(device, zerolog.Nop())
	ctx := context.Background()

	for _, name := range []models.CommandName{models.CommandPause, models.CommandResume, models.CommandCancel} {
		result, err := a.SendCommand(ctx, models.CommandRequest{DeviceID: device.ID, Name: name})
		require.NoError(t, err, name)
		assert.True(t, result.Success)
		assert.False(t, result.Degraded)
	}

	assert.Equal(t, []call{
		{http.MethodPut, "/api/v1/job/pause"},
		{http.MethodPut, "/api/v1/job/resume"},
		{http.MethodDelete, "/api/v1/job"},
	}, calls)
}

// TestPrusaLink_UnsupportedCommands tests that commands the protocol cannot
// express are refused, not approximated.
func TestPrusaLink_UnsupportedCommands(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterRESTNetwork, models.ProfilePrusaLink)
	a := NewPrusaLinkAdapter(device, zerolog.Nop())
	ctx := context.Background()

	for _, name := range []models.CommandName{
		models.CommandHome, models.CommandMove, models.CommandSetTemperature, models.CommandCustomRaw,
	} {
		_, err := a.SendCommand(ctx, models.CommandRequest{DeviceID: device.ID, Name: name})
		assert.True(t, errs.Is(err, errs.KindUnsupportedCapability), "%s: %v", name, err)
	}
}

// TestPrusaLink_RejectedCommand tests that a vendor rejection surfaces as a
// command error with the HTTP detail.
func TestPrusaLink_RejectedCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no job running", http.StatusConflict)
	}))
	defer ts.Close()

	device := deviceForServer(t, ts, models.AdapterRESTNetwork, models.ProfilePrusaLink)
	a := NewPrusaLinkAdapter(device, zerolog.Nop())

	_, err := a.SendCommand(context.Background(), models.CommandRequest{DeviceID: device.ID, Name: models.CommandPause})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCommand))
	assert.Contains(t, err.Error(), "409")
}
