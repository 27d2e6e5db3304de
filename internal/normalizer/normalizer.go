// Package normalizer converts vendor-native status records into the
// canonical, protocol-independent snapshot the rest of the platform
// consumes. Normalization is a pure function of the raw record and the
// device's adapter kind; it never contacts the device.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/fablab-io/machine-agent/internal/adapters"
	"github.com/fablab-io/machine-agent/internal/models"
)

// zoneAliases renames vendor temperature zone names onto the fixed canonical
// scheme. Zones with no canonical counterpart are dropped so vendor naming
// never leaks upward.
var zoneAliases = map[string]string{
	"bed":         models.ZoneBed,
	"b":           models.ZoneBed,
	"temp_bed":    models.ZoneBed,
	"heatbed":     models.ZoneBed,
	"tool0":       models.ZoneTool0,
	"t":           models.ZoneTool0,
	"t0":          models.ZoneTool0,
	"nozzle":      models.ZoneTool0,
	"nozzle0":     models.ZoneTool0,
	"temp_nozzle": models.ZoneTool0,
	"hotend":      models.ZoneTool0,
	"extruder":    models.ZoneTool0,
	"spindle":     models.ZoneTool0,
	"tool1":       models.ZoneTool1,
	"t1":          models.ZoneTool1,
	"nozzle1":     models.ZoneTool1,
	"extruder1":   models.ZoneTool1,
	"chamber":     models.ZoneChamber,
	"c":           models.ZoneChamber,
}

// Normalize maps a raw vendor status onto the canonical snapshot for the
// device. Unrecognized vendor tokens become the error state with the raw
// token preserved for diagnostics.
func Normalize(device models.Device, raw models.RawStatus) models.CanonicalStatus {
	status := models.CanonicalStatus{
		DeviceID:  device.ID,
		Timestamp: time.Now(),
	}

	state, known := adapters.StateFor(device.Kind, device.Conn.Profile, raw.StateToken)
	status.State = state
	if !known {
		status.VendorError = fmt.Sprintf("unrecognized status token %q", raw.StateToken)
	} else if state == models.StateError {
		status.VendorError = raw.VendorError
		if status.VendorError == "" {
			status.VendorError = raw.StateToken
		}
	}

	status.Progress = progress(raw)

	// Time estimates pass through when supplied and are never synthesized;
	// an absent field beats a fabricated number.
	if raw.ElapsedSeconds != nil {
		d := time.Duration(*raw.ElapsedSeconds) * time.Second
		status.Elapsed = &d
	}
	if raw.RemainingSeconds != nil {
		d := time.Duration(*raw.RemainingSeconds) * time.Second
		status.Remaining = &d
	}

	if len(raw.Temperatures) > 0 {
		temps := make(map[string]models.TempReading)
		for zone, reading := range raw.Temperatures {
			if canonical, ok := zoneAliases[strings.ToLower(zone)]; ok {
				temps[canonical] = reading
			}
		}
		if len(temps) > 0 {
			status.Temperatures = temps
		}
	}

	return status
}

// progress picks the best available progress source: explicit percent, then
// fraction, then layer counts. Layer-derived progress needs a known total;
// otherwise the field stays absent. The result is always clamped to [0,100].
func progress(raw models.RawStatus) *float64 {
	var pct float64
	switch {
	case raw.ProgressPercent != nil:
		pct = *raw.ProgressPercent
	case raw.ProgressFraction != nil:
		pct = *raw.ProgressFraction * 100
	case raw.CurrentLayer != nil && raw.TotalLayers != nil && *raw.TotalLayers > 0:
		pct = float64(*raw.CurrentLayer) / float64(*raw.TotalLayers) * 100
	default:
		return nil
	}

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return &pct
}
