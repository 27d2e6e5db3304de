package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/models"
)

// TestScan_SerialBus tests serial bus enumeration: matching device paths are
// proposed without any port ever being opened.
func TestScan_SerialBus(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ttyUSB0", "ttyUSB1", "ttyS0"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0600))
	}

	s := NewService(200*time.Millisecond, 47999, []string{filepath.Join(dir, "ttyUSB*")}, zerolog.Nop())
	candidates, err := s.Scan(context.Background(), models.AdapterSerial)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, "ttyUSB0", candidates[0].Name)
	assert.Equal(t, filepath.Join(dir, "ttyUSB0"), candidates[0].SerialPath)
	assert.Equal(t, models.AdapterSerial, candidates[0].Kind)
	assert.Equal(t, "serial-bus", candidates[0].Source)
	assert.Equal(t, "ttyUSB1", candidates[1].Name)
}

// TestScan_KindFilterSkipsSerial tests that a network-only scan never runs
// the serial scanner.
func TestScan_KindFilterSkipsSerial(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0600))

	s := NewService(200*time.Millisecond, 47999, []string{filepath.Join(dir, "ttyUSB*")}, zerolog.Nop())
	candidates, _ := s.Scan(context.Background(), models.AdapterRESTNetwork)

	for _, c := range candidates {
		assert.NotEqual(t, models.AdapterSerial, c.Kind)
	}
}

// TestScan_BoundedByWindow tests that a scan of an empty network returns
// within the window rather than hanging.
func TestScan_BoundedByWindow(t *testing.T) {
	s := NewService(300*time.Millisecond, 47999, []string{filepath.Join(t.TempDir(), "tty*")}, zerolog.Nop())

	start := time.Now()
	candidates, _ := s.Scan(context.Background(), "")
	elapsed := time.Since(start)

	assert.Empty(t, candidates)
	assert.Less(t, elapsed, 3*time.Second)
}

// TestScan_CancelledContext tests that cancellation cuts the scan short.
func TestScan_CancelledContext(t *testing.T) {
	s := NewService(10*time.Second, 47999, []string{filepath.Join(t.TempDir(), "tty*")}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, _ = s.Scan(ctx, "")
	assert.Less(t, time.Since(start), 2*time.Second)
}
