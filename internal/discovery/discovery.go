// Package discovery proposes candidate devices: a UDP broadcast probe for
// network printers and serial bus enumeration for USB-attached machines.
// One scan is finite (it completes within the configured window even on an
// empty network) and never registers anything by itself.
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fablab-io/machine-agent/internal/constants"
	"github.com/fablab-io/machine-agent/internal/models"
)

// Service runs the individual scanners and merges their findings.
type Service struct {
	window      time.Duration
	port        int
	serialGlobs []string
	logger      zerolog.Logger
}

// NewService creates a discovery service. Zero values fall back to defaults.
func NewService(window time.Duration, broadcastPort int, serialGlobs []string, logger zerolog.Logger) *Service {
	if window <= 0 {
		window = constants.DefaultScanWindow
	}
	if broadcastPort <= 0 {
		broadcastPort = constants.DefaultBroadcastPort
	}
	if len(serialGlobs) == 0 {
		serialGlobs = constants.DefaultSerialGlobs
	}
	return &Service{
		window:      window,
		port:        broadcastPort,
		serialGlobs: serialGlobs,
		logger:      logger,
	}
}

// Scan runs the scanners relevant to kind (empty kind means all) and returns
// candidates de-duplicated by physical address. The scan is bounded by the
// window plus the caller's context.
func (s *Service) Scan(ctx context.Context, kind models.AdapterKind) ([]models.CandidateDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.window+time.Second)
	defer cancel()

	results := make(chan models.CandidateDevice, 64)
	g, ctx := errgroup.WithContext(ctx)

	if kind == "" || kind != models.AdapterSerial {
		g.Go(func() error {
			return s.scanNetwork(ctx, results)
		})
	}
	if kind == "" || kind == models.AdapterSerial {
		g.Go(func() error {
			return s.scanSerialBus(results)
		})
	}

	var scanErr error
	go func() {
		scanErr = g.Wait()
		close(results)
	}()

	seen := make(map[string]struct{})
	candidates := []models.CandidateDevice{}
	for c := range results {
		if kind != "" && c.Kind != kind {
			continue
		}
		if _, dup := seen[c.PhysicalID()]; dup {
			continue
		}
		seen[c.PhysicalID()] = struct{}{}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PhysicalID() < candidates[j].PhysicalID()
	})

	s.logger.Info().Int("candidates", len(candidates)).Msg("Discovery scan finished")
	return candidates, scanErr
}
