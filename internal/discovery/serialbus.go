package discovery

import (
	"path/filepath"

	"github.com/fablab-io/machine-agent/internal/models"
)

// scanSerialBus enumerates candidate serial devices by globbing the
// configured device paths. Enumeration is immediate; no port is opened, so
// equipment mid-print is never disturbed by a scan.
func (s *Service) scanSerialBus(results chan<- models.CandidateDevice) error {
	for _, glob := range s.serialGlobs {
		paths, err := filepath.Glob(glob)
		if err != nil {
			// Only malformed patterns error here; report and keep scanning.
			s.logger.Warn().Err(err).Str("glob", glob).Msg("Bad serial glob")
			continue
		}
		for _, path := range paths {
			results <- models.CandidateDevice{
				Name:       filepath.Base(path),
				Kind:       models.AdapterSerial,
				SerialPath: path,
				Source:     "serial-bus",
			}
		}
	}
	return nil
}
