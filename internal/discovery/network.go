package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fablab-io/machine-agent/internal/models"
)

// discoverProbe is the datagram broadcast to the discovery port. Printers
// and print servers on the local segment answer with an announcement.
const discoverProbe = "MACHINE-DISCOVER/1"

// announcement is the JSON reply a device sends to a probe.
type announcement struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`    // adapter kind the device suggests
	Profile string `json:"profile"` // rest-network flavor, if applicable
	Port    int    `json:"port"`    // service port, not the discovery port
}

// scanNetwork broadcasts a probe and collects announcements until the
// context deadline. An empty network yields an empty result within the
// window, never a hang.
func (s *Service) scanNetwork(ctx context.Context, results chan<- models.CandidateDevice) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("opening discovery socket: %w", err)
	}
	defer conn.Close()

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: s.port}
	if _, err := conn.WriteToUDP([]byte(discoverProbe), broadcast); err != nil {
		return fmt.Errorf("sending discovery probe: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.window)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	// Unblock the read when the caller gives up before the deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline reached: the scan window is over.
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			s.logger.Debug().Str("from", addr.IP.String()).Msg("Ignoring malformed announcement")
			continue
		}

		kind := models.AdapterKind(ann.Kind)
		if !kind.Valid() || kind == models.AdapterSerial {
			kind = models.AdapterRESTNetwork
		}
		name := ann.Name
		if name == "" {
			name = addr.IP.String()
		}
		port := ann.Port
		if port == 0 {
			port = 80
		}

		select {
		case results <- models.CandidateDevice{
			Name:    name,
			Kind:    kind,
			Address: addr.IP.String(),
			Port:    port,
			Profile: ann.Profile,
			Source:  "broadcast",
		}:
		case <-ctx.Done():
			return nil
		}
	}
}
