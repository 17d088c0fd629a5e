/*
Package local implements the fallback transport used when no relay is
reachable: a simulated peer-to-peer exchange among clients sharing a
process, with heartbeat-based presence instead of an authoritative registry.

This file defines the broadcast substrate abstraction and the ordered probe
chain that selects the first substrate that can actually operate.
*/
package local

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Substrate is the shared ephemeral broadcast primitive the local transport
// runs on. Every peer on the same substrate overhears every published
// message, its own included; filtering happens at the transport layer.
type Substrate interface {
	// Send publishes raw bytes to every peer. Best effort: a slow peer
	// loses messages, it is never backpressured.
	Send(data []byte) error

	// Receive returns the channel of inbound messages. The channel is
	// closed when the substrate is closed.
	Receive() <-chan []byte

	// Close tears the substrate down and closes the Receive channel.
	Close() error
}

// Probe attempts to open one substrate variant, reporting failure when the
// variant is unavailable in this environment.
type Probe func() (Substrate, error)

// openSubstrate evaluates probes in order and returns the first substrate
// that opens. It fails only when every probe fails.
func openSubstrate(probes []Probe, logger zerolog.Logger) (Substrate, error) {
	var lastErr error

	for i, probe := range probes {
		sub, err := probe()
		if err == nil {
			if i > 0 {
				logger.Info().Int("probe_index", i).Msg("Primary substrate unavailable, using fallback")
			}
			return sub, nil
		}

		logger.Warn().Err(err).Int("probe_index", i).Msg("Substrate probe failed")
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no substrate probes configured")
	}

	return nil, fmt.Errorf("no usable broadcast substrate: %w", lastErr)
}
