package signaling

import (
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
)

// backoffState tracks reconnect delay per spec §4.1 "Reconnection policy":
// exponential from ReconnectBackoffBase, doubling each failure, capped at
// ReconnectBackoffCap, with an extended cooldown after ReconnectMaxAttempts
// consecutive failures. A peer with at least one healthy direct mesh
// connection has its delay multiplied by RelayBackoffMeshedMultiplier and
// capped at RelayBackoffMeshedCap instead, since the relay is no longer the
// only path to the network.
type backoffState struct {
	attempts int
}

func (b *backoffState) reset() {
	b.attempts = 0
}

// next returns the delay before the next dial attempt and records the
// attempt. meshed reports whether the caller currently has at least one
// live direct peer connection.
func (b *backoffState) next(meshed bool) time.Duration {
	b.attempts++

	// Spec §4.1: after N_maxAttempts consecutive failures, back off to an
	// extended interval then reset the counter to half (not zero), so the
	// subsequent ramp re-enters the exponential curve partway up instead of
	// restarting cold.
	if b.attempts > config.ReconnectMaxAttempts {
		b.attempts = config.ReconnectMaxAttempts / 2
		return config.ReconnectExtendedBackoff
	}

	delay := config.ReconnectBackoffBase
	for i := 1; i < b.attempts; i++ {
		delay *= 2
		if delay >= config.ReconnectBackoffCap {
			delay = config.ReconnectBackoffCap
			break
		}
	}
	if meshed {
		delay *= time.Duration(config.RelayBackoffMeshedMultiplier)
		if delay > config.RelayBackoffMeshedCap {
			delay = config.RelayBackoffMeshedCap
		}
	}
	return delay
}
