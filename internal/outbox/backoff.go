package outbox

import (
	"math"
	"math/rand"
	"time"

	"github.com/taskwire/taskwire/internal/config"
)

// Backoff returns the delay before retry attempt n (0-based): exponential
// from the configured base up to the cap, with symmetric jitter so a burst
// of failures does not retry in lockstep.
func Backoff(cfg config.Outbox, attempt int, rng *rand.Rand) time.Duration {
	base := float64(cfg.BackoffBaseMs)
	capMs := float64(cfg.BackoffCapMs)
	ms := math.Min(capMs, base*math.Pow(2, float64(attempt)))
	if cfg.Jitter > 0 {
		ms *= 1 + cfg.Jitter*(2*rng.Float64()-1)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
