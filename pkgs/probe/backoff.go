package probe

import "time"

// MaxAttempts is the number of poll attempts before a probe times out.
const MaxAttempts = 50

const (
	minBackoff = 300 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Backoff returns the pause after a failed poll attempt:
// attempt² × 10ms, clamped to [300ms, 30s].
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return minBackoff
	}
	d := time.Duration(attempt) * time.Duration(attempt) * 10 * time.Millisecond
	if d < minBackoff {
		return minBackoff
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
