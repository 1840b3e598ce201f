package realtime

import (
	"math/rand"
	"time"
)

// Reconnect tuning. Delay doubles per attempt from backoffBase, capped at
// backoffCap, with ±15% jitter so clients do not retry in lockstep. After
// maxReconnectAttempts the channel is abandoned.
const (
	backoffBase          = time.Second
	backoffCap           = 30 * time.Second
	backoffJitterPercent = 15
	maxReconnectAttempts = 10
)

// ReconnectState tracks one channel's retry bookkeeping. Ephemeral; reset
// whenever a subscription succeeds.
type ReconnectState struct {
	Attempt    int
	NextDelay  time.Duration
	LastStatus string
}

// BackoffDelay returns the base reconnect delay for the given attempt
// number (0-based), without jitter: min(1s << attempt, 30s).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// JitteredBackoffDelay applies ±15% random jitter to the base delay.
func JitteredBackoffDelay(attempt int) time.Duration {
	base := BackoffDelay(attempt)
	maxJitter := int64(base) * backoffJitterPercent / 100
	if maxJitter == 0 {
		return base
	}
	jitter := rand.Int63n(2*maxJitter) - maxJitter
	return base + time.Duration(jitter)
}
