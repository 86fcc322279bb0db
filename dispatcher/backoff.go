package dispatcher

import (
	"math/rand"
	"time"
)

// backoffCeiling is the number of consecutive retries after which the backoff
// resets to its floor. Variable to allow tests to exercise the reset path
// quickly.
var backoffCeiling = 10

// Backoff paces a worker's post-restart activation with truncated binary
// exponential backoff. It is a pure value object: no clock access, and the
// randomness source is injected so advances are deterministic under test.
//
// The dispatcher owns one Backoff per worker, created on the worker's first
// boot. The first activation is unconditionally immediate; Next is only
// called from the first re-boot onward.
type Backoff struct {
	slot          time.Duration
	constantDelay time.Duration
	rand          *rand.Rand

	// Retries since the last reset.
	Retries int
	// Resets performed after hitting the ceiling.
	Resets int
	// TotalRetries across all resets.
	TotalRetries int
	// CurrentWait is the wait yielded by the last advance, never below the
	// constant delay.
	CurrentWait time.Duration
}

// NewBackoff creates a backoff with the given slot unit and constant floor.
// The seed fixes the jitter sequence.
func NewBackoff(slot, constantDelay time.Duration, seed int64) *Backoff {
	return &Backoff{
		slot:          slot,
		constantDelay: constantDelay,
		rand:          rand.New(rand.NewSource(seed)),
		CurrentWait:   constantDelay,
	}
}

// Next advances the backoff and returns the wait to apply before the next
// activation. Below the ceiling the wait is the constant delay plus k slots,
// k sampled uniformly from [0, 2^retries-1]. At the ceiling the retry count
// resets and the wait collapses to the constant delay.
func (b *Backoff) Next() time.Duration {
	b.TotalRetries++

	if b.Retries >= backoffCeiling {
		b.Resets++
		b.Retries = 0
		b.CurrentWait = b.constantDelay
		return b.CurrentWait
	}

	b.Retries++
	k := b.rand.Int63n(1 << uint(b.Retries))
	b.CurrentWait = b.constantDelay + time.Duration(k)*b.slot
	return b.CurrentWait
}
