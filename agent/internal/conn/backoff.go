package conn

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
)

// Backoff implements truncated exponential backoff with optional jitter:
// the n-th consecutive failure waits min(initial * 2^n, max).
//
// Next, Reset and Sleep are called from a single goroutine. Interrupt may be
// called from any goroutine.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	jitter   float64
	attempts int

	clock clock.Clock
	rand  func() float64
	kick  chan struct{}
}

// NewBackoff returns a Backoff with zero attempts.
func NewBackoff(cfg config.BackoffConfig, clk clock.Clock) *Backoff {
	if clk == nil {
		clk = clock.New()
	}
	return &Backoff{
		initial: cfg.Initial,
		max:     cfg.Max,
		jitter:  cfg.Jitter,
		clock:   clk,
		rand:    rand.Float64, //nolint:gosec // not crypto
		kick:    make(chan struct{}, 1),
	}
}

// Delay returns the wait for the current attempt count without advancing it.
func (b *Backoff) Delay() time.Duration {
	d := b.initial
	for i := 0; i < b.attempts && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Next returns the delay to wait before the next attempt and advances the
// attempt count. Jitter spreads the delay by up to ±jitter of its value.
func (b *Backoff) Next() time.Duration {
	d := b.Delay()
	b.attempts++
	if b.jitter > 0 {
		d += time.Duration(float64(d) * b.jitter * (b.rand()*2 - 1))
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Attempts reports the consecutive failures since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() { b.attempts = 0 }

// Sleep waits d. It returns early, with a nil error, when Interrupt is called
// and returns ctx.Err() if ctx ends first.
func (b *Backoff) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := b.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.kick:
		return nil
	case <-t.C:
		return nil
	}
}

// Interrupt wakes an in-progress Sleep. If no Sleep is running, the next one
// returns immediately.
func (b *Backoff) Interrupt() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}
