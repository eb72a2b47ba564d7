// Package ratelimit gates outbound Drive API calls with a sliding window,
// a minimum delay between consecutive requests, and exponential backoff
// helpers for retry loops.
package ratelimit

import (
	"errors"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrWaitExceeded occurs when a request slot does not open up within the
// configured wait budget.
var ErrWaitExceeded = errors.New("ratelimit: wait budget exceeded")

// Config holds the request pacing parameters.
type Config struct {
	// Window is the span of the sliding request window.
	Window time.Duration

	// MaxRequests is the maximum number of requests within Window.
	MaxRequests int

	// MinDelay is the minimum gap between two consecutive requests.
	MinDelay time.Duration

	// MaxWait bounds how long Wait may block for a free slot.
	MaxWait time.Duration

	// BackoffBase is the delay of the first retry attempt.
	BackoffBase time.Duration

	// BackoffCap clamps the exponential backoff delay.
	BackoffCap time.Duration
}

// DefaultConfig returns conservative pacing suitable for the Drive API
// free quota.
func DefaultConfig() Config {
	return Config{
		Window:      100 * time.Second,
		MaxRequests: 100,
		MinDelay:    500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		BackoffBase: 5 * time.Second,
		BackoffCap:  2 * time.Minute,
	}
}

// A Limiter tracks request timestamps within a sliding window.
// Limiter is not safe for concurrent use.
type Limiter struct {
	cfg   Config
	clock clockwork.Clock
	log   zerolog.Logger

	history []time.Time
	last    time.Time
}

// An Option can override some of the default Limiter values.
type Option func(*Limiter)

// WithClock allows one to override the wall clock, mostly for testing.
func WithClock(clock clockwork.Clock) Option {
	return func(limiter *Limiter) {
		limiter.clock = clock
	}
}

// WithLogger attaches a logger to the Limiter.
func WithLogger(log zerolog.Logger) Option {
	return func(limiter *Limiter) {
		limiter.log = log
	}
}

// New creates a new Limiter with the provided Config.
// Zero-valued fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}

	limiter := &Limiter{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     zerolog.Nop(),
		history: make([]time.Time, 0, cfg.MaxRequests),
	}

	for _, opt := range opts {
		opt(limiter)
	}

	return limiter
}

// purge drops history entries that have slid out of the window.
func (limiter *Limiter) purge(now time.Time) {
	cutoff := now.Add(-limiter.cfg.Window)

	kept := limiter.history[:0]
	for _, t := range limiter.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	limiter.history = kept
}

// CanRequest reports whether a request may be issued right now.
func (limiter *Limiter) CanRequest() bool {
	now := limiter.clock.Now()
	limiter.purge(now)

	if !limiter.last.IsZero() && now.Sub(limiter.last) < limiter.cfg.MinDelay {
		return false
	}

	return len(limiter.history) < limiter.cfg.MaxRequests
}

// nextSlot returns how long from now the next request slot opens.
func (limiter *Limiter) nextSlot(now time.Time) time.Duration {
	var wait time.Duration

	if !limiter.last.IsZero() {
		if gap := limiter.cfg.MinDelay - now.Sub(limiter.last); gap > wait {
			wait = gap
		}
	}

	if len(limiter.history) >= limiter.cfg.MaxRequests {
		oldest := limiter.history[0]
		if gap := limiter.cfg.Window - now.Sub(oldest); gap > wait {
			wait = gap
		}
	}

	return wait
}

// Wait blocks until a request slot opens up, or returns ErrWaitExceeded
// when the slot would not open within the MaxWait budget.
func (limiter *Limiter) Wait() error {
	deadline := limiter.clock.Now().Add(limiter.cfg.MaxWait)

	for {
		now := limiter.clock.Now()
		limiter.purge(now)

		wait := limiter.nextSlot(now)
		if wait <= 0 {
			return nil
		}

		if now.Add(wait).After(deadline) {
			limiter.log.Warn().
				Dur("wait", wait).
				Dur("budget", limiter.cfg.MaxWait).
				Msg("rate limit wait budget exceeded")
			return ErrWaitExceeded
		}

		limiter.clock.Sleep(wait)
	}
}

// Record registers a request issued at the current time. Once the
// history holds MaxRequests entries the oldest slot is overwritten, so
// the history never grows past its capacity.
func (limiter *Limiter) Record() {
	now := limiter.clock.Now()
	limiter.purge(now)

	if len(limiter.history) >= limiter.cfg.MaxRequests {
		copy(limiter.history, limiter.history[1:])
		limiter.history = limiter.history[:len(limiter.history)-1]
	}

	limiter.history = append(limiter.history, now)
	limiter.last = now
}

// Backoff returns the delay before retry number attempt, starting at zero.
// The delay doubles per attempt and is clamped at BackoffCap.
func (limiter *Limiter) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return limiter.cfg.BackoffCap
	}

	delay := limiter.cfg.BackoffBase * (1 << uint(attempt))
	if delay > limiter.cfg.BackoffCap || delay <= 0 {
		delay = limiter.cfg.BackoffCap
	}

	return delay
}

// Jitter adds up to 25% of random extra delay to spread out retries.
func (limiter *Limiter) Jitter(delay time.Duration) time.Duration {
	quarter := int64(delay / 4)
	if quarter <= 0 {
		return delay
	}

	return delay + time.Duration(rand.Int63n(quarter+1))
}
