// Package limits guards subscriber admission with a fixed-window counter.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamgate/internal/monitoring"
)

// RateLimiter is a fixed-window admission counter keyed by client IP.
//
// Unlike a token bucket there is no continuous refill: each key gets at
// most `limit` admissions per window, and the counter resets in full when
// the window elapses. Admissions never block on I/O and are O(1).
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	window  time.Duration

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// window tracks one key's count within the current fixed window.
// start carries Go's monotonic clock reading, so wall-clock jumps
// cannot shrink or stretch a window.
type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing `limit` admissions per `win`
// per key. A background sweep removes expired entries every minute so the
// key map does not grow without bound; sweeping never touches a live
// window, so admission semantics are unchanged.
func NewRateLimiter(limit int, win time.Duration, logger zerolog.Logger) *RateLimiter {
	rl := &RateLimiter{
		windows:     make(map[string]*window),
		limit:       limit,
		window:      win,
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(1 * time.Minute)
	go rl.cleanupLoop()

	return rl
}

// Admit records one admission attempt for the key and reports whether it
// is allowed. The (limit+1)th attempt inside a window is denied without
// incrementing; once the window has fully elapsed the counter resets.
func (rl *RateLimiter) Admit(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w := rl.windows[key]
	if w == nil {
		w = &window{start: now}
		rl.windows[key] = w
	} else if now.Sub(w.start) >= rl.window {
		w.count = 0
		w.start = now
	}

	if w.count >= rl.limit {
		monitoring.RateLimitDenials.Inc()
		rl.logger.Debug().
			Str("key", key).
			Int("limit", rl.limit).
			Dur("window", rl.window).
			Msg("Admission denied: rate limit exceeded")
		return false
	}

	w.count++
	return true
}

// cleanupLoop periodically removes entries whose window has fully expired.
func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			rl.cleanupTicker.Stop()
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(rl.windows)).
			Msg("Swept expired rate windows")
	}
}

// Stop halts the background sweep. Idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Tracked returns the number of live keys, for stats and tests.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
