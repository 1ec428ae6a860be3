package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/agentsim/internal/metrics"
)

// Throttle serializes request starts so consecutive starts across every
// session in the process are at least the configured interval apart.
// The mutex is held while waiting on the limiter, which is what makes
// concurrent callers queue instead of piling onto the same token.
type Throttle struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
}

// process-wide instance shared by every client
var globalThrottle = NewThrottle(defaultMinInterval)

// NewThrottle creates a throttle with the given minimum start interval
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = defaultMinInterval
	}
	return &Throttle{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// SetInterval adjusts the minimum gap between starts
func (t *Throttle) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	t.limiter.SetLimit(rate.Every(interval))
}

// Wait blocks until the caller may start a request
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	metrics.RecordThrottleWait(float64(time.Since(start).Milliseconds()))
	return nil
}

// SetGlobalMinInterval configures the process-wide throttle
func SetGlobalMinInterval(interval time.Duration) {
	globalThrottle.SetInterval(interval)
}
