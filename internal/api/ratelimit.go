package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hollien/bookvoice/internal/metrics"
)

// LimiterPool manages rate limiters per endpoint, combined with a global
// courtesy delay between consecutive remote calls. The courtesy limiter keeps
// a polite floor between any two requests regardless of endpoint budgets.
type LimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	courtesy *rate.Limiter
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewLimiterPool creates a pool with the given courtesy delay. A zero or
// negative delay disables the courtesy floor.
func NewLimiterPool(courtesyDelay time.Duration, collector *metrics.Collector, logger *slog.Logger) *LimiterPool {
	var courtesy *rate.Limiter
	if courtesyDelay > 0 {
		courtesy = rate.NewLimiter(rate.Every(courtesyDelay), 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LimiterPool{
		limiters: make(map[string]*rate.Limiter),
		courtesy: courtesy,
		metrics:  collector,
		logger:   logger,
	}
}

// limiterFor returns the per-endpoint limiter, creating it on first use.
// An rpm of zero or less means the endpoint is unthrottled.
func (p *LimiterPool) limiterFor(endpoint string, rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if lim, ok := p.limiters[endpoint]; ok {
		return lim
	}

	// Refill one token per interval; burst of 1 keeps requests evenly spaced.
	interval := time.Minute / time.Duration(rpm)
	lim := rate.NewLimiter(rate.Every(interval), 1)
	p.limiters[endpoint] = lim

	p.logger.Debug("Created rate limiter", "endpoint", endpoint, "rpm", rpm)
	return lim
}

// Wait blocks until both the endpoint budget and the courtesy delay allow the
// next call, or the context is cancelled.
func (p *LimiterPool) Wait(ctx context.Context, endpoint string, rpm int) error {
	start := time.Now()

	if lim := p.limiterFor(endpoint, rpm); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	if p.courtesy != nil {
		if err := p.courtesy.Wait(ctx); err != nil {
			return err
		}
	}

	if waited := time.Since(start); waited > time.Millisecond {
		if p.metrics != nil {
			p.metrics.RecordCourtesyWait(waited)
		}
		p.logger.Debug("Rate limit wait", "endpoint", endpoint, "waited", waited)
	}
	return nil
}
