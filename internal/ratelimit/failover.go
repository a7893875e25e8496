package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Failover consults primary and switches to the in-process fallback while the
// primary is failing. Requests are never rejected because the shared store is down.
type Failover struct {
	primary  Limiter
	fallback Limiter
	log      *zap.Logger
	degraded atomic.Bool
}

func NewFailover(primary, fallback Limiter, log *zap.Logger) *Failover {
	if log == nil {
		log = zap.NewNop()
	}
	return &Failover{primary: primary, fallback: fallback, log: log}
}

func (f *Failover) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	d, err := f.primary.Allow(ctx, key, limit, window)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.log.Info("rate limiter store recovered")
		}
		return d, nil
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.log.Warn("rate limiter store unavailable, using in-process limits", zap.Error(err))
	}
	return f.fallback.Allow(ctx, key, limit, window)
}

// Degraded reports whether the last decision came from the fallback.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}
