// Package ratelimit throttles requests per key. Keys combine the tenant with the
// client address so that one noisy tenant cannot starve another.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most limit requests per key and window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

var (
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by limiter scope.",
		},
		[]string{"scope"},
	)
	metricsOnce sync.Once
)

func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(rejectionsTotal)
	})
}

// ObserveRejection counts a 429 issued by the limiter named scope.
func ObserveRejection(scope string) {
	rejectionsTotal.WithLabelValues(scope).Inc()
}

// Key builds the limiter key for a caller. Unauthenticated callers share the
// anonymous tenant bucket of their address.
func Key(scope, tenantID, ip string) string {
	if tenantID == "" {
		tenantID = "anonymous"
	}
	return "rl:" + scope + ":" + tenantID + ":" + ip
}
