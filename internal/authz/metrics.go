package authz

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"campusgate.org/internal/apperr"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)
	registerOnce sync.Once
)

// RegisterMetrics adds the decision counter to reg once.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(decisionsTotal)
	})
}

func observe(d Decision, err error) {
	if err != nil {
		decisionsTotal.WithLabelValues("deny", apperr.KindOf(err).Code()).Inc()
		return
	}
	decisionsTotal.WithLabelValues("allow", string(d.Reason)).Inc()
}
