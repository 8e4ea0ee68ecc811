package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Initiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpay_initiations_total",
			Help: "Push initiations by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	Finalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpay_finalizations_total",
			Help: "Terminal transitions by provider, state and source",
		},
		[]string{"provider", "state", "source"},
	)

	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpay_callbacks_total",
			Help: "Inbound provider callbacks by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpay_token_refreshes_total",
			Help: "Access token refreshes by provider and result",
		},
		[]string{"provider", "result"},
	)

	StatusQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpay_status_queries_total",
			Help: "Fallback status queries by provider and result",
		},
		[]string{"provider", "result"},
	)

	SubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushpay_submit_duration_seconds",
			Help:    "Duration of push submissions including retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	Pending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushpay_pending_payments",
		Help: "Payments currently awaiting a terminal state",
	})
)

// TokenRefreshHook records token refresh outcomes for provider.
func TokenRefreshHook(provider string) func(error) {
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		TokenRefreshes.WithLabelValues(provider, result).Inc()
	}
}
