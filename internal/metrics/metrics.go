package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "shellgate_active_sessions", Help: "Currently open relay sessions"})
	SessionsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "shellgate_sessions_total", Help: "Relay sessions established"})
	DenialsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shellgate_denials_total", Help: "Relay connection denials by reason"}, []string{"reason"})
	BytesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shellgate_relay_bytes_total", Help: "Relay bytes by direction"}, []string{"direction"})
	SessionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "shellgate_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
)
