package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missiontalk_upstream_requests_total",
			Help: "Total number of requests to upstream AI services by service and status.",
		},
		[]string{"service", "status"},
	)
	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "missiontalk_upstream_request_duration_seconds",
			Help:    "Histogram of upstream AI service request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missiontalk_turns_total",
			Help: "Total number of finished turns by outcome.",
		},
		[]string{"outcome"},
	)
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "missiontalk_active_sessions",
		Help: "Number of live mission sessions.",
	})
	imageCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missiontalk_image_cache_hits_total",
		Help: "Total number of image prompts served from cache.",
	})
)

// ObserveUpstream 记录一次上游调用的结果与耗时。
func ObserveUpstream(service string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	upstreamRequestsTotal.WithLabelValues(service, status).Inc()
	upstreamRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}

// TurnFinished 记录一轮结束的结果：revealed | raw | upstream_error | stopped。
func TurnFinished(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

func ImageCacheHit() { imageCacheHits.Inc() }
