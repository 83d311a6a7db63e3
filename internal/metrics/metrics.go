package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_provider_requests_total",
		Help: "Total external provider requests",
	}, []string{"provider", "op"})
	ProviderFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_provider_fail_total",
		Help: "Total external provider failures by kind (timeout, error, budget)",
	}, []string{"provider", "op", "kind"})
	ProviderDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "territory_provider_duration_ms",
		Help:    "External provider call duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
	}, []string{"provider"})
	TierAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_tier_attempts_total",
		Help: "Fallback tier attempts by component, tier and result (hit, empty, error)",
	}, []string{"component", "tier", "result"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_cache_hits_total",
		Help: "Cache hits by layer (memory, redis)",
	}, []string{"layer"})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "territory_cache_misses_total",
		Help: "Cache misses across all layers",
	})
	DetectionRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_detection_runs_total",
		Help: "Detection sessions by outcome (ready, failed, superseded)",
	}, []string{"outcome"})
	DetectionDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "territory_detection_duration_ms",
		Help:    "Whole detection session duration in milliseconds",
		Buckets: []float64{500, 1000, 5000, 15000, 30000, 60000, 120000, 300000},
	})
	BuildingsDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "territory_buildings_detected_total",
		Help: "Buildings kept after dedupe by source",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderFailTotal)
	prometheus.MustRegister(ProviderDurationMs)
	prometheus.MustRegister(TierAttemptsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(DetectionRunsTotal)
	prometheus.MustRegister(DetectionDurationMs)
	prometheus.MustRegister(BuildingsDetectedTotal)
}

// FailKind：失败分类标签
func FailKind(timeout, budget bool) string {
	switch {
	case budget:
		return "budget"
	case timeout:
		return "timeout"
	}
	return "error"
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
