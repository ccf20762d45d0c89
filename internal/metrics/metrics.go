// Package metrics は変換パイプラインの Prometheus メトリクスを提供します。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paper_convert"

// QueueStatsFunc はキューの現在値を返す関数です。
type QueueStatsFunc func() (active, waiting int)

// Metrics は変換パイプラインのメトリクスを保持します。
// nil の *Metrics に対するメソッド呼び出しは何もしません。
type Metrics struct {
	requests     *prometheus.CounterVec
	rateLimited  prometheus.Counter
	cacheLookups *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New はメトリクスを生成し、registry に登録します。
func New(registry prometheus.Registerer, stats QueueStatsFunc) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Terminal outcomes of conversion requests.",
		}, []string{"engine", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate gate.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejections_total",
			Help:      "Tasks rejected by the process queue.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_duration_seconds",
			Help:      "Wall time of worker invocations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"engine"}),
	}

	collectors := []prometheus.Collector{m.requests, m.rateLimited, m.cacheLookups, m.rejections, m.duration}
	if stats != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_active",
				Help:      "Tasks currently holding a worker slot.",
			}, func() float64 {
				active, _ := stats()
				return float64(active)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_waiting",
				Help:      "Tasks waiting for a worker slot.",
			}, func() float64 {
				_, waiting := stats()
				return float64(waiting)
			}),
		)
	}
	if registry != nil {
		registry.MustRegister(collectors...)
	}
	return m
}

// ObserveOutcome は終端結果を記録します。
func (m *Metrics) ObserveOutcome(engine, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(engine, outcome).Inc()
}

// ObserveRateLimited はレート制限による拒否を記録します。
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveCache はキャッシュ参照の結果を記録します。
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveRejection はキューによる拒否を記録します。
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveWorker はワーカー実行時間を記録します。
func (m *Metrics) ObserveWorker(engine string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(engine).Observe(elapsed.Seconds())
}
