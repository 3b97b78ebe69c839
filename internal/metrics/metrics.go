// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// キャッシュ、リアルタイム通信、APIクライアントから利用する。
type Recorder interface {
	RecordCacheHit(namespace string)
	RecordCacheFetch(namespace string, duration time.Duration)
	RecordCacheCoalesced(namespace string)
	RecordCacheInvalidation(namespace string)
	RecordCacheFetchError(namespace string)
	RecordRealtimeEvent(event string)
	RecordRealtimeRejected(reason string)
	RecordRealtimeConnect(ok bool)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits          *prometheus.CounterVec
	cacheFetches       *prometheus.CounterVec
	cacheFetchLatency  prometheus.Histogram
	cacheCoalesced     *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	cacheFetchErrors   *prometheus.CounterVec
	realtimeEvents     *prometheus.CounterVec
	realtimeRejected   *prometheus.CounterVec
	realtimeConnects   *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_cache_hits_total",
			Help: "フェッチせずに返したキャッシュ読み取りの合計数",
		}, []string{"namespace"}),
		cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_cache_fetches_total",
			Help: "実行されたフェッチの合計数",
		}, []string{"namespace"}),
		cacheFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medsync_cache_fetch_latency_seconds",
			Help:    "キャッシュフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_cache_coalesced_total",
			Help: "実行中のフェッチに合流した読み取りの合計数",
		}, []string{"namespace"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_cache_invalidations_total",
			Help: "無効化されたキャッシュエントリの合計数",
		}, []string{"namespace"}),
		cacheFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_cache_fetch_errors_total",
			Help: "失敗したフェッチの合計数",
		}, []string{"namespace"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_realtime_events_total",
			Help: "受理したリアルタイムイベントの合計数",
		}, []string{"event"}),
		realtimeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_realtime_rejected_total",
			Help: "拒否したリアルタイムフレームの合計数",
		}, []string{"reason"}),
		realtimeConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_realtime_connects_total",
			Help: "リアルタイム接続の試行回数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_api_http_status_total",
			Help: "HTTPステータスコード別のAPIレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheFetches,
		c.cacheFetchLatency,
		c.cacheCoalesced,
		c.cacheInvalidations,
		c.cacheFetchErrors,
		c.realtimeEvents,
		c.realtimeRejected,
		c.realtimeConnects,
		c.httpStatus,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(namespace string) {
	c.cacheHits.WithLabelValues(namespace).Inc()
}

// RecordCacheFetch はフェッチの実行とレイテンシを記録する。
func (c *Collector) RecordCacheFetch(namespace string, duration time.Duration) {
	c.cacheFetches.WithLabelValues(namespace).Inc()
	c.cacheFetchLatency.Observe(duration.Seconds())
}

// RecordCacheCoalesced は実行中のフェッチへの合流を記録する。
func (c *Collector) RecordCacheCoalesced(namespace string) {
	c.cacheCoalesced.WithLabelValues(namespace).Inc()
}

// RecordCacheInvalidation はエントリの無効化を記録する。
func (c *Collector) RecordCacheInvalidation(namespace string) {
	c.cacheInvalidations.WithLabelValues(namespace).Inc()
}

// RecordCacheFetchError はフェッチ失敗を記録する。
func (c *Collector) RecordCacheFetchError(namespace string) {
	c.cacheFetchErrors.WithLabelValues(namespace).Inc()
}

// RecordRealtimeEvent は受理したイベントを記録する。
func (c *Collector) RecordRealtimeEvent(event string) {
	c.realtimeEvents.WithLabelValues(event).Inc()
}

// RecordRealtimeRejected は拒否したフレームを記録する。
func (c *Collector) RecordRealtimeRejected(reason string) {
	c.realtimeRejected.WithLabelValues(reason).Inc()
}

// RecordRealtimeConnect は接続試行の結果を記録する。
func (c *Collector) RecordRealtimeConnect(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.realtimeConnects.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordCacheHit(string)                  {}
func (Nop) RecordCacheFetch(string, time.Duration) {}
func (Nop) RecordCacheCoalesced(string)            {}
func (Nop) RecordCacheInvalidation(string)         {}
func (Nop) RecordCacheFetchError(string)           {}
func (Nop) RecordRealtimeEvent(string)             {}
func (Nop) RecordRealtimeRejected(string)          {}
func (Nop) RecordRealtimeConnect(bool)             {}
func (Nop) RecordHTTPStatus(int)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
