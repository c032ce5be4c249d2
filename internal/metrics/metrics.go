// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークンリフレッシュ結果のラベル値。
const (
	ResultSuccess   = "success"
	ResultReconnect = "reconnect"
	ResultFailure   = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordTokenRefresh(provider, result string)
	RecordRefreshLatency(provider string, duration time.Duration)
	RecordEventFetch(provider, result string)
	RecordProviderStatus(provider string, statusCode int)
	RecordInvitationSent()
	RecordInvitationsExpired(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tokenRefresh       *prometheus.CounterVec
	refreshLatency     *prometheus.HistogramVec
	eventFetch         *prometheus.CounterVec
	providerStatus     *prometheus.CounterVec
	invitationsSent    prometheus.Counter
	invitationsExpired prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calman_token_refresh_total",
			Help: "プロバイダ別・結果別のトークンリフレッシュ数",
		}, []string{"provider", "result"}),
		refreshLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calman_token_refresh_latency_seconds",
			Help:    "トークンリフレッシュのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		eventFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calman_event_fetch_total",
			Help: "プロバイダ別・結果別のイベント取得数",
		}, []string{"provider", "result"}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calman_provider_http_status_total",
			Help: "プロバイダAPIのHTTPステータスコード別のレスポンス数",
		}, []string{"provider", "status_code"}),
		invitationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calman_invitations_sent_total",
			Help: "送信した招待の合計数",
		}),
		invitationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calman_invitations_expired_total",
			Help: "期限切れにした招待の合計数",
		}),
	}

	reg.MustRegister(
		c.tokenRefresh,
		c.refreshLatency,
		c.eventFetch,
		c.providerStatus,
		c.invitationsSent,
		c.invitationsExpired,
	)

	return c
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(provider, result string) {
	c.tokenRefresh.WithLabelValues(provider, result).Inc()
}

// RecordRefreshLatency はトークンリフレッシュのレイテンシを記録する。
func (c *Collector) RecordRefreshLatency(provider string, duration time.Duration) {
	c.refreshLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordEventFetch はイベント取得の結果を記録する。
func (c *Collector) RecordEventFetch(provider, result string) {
	c.eventFetch.WithLabelValues(provider, result).Inc()
}

// RecordProviderStatus はプロバイダAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(provider string, statusCode int) {
	c.providerStatus.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// RecordInvitationSent は招待の送信を記録する。
func (c *Collector) RecordInvitationSent() {
	c.invitationsSent.Inc()
}

// RecordInvitationsExpired は期限切れにした招待数を記録する。
func (c *Collector) RecordInvitationsExpired(count int64) {
	c.invitationsExpired.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordTokenRefresh(string, string) {}
func (Nop) RecordRefreshLatency(string, time.Duration) {}
func (Nop) RecordEventFetch(string, string) {}
func (Nop) RecordProviderStatus(string, int) {}
func (Nop) RecordInvitationSent() {}
func (Nop) RecordInvitationsExpired(int64) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
