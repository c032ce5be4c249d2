package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルに一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordTokenRefresh_IncrementsByLabel はプロバイダ・結果ごとにカウントされることを検証する。
func TestRecordTokenRefresh_IncrementsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("google", ResultSuccess)
	c.RecordTokenRefresh("google", ResultSuccess)
	c.RecordTokenRefresh("microsoft", ResultReconnect)

	m := findMetric(t, reg, "calman_token_refresh_total", map[string]string{"provider": "google", "result": "success"})
	if m == nil {
		t.Fatal("google/success metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("google/success = %v, want 2", v)
	}

	m = findMetric(t, reg, "calman_token_refresh_total", map[string]string{"provider": "microsoft", "result": "reconnect"})
	if m == nil {
		t.Fatal("microsoft/reconnect metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("microsoft/reconnect = %v, want 1", v)
	}
}

// TestRecordRefreshLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordRefreshLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefreshLatency("google", 150*time.Millisecond)

	m := findMetric(t, reg, "calman_token_refresh_latency_seconds", map[string]string{"provider": "google"})
	if m == nil {
		t.Fatal("latency metric not found")
	}
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
}

// TestRecordEventFetch_IncrementsCounter はイベント取得カウンタが増加することを検証する。
func TestRecordEventFetch_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEventFetch("microsoft", ResultFailure)

	m := findMetric(t, reg, "calman_event_fetch_total", map[string]string{"provider": "microsoft", "result": "failure"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("expected calman_event_fetch_total{microsoft,failure} = 1, got %v", m)
	}
}

// TestRecordProviderStatus_LabelsStatusCode はステータスコードがラベルになることを検証する。
func TestRecordProviderStatus_LabelsStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderStatus("google", 401)

	m := findMetric(t, reg, "calman_provider_http_status_total", map[string]string{"provider": "google", "status_code": "401"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("expected status 401 to be counted once, got %v", m)
	}
}

// TestRecordInvitations は招待関連カウンタを検証する。
func TestRecordInvitations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordInvitationSent()
	c.RecordInvitationsExpired(3)

	if m := findMetric(t, reg, "calman_invitations_sent_total", nil); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("invitations_sent_total = %v, want 1", m)
	}
	if m := findMetric(t, reg, "calman_invitations_expired_total", nil); m == nil || m.GetCounter().GetValue() != 3 {
		t.Errorf("invitations_expired_total = %v, want 3", m)
	}
}

// TestHandler_ServesPrometheusFormat はハンドラーがテキスト形式で出力することを検証する。
func TestHandler_ServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordInvitationSent()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "calman_invitations_sent_total 1") {
		t.Errorf("response should contain calman_invitations_sent_total 1, got:\n%s", body)
	}
}
