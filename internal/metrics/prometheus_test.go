package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_rendezvous_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="bar"} 2`) {
		t.Fatalf("missing bar counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="foo"} 1`) {
		t.Fatalf("missing foo counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
	if strings.Index(body, `event="bar"`) > strings.Index(body, `event="foo"`) {
		t.Fatalf("counters not sorted: %s", body)
	}
}

func TestPrometheusHandler_SamplesGauges(t *testing.T) {
	m := New()
	n := 3
	m.RegisterGauge("active_rooms", func() int { return n })

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "aero_webrtc_rendezvous_active_rooms 3\n") {
		t.Fatalf("missing gauge: %s", rr.Body.String())
	}

	n = 1
	rr = httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "aero_webrtc_rendezvous_active_rooms 1\n") {
		t.Fatalf("gauge not resampled: %s", rr.Body.String())
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
