package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "aero_webrtc_rendezvous_events_total"
	gaugePrefix  = "aero_webrtc_rendezvous_"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters share one metric with an `event` label. Each registered gauge is
// its own metric named aero_webrtc_rendezvous_<name>.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		gauges := m.Gauges()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), snap[k])
		}

		for _, k := range sortedKeys(gauges) {
			name := gaugePrefix + k
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, gauges[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
