package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

const corsMaxAge = "600"

// withOriginPolicy rejects disallowed browser origins and answers CORS
// preflights for next. Requests without an Origin header pass through
// untouched.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowedOrigin, ok := s.origins.Check(r)
		if !ok {
			if s.metrics != nil {
				s.metrics.Inc(metrics.OriginRejected)
			}
			s.log.Debug("rejected cross-origin request", "path", r.URL.Path, "origin", r.Header.Get("Origin"))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if allowedOrigin != "" {
			setCORSHeaders(w.Header(), allowedOrigin)
			if isPreflight(r) {
				writePreflight(w, r)
				return
			}
		}
		next(w, r)
	}
}

func setCORSHeaders(h http.Header, allowedOrigin string) {
	h.Set("Access-Control-Allow-Origin", allowedOrigin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "X-Request-ID")
	h.Add("Vary", "Origin")
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func writePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
	h.Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}
