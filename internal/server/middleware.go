package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"agenttrail/internal/logger"
)

// statusWriter captures the status code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logger.Debugf("http %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Microsecond))
	})
}

// instrument records request counts and latencies. The route label is
// the path template, not the raw path, so session and report ids never
// explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(
			routeTemplate(r.URL.Path),
			r.Method,
			strconv.Itoa(sw.status),
			time.Since(start).Seconds(),
		)
	})
}

// routeTemplate collapses id path segments back into their pattern
// placeholders.
func routeTemplate(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return "/other"
	}
	switch parts[1] {
	case "sessions":
		switch len(parts) {
		case 2:
			return "/v1/sessions"
		case 3:
			return "/v1/sessions/{id}"
		case 4:
			return "/v1/sessions/{id}/" + parts[3]
		case 5:
			if parts[3] == "export" {
				return "/v1/sessions/{id}/export/" + parts[4]
			}
		}
	case "reports":
		if len(parts) == 2 {
			return "/v1/reports"
		}
		if len(parts) == 3 {
			return "/v1/reports/{id}"
		}
	}
	return "/other"
}
