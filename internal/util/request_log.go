package util

import (
	"log/slog"
	"net/http"
	"time"
)

type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (m *responseMeter) WriteHeader(statusCode int) {
	m.status = statusCode
	m.ResponseWriter.WriteHeader(statusCode)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	n, err := m.ResponseWriter.Write(p)
	m.bytes += int64(n)
	return n, err
}

// Flush keeps SSE streaming working through the meter.
func (m *responseMeter) Flush() {
	if f, ok := m.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithRequestLog emits one structured line per request with the resolved
// client ip, so the access log and the security_event audit entries agree on
// who the caller was.
func WithRequestLog(proxies *Proxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)
		status := meter.status
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info(
			"http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", ClientIP(r, proxies),
			"request_id", RequestIDFromRequest(r),
		)
	})
}
