package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/observability/metrics"
)

// statusWriter 包装 http.ResponseWriter 以捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 为处理器附加指标采集与访问日志。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		elapsed := time.Since(start)

		metrics.ObserveHTTPRequest(name, r.Method, sw.status, elapsed)
		s.log.Info("api_request",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
}
