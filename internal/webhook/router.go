package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pagerelay/internal/metrics"
)

type RouterConfig struct {
	WebhookPath string
	MetricsPath string // empty disables /metrics
	Logger      *slog.Logger
}

// NewRouter mounts the webhook, metrics and health endpoints.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Get(cfg.WebhookPath, h.Verify)
	r.Post(cfg.WebhookPath, h.Receive)
	if cfg.MetricsPath != "" {
		r.Get(cfg.MetricsPath, metrics.Collector.Handler())
	}
	return r
}

// requestLogger logs each request at debug level. Only the path is logged:
// handshake query strings carry the verify token.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"req_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
