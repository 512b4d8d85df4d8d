package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request. Server errors log at Error, client
// errors at Warn and /health at Debug so liveness checks stay out of the file.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				attrs = append(attrs, "route", p)
			}
			if id := rctx.URLParam("chart_id"); id != "" {
				attrs = append(attrs, "chart_id", id)
			}
			if id := rctx.URLParam("capture_id"); id != "" {
				attrs = append(attrs, "capture_id", id)
			}
		}
		slog.Log(r.Context(), requestLevel(r.URL.Path, ww.Status()), "http request", attrs...)
	})
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case path == "/health":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
