package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware returns an HTTP middleware that records request counts,
// durations, and error counts for each route.
func Middleware(collector *Collector, exporter *PrometheusExporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The route pattern is only known after routing, so the
			// label is derived afterwards.
			label := r.Method + " " + routePattern(r)

			collector.RecordRequest(label)
			if exporter != nil {
				exporter.RecordRequest(label)
			}

			duration := time.Since(start).Seconds()
			collector.RecordDuration(label, duration)
			if exporter != nil {
				exporter.RecordDuration(label, duration)
			}

			if ww.Status() >= http.StatusInternalServerError {
				collector.RecordError(label)
				if exporter != nil {
					exporter.RecordError(label)
				}
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
