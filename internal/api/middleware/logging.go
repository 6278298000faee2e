// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns a middleware that logs HTTP requests. Webhook
// deliveries carry their GitHub event and delivery IDs so a failed
// delivery can be matched against GitHub's redelivery log. Health
// probes log at debug to keep the noise down.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
				}
				if event := r.Header.Get("X-GitHub-Event"); event != "" {
					attrs = append(attrs,
						"github_event", event,
						"github_delivery", r.Header.Get("X-GitHub-Delivery"),
					)
				}

				switch {
				case ww.Status() >= 500:
					logger.Error("request failed", attrs...)
				case r.URL.Path == "/health":
					logger.Debug("request completed", attrs...)
				default:
					logger.Info("request completed", attrs...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
