package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pithecene-io/treesync/log"
)

// requestLogger logs one line per request. Socket upgrades are logged when
// the connection ends.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"remote":      r.RemoteAddr,
				}
				if id := middleware.GetReqID(r.Context()); id != "" {
					fields["request_id"] = id
				}
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					logger.Error("request", fields)
				case r.URL.Path == "/healthz":
					logger.Debug("request", fields)
				default:
					logger.Info("request", fields)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
