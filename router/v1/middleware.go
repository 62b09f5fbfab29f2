package v1

import (
	"net/http"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
)

// AddRequestLoggingMiddleware returns a middleware logging every request
// with its handling latency.
func AddRequestLoggingMiddleware(logger zerolog.Logger) alice.Constructor {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			h.ServeHTTP(w, req)
			logger.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("handled request")
		})
	}
}
