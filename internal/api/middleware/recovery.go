package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// errEnvelope matches the api package's error response shape.
type errEnvelope struct {
	Error string `json:"error"`
}

// writeEnvelopeError emits a JSON error body in the api envelope shape.
// Middleware cannot reach the api package's writers without an import
// cycle, so the shape is mirrored here.
func writeEnvelopeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}

// Recoverer returns middleware that recovers from panics, logs the stack
// trace, and answers 500 so a broken dry run cannot take the daemon's
// diagnostic surface down with it. Mount after RequestLogger so the
// request ID is available.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeEnvelopeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
