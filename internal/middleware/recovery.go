package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"fleet/pkg/errors"
)

// RecoveryConfig holds recovery middleware configuration
type RecoveryConfig struct {
	// StackTrace enables stack trace logging
	StackTrace bool
	// PanicHandler is called when a panic occurs (optional)
	PanicHandler func(r *http.Request, recovered any, stack []byte)
}

// Recovery converts handler panics into a 500 internal error response.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recovery(config RecoveryConfig, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newStatusRecorder(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				logger.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"method", r.Method,
				)
				if config.StackTrace {
					logger.Error("stack trace", "stack", string(stack))
				}
				if config.PanicHandler != nil {
					config.PanicHandler(r, rec, stack)
				}

				if rw.wroteHeader {
					return
				}
				err := errors.NewError(errors.ErrorTypeInternal, "internal server error").
					WithDetail("panic", fmt.Sprintf("%v", rec))
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(err.HTTPStatusCode())
				json.NewEncoder(rw).Encode(map[string]any{
					"error": map[string]string{"type": string(err.Type), "message": err.Message},
				})
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// DefaultRecovery creates recovery middleware with stack traces enabled
func DefaultRecovery(logger *slog.Logger) Middleware {
	return Recovery(RecoveryConfig{StackTrace: true}, logger)
}
