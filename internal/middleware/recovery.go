package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
)

// Recovery converts panics from deeper stages into a 500 with a generic
// body. Deliberate aborts pass through so the server closes the connection
// without a second status line.
func Recovery(log *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				correlationID := ""
				if rc := reqctx.FromRequest(r); rc != nil {
					correlationID = rc.CorrelationID
					rc.Status = http.StatusInternalServerError
				}
				log.Error("panic recovered",
					zap.String("correlation_id", correlationID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				errors.ErrInternal.WriteJSON(w, correlationID)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
