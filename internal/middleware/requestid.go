package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/passage-io/passage/internal/reqctx"
)

func init() {
	uuid.EnableRandPool()
}

// validCorrelationID accepts printable ASCII up to 128 characters.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestID is the outermost stage: it creates the per-request context,
// assigns the correlation id (inbound X-Request-ID when well-formed, fresh
// otherwise), echoes it on the response, and releases the context when the
// request is fully finished.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Acquire(r)
			defer reqctx.Release(rc)

			id := r.Header.Get("X-Request-ID")
			if !validCorrelationID(id) {
				id = uuid.NewString()
			}
			rc.CorrelationID = id
			w.Header().Set("X-Request-ID", id)

			next.ServeHTTP(w, r)
		})
	}
}
