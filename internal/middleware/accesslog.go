package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/passage-io/passage/internal/logging"
	"github.com/passage-io/passage/internal/reqctx"
)

// captureWriter records the status and byte count a deeper stage writes.
type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (cw *captureWriter) WriteHeader(status int) {
	if cw.status == 0 {
		cw.status = status
	}
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	n, err := cw.ResponseWriter.Write(b)
	cw.bytes += int64(n)
	return n, err
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog emits one structured record per request once the response is
// complete. Bodies are never logged. Request headers appear only at debug
// level, with sensitive values replaced by the redactor.
func AccessLog(log *zap.Logger, red *logging.Redactor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := &captureWriter{ResponseWriter: w}
			start := time.Now()

			defer func() {
				rc := reqctx.FromRequest(r)
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", cw.status),
					zap.Int64("bytes", cw.bytes),
					zap.Duration("duration", time.Since(start)),
				}
				if red != nil && log.Core().Enabled(zapcore.DebugLevel) {
					fields = append(fields, zap.Any("headers", red.Headers(r.Header)))
				}
				if rc != nil {
					fields = append(fields,
						zap.String("correlation_id", rc.CorrelationID),
						zap.String("client_ip", rc.ClientIP),
					)
					if rc.NormalizedPath != "" {
						fields = append(fields, zap.String("normalized_path", rc.NormalizedPath))
					}
					if rc.RouteID != "" {
						fields = append(fields, zap.String("route_id", rc.RouteID))
					}
					if rc.Principal != nil {
						fields = append(fields,
							zap.String("user_id", rc.Principal.UserID),
							zap.String("session_id", rc.Principal.SessionID),
						)
					}
					if rc.RateLimit != nil && rc.RateLimit.Key != "" {
						outcome := "allowed"
						if !rc.RateLimit.Allowed {
							outcome = "denied"
						}
						fields = append(fields,
							zap.String("rate_limit_key", rc.RateLimit.Key),
							zap.String("rate_limit_outcome", outcome),
						)
					}
					if rc.UpstreamDuration > 0 {
						fields = append(fields, zap.Duration("upstream_duration", rc.UpstreamDuration))
					}
				}
				log.Info("request", fields...)
			}()

			next.ServeHTTP(cw, r)
		})
	}
}
