package telemetry

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
)

// RequestIDHeader carries the request id in and out of the status server.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	return rw.ResponseWriter.Write(b)
}

// HTTPLogging assigns a request id (reusing an upstream X-Request-ID) and logs
// every request once it completes. Successful requests are logged at debug
// level since /metrics and /healthz are polled constantly.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx, logger := logctx.With(r.Context(), "request_id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case rec.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case rec.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.DebugContext(ctx, "http request completed", attrs...)
		}
	})
}
