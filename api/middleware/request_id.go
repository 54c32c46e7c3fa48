package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// Caller-supplied ids end up in logs and response headers.
var safeRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID echoes a well-formed X-Request-Id or mints a UUID, and tags the
// request logger with it. This id traces the HTTP call only; credit
// idempotency uses the body's request_id or the Idempotency-Key header.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(requestIDHeader)
			if !safeRequestID.MatchString(traceID) {
				traceID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, traceID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithTraceID(ctx, traceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
