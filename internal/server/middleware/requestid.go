package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
)

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	traceparentKey contextKey = "traceparent"

	// TraceparentHeader is the W3C trace context header.
	TraceparentHeader = "traceparent"

	maxRequestIDLen = 128
)

// RequestID propagates X-Request-ID, generating one when the client sent none,
// and captures any traceparent header. Both are stored on the request context
// and the id is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(apperrors.RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(apperrors.RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		if tp := strings.TrimSpace(r.Header.Get(TraceparentHeader)); tp != "" {
			ctx = context.WithValue(ctx, traceparentKey, tp)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GetTraceparent returns the captured traceparent header, or "".
func GetTraceparent(ctx context.Context) string {
	tp, _ := ctx.Value(traceparentKey).(string)
	return tp
}
