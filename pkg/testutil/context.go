package testutil

import (
	"net/http"
	"time"

	"auditlog/pkg/requestcontext"
)

// WithRequestID sets the correlation id the RequestID middleware would set.
func WithRequestID(req *http.Request, id string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), id))
}

// WithTime pins the request-scoped clock the RequestTime middleware would set.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
