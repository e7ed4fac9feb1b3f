package v1

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/reqid"
)

const headerRequestID = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID ensures every request has a correlation ID in context and headers.
// An incoming X-Request-ID is honored when it is short and made of safe
// characters; otherwise a UUIDv4 replaces it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx := reqid.With(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID keeps client-supplied ids out of log lines when they could
// forge fields.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
