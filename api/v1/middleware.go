package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/reqid"
)

// MiddlewareItemID parses the {item} path variable into the request context.
func (h *Handler) MiddlewareItemID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := mux.Vars(r)["item"]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		id, err := data.ParseItemID(h.connectionID, raw)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyItem{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		timeElapsed := time.Since(startTime)
		id, _ := reqid.From(r.Context())
		hErr := rw.err
		if hErr != nil {
			h.l.Error(hErr.Error(),
				"request_id", id,
				"method", r.Method,
				"url", r.URL.Path,
				"status", rw.status,
				"remote", r.RemoteAddr,
				"dur_ms", timeElapsed.Milliseconds(),
				"bytes", rw.bytes)
			return
		}

		h.l.Info("", "request_id", id,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"dur_ms", timeElapsed.Milliseconds(),
			"bytes", rw.bytes)
	})
}
