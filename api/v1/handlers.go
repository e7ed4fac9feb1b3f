package v1

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/progress"
	"github.com/tinoosan/shelfsync/internal/service"
)

// Handler serves the local control API.
type Handler struct {
	l            *slog.Logger
	downloads    service.Download
	cache        *progress.Cache
	reporter     *progress.Reporter
	bus          *events.Bus
	connectionID string
}

type Deps struct {
	Downloads service.Download
	Cache     *progress.Cache
	Reporter  *progress.Reporter
	Bus       *events.Bus
	// ConnectionID scopes every item id parsed from a path.
	ConnectionID string
}

func NewHandler(l *slog.Logger, d Deps) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		l:            l,
		downloads:    d.Downloads,
		cache:        d.Cache,
		reporter:     d.Reporter,
		bus:          d.Bus,
		connectionID: d.ConnectionID,
	}
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *rwLogger) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is needed by the websocket upgrade on /v1/events.
func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// context keys
type ctxKeyItem struct{}

func itemFrom(ctx context.Context) (data.ItemID, bool) {
	id, ok := ctx.Value(ctxKeyItem{}).(data.ItemID)
	return id, ok && !id.IsZero()
}

// item returns the parsed {item} of the request or writes a 500.
func (h *Handler) item(w http.ResponseWriter, r *http.Request) (data.ItemID, bool) {
	id, ok := itemFrom(r.Context())
	if !ok {
		markErr(w, ErrItemCtx)
		http.Error(w, ErrItemCtx.Error(), http.StatusInternalServerError)
	}
	return id, ok
}
