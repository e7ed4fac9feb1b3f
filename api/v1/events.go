package v1

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Events streams bus events as JSON text messages until the client goes
// away. Events are invalidation hints; a client that falls behind loses
// some and should re-read state.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		markErr(w, ErrEventsDisabled)
		http.Error(w, ErrEventsDisabled.Error(), http.StatusNotFound)
		return
	}
	// Subscribe before the handshake completes so a client sees every
	// event published after its dial returns.
	sub := h.bus.Subscribe(eventBuffer)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// The stream is write-only; CloseRead handles pings and client closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				h.l.Debug("event stream closed", "err", err)
				return
			}
		}
	}
}
