package v1

import (
	"context"
	"net/http"

	"github.com/tinoosan/shelfsync/internal/reqid"
)

// GetDownload reports the item's download state.
func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	st, err := h.downloads.Status(r.Context(), item)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AddDownload queues the item for download. The transfers outlive the
// request, so client disconnects do not cancel the enqueue.
func (h *Handler) AddDownload(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	st, err := h.downloads.Download(context.WithoutCancel(r.Context()), item)
	if err != nil {
		writeError(w, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Info("download queued", "item", item.String(), "tracks", st.Total)
	writeJSON(w, http.StatusAccepted, st)
}

// DeleteDownload removes the item's files. Deleting an item that is not
// downloaded succeeds.
func (h *Handler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	if err := h.downloads.Delete(context.WithoutCancel(r.Context()), item); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile runs orphan reconciliation on demand.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.downloads.ReconcileOrphans(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "reconcile failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
