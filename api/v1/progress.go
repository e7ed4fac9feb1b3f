package v1

import (
	"net/http"

	"github.com/tinoosan/shelfsync/internal/progress"
)

type patchProgressBody struct {
	Finished *bool `json:"finished"`
}

type syncResponse struct {
	Flush  progress.FlushResult `json:"flush"`
	Pulled int                  `json:"pulled"`
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	e, err := h.cache.Get(r.Context(), item)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// PatchProgress sets or clears the finished flag.
func (h *Handler) PatchProgress(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	var body patchProgressBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Finished == nil {
		markErr(w, ErrFinishedJSON)
		http.Error(w, ErrFinishedJSON.Error(), http.StatusBadRequest)
		return
	}
	e, err := h.cache.MarkFinished(r.Context(), item, *body.Finished)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteProgress resets the item's progress. The server forgets it on the
// next sync.
func (h *Handler) DeleteProgress(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	e, err := h.cache.Reset(r.Context(), item)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Sync flushes local progress to the server and pulls the server's.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, pulled, err := h.reporter.Sync(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "sync failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Flush: res, Pulled: pulled})
}
