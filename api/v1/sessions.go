package v1

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/progress"
)

type startSessionBody struct {
	Item        string  `json:"item"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

type positionBody struct {
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

type sessionResponse struct {
	ID          string      `json:"id"`
	Item        data.ItemID `json:"item"`
	CurrentTime float64     `json:"currentTime"`
	Duration    float64     `json:"duration"`
}

func toSessionResponse(s *progress.Session) sessionResponse {
	cur, dur := s.Position()
	return sessionResponse{ID: s.ID, Item: s.Item, CurrentTime: cur, Duration: dur}
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body startSessionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Item == "" {
		markErr(w, ErrItemJSON)
		http.Error(w, ErrItemJSON.Error(), http.StatusBadRequest)
		return
	}
	if body.CurrentTime < 0 || body.Duration < 0 {
		markErr(w, ErrNegativeTime)
		http.Error(w, ErrNegativeTime.Error(), http.StatusBadRequest)
		return
	}
	item, err := data.ParseItemID(h.connectionID, body.Item)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := h.reporter.Start(item, body.CurrentTime, body.Duration)
	if err != nil {
		markErr(w, err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(s))
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*progress.Session, bool) {
	s, err := h.reporter.Session(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) (positionBody, bool) {
	var body positionBody
	if !decodeBody(w, r, &body) {
		return body, false
	}
	if body.CurrentTime < 0 || body.Duration < 0 {
		markErr(w, ErrNegativeTime)
		http.Error(w, ErrNegativeTime.Error(), http.StatusBadRequest)
		return body, false
	}
	return body, true
}

// TickSession records the playback position; reports happen in the
// background.
func (h *Handler) TickSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	body, ok := h.position(w, r)
	if !ok {
		return
	}
	s.Tick(body.CurrentTime, body.Duration)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	body, ok := h.position(w, r)
	if !ok {
		return
	}
	s.Pause(body.CurrentTime, body.Duration)
	w.WriteHeader(http.StatusNoContent)
}

// EndSession sends the final report and returns the cached progress.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	e, err := s.End(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
