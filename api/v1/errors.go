package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/progress"
)

var (
	ErrItemCtx        = errors.New("item missing in context")
	ErrContentType    = errors.New("Content-Type must be application/json")
	ErrFinishedJSON   = errors.New("finished is required")
	ErrItemJSON       = errors.New("item is required")
	ErrNegativeTime   = errors.New("currentTime and duration must not be negative")
	ErrEventsDisabled = errors.New("event stream not configured")
)

// statusFor maps core errors onto HTTP status codes. Upstream failures are
// checked first since they may wrap a not-found from the media server.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrResolutionFailed),
		errors.Is(err, data.ErrTrackTransferFailed),
		errors.Is(err, data.ErrFileSystem):
		return http.StatusBadGateway
	case errors.Is(err, data.ErrAlreadyDownloaded):
		return http.StatusConflict
	case errors.Is(err, data.ErrInvalidItemID),
		errors.Is(err, data.ErrNotDownloadable):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrNotFound),
		errors.Is(err, progress.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	http.Error(w, err.Error(), statusFor(err))
}
