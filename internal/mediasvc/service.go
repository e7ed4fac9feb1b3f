// Package mediasvc talks to the remote media server that owns the library:
// it resolves downloadable tracks and carries playback progress both ways.
package mediasvc

import (
	"context"

	"github.com/tinoosan/shelfsync/internal/data"
)

// ProgressReport is one playback position sent to the server.
type ProgressReport struct {
	Item         data.ItemID
	CurrentTime  float64
	Duration     float64
	TimeListened float64
}

// Library is one library on the connected server.
type Library struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// Service is the remote media server. Every call may fail because the
// server is unreachable.
type Service interface {
	ResolveTracks(ctx context.Context, item data.ItemID) ([]data.TrackDescriptor, error)
	FetchCover(ctx context.Context, item data.ItemID) ([]byte, error)
	FetchChapters(ctx context.Context, item data.ItemID) (data.Chapters, error)
	ReportProgress(ctx context.Context, r ProgressReport) (*data.ProgressSnapshot, error)
	ReportSessionClose(ctx context.Context, r ProgressReport) error

	ListProgress(ctx context.Context) ([]*data.ProgressSnapshot, error)
	UpdateProgress(ctx context.Context, e *data.ProgressEntry) error
	DeleteProgress(ctx context.Context, item data.ItemID) error
	ListLibraries(ctx context.Context) ([]Library, error)
}
