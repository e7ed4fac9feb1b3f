package repo

import (
	"context"

	"github.com/tinoosan/shelfsync/internal/data"
)

// TrackRepo stores the physical files of downloaded items.
type TrackRepo interface {
	TrackReader
	TrackWriter
}

type TrackReader interface {
	// FindByTask returns data.ErrNotFound when no track carries the handle.
	FindByTask(ctx context.Context, task string) (*data.Track, error)
	// FindByItem returns the item's tracks ordered by index.
	FindByItem(ctx context.Context, item data.ItemID) (data.Tracks, error)
	// ListWithTasks returns every track that still has a transfer attached.
	ListWithTasks(ctx context.Context) (data.Tracks, error)
}

type TrackWriter interface {
	// Create fails with data.ErrDuplicateTrack if (item, index) exists.
	Create(ctx context.Context, t *data.Track) (*data.Track, error)
	SetTask(ctx context.Context, trackID, task string) error
	// ClearTask is idempotent.
	ClearTask(ctx context.Context, trackID string) error
	// Delete returns the removed row so the caller can remove its file.
	Delete(ctx context.Context, trackID string) (*data.Track, error)
	DeleteByItem(ctx context.Context, item data.ItemID) (data.Tracks, error)
}

// WriteMode selects how an incoming progress entry competes with the stored one.
type WriteMode int

const (
	// WriteNewer applies the entry when its LastUpdate is not older than the stored one.
	WriteNewer WriteMode = iota
	// WriteStrict applies the entry only when strictly newer.
	WriteStrict
	// WriteForce always applies the entry.
	WriteForce
)

// ProgressRepo stores one progress entry per item key.
type ProgressRepo interface {
	// GetProgress returns data.ErrNotFound when nothing is stored.
	GetProgress(ctx context.Context, item data.ItemID) (*data.ProgressEntry, error)
	// UpsertProgress returns the stored entry after the write and whether
	// the incoming entry was applied.
	UpsertProgress(ctx context.Context, e *data.ProgressEntry, mode WriteMode) (*data.ProgressEntry, bool, error)
	// ListProgress returns entries in any of the statuses, or all entries
	// when none are given.
	ListProgress(ctx context.Context, statuses ...data.SyncStatus) ([]*data.ProgressEntry, error)
}

// Store is everything the engine persists.
type Store interface {
	TrackRepo
	ProgressRepo
	Close() error
}

// accepts reports whether an incoming entry with timestamp in wins over cur.
func accepts(mode WriteMode, cur, in *data.ProgressEntry) bool {
	switch mode {
	case WriteForce:
		return true
	case WriteStrict:
		return in.LastUpdate.After(cur.LastUpdate)
	default:
		return !in.LastUpdate.Before(cur.LastUpdate)
	}
}
