package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/downloadcfg"
	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/fp"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
	"github.com/tinoosan/shelfsync/internal/metrics"
	"github.com/tinoosan/shelfsync/internal/repo"
	"github.com/tinoosan/shelfsync/internal/tracker"
)

// Download is the download orchestrator. Download, Delete and the transfer
// handlers are serialized per item.
type Download interface {
	Download(ctx context.Context, item data.ItemID) (data.DownloadState, error)
	Delete(ctx context.Context, item data.ItemID) error
	Status(ctx context.Context, item data.ItemID) (data.DownloadState, error)

	HandleProgress(ctx context.Context, handle string, fraction float64)
	HandleCompleted(ctx context.Context, handle string) error
	HandleFailed(ctx context.Context, handle, reason string) error

	ReconcileOrphans(ctx context.Context) (ReconcileReport, error)
}

type Options struct {
	// DataDir holds items/ and tmp/.
	DataDir   string
	Policy    downloadcfg.CollisionPolicy
	Publisher events.Publisher
	Log       *slog.Logger
}

type download struct {
	tracks   repo.TrackRepo
	media    mediasvc.Service
	transfer downloader.Transfer
	tracker  *tracker.Tracker
	pub      events.Publisher
	log      *slog.Logger
	policy   downloadcfg.CollisionPolicy

	itemsDir string
	tmpDir   string

	locks keyedMutex

	mu        sync.Mutex
	resolving map[string]struct{}

	fs  fsOps
	now func() time.Time
}

func NewDownload(tracks repo.TrackRepo, media mediasvc.Service, tr downloader.Transfer, trk *tracker.Tracker, opts Options) Download {
	return newDownload(tracks, media, tr, trk, opts)
}

func newDownload(tracks repo.TrackRepo, media mediasvc.Service, tr downloader.Transfer, trk *tracker.Tracker, opts Options) *download {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	if !policy.Valid() {
		policy = downloadcfg.CollisionOverwrite
	}
	return &download{
		tracks:    tracks,
		media:     media,
		transfer:  tr,
		tracker:   trk,
		pub:       opts.Publisher,
		log:       log,
		policy:    policy,
		itemsDir:  filepath.Join(opts.DataDir, "items"),
		tmpDir:    filepath.Join(opts.DataDir, "tmp"),
		resolving: make(map[string]struct{}),
		fs:        defaultFS(),
		now:       time.Now,
	}
}

func (s *download) itemPath(item data.ItemID) string {
	return filepath.Join(s.itemsDir, fp.ItemDir(item))
}

func (s *download) trackPath(t *data.Track) string {
	return filepath.Join(s.itemsDir, fp.TrackFile(t.Item, t.Index, t.Ext))
}

// tmpPath is keyed by track id, which never changes, so a transfer backend
// substituting its own handle does not lose the file.
func (s *download) tmpPath(trackID string) string {
	return filepath.Join(s.tmpDir, trackID+".part")
}

func (s *download) beginResolving(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.resolving[key]; busy {
		return false
	}
	s.resolving[key] = struct{}{}
	return true
}

func (s *download) endResolving(key string) {
	s.mu.Lock()
	delete(s.resolving, key)
	s.mu.Unlock()
}

func (s *download) isResolving(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.resolving[key]
	return ok
}

func (s *download) publish(kind events.Kind, item data.ItemID) {
	if s.pub != nil {
		s.pub.Publish(events.Event{Kind: kind, Item: item})
	}
}

// Download resolves item, writes its metadata and starts one transfer per
// track. If any transfer cannot be started nothing of the item survives.
func (s *download) Download(ctx context.Context, item data.ItemID) (data.DownloadState, error) {
	if item.IsZero() {
		return data.DownloadState{}, data.ErrInvalidItemID
	}
	if !item.Type.Downloadable() {
		return data.DownloadState{}, fmt.Errorf("%w: %s", data.ErrNotDownloadable, item.Type)
	}
	key := item.Key()
	if !s.beginResolving(key) {
		return data.DownloadState{}, data.ErrAlreadyDownloaded
	}
	defer s.endResolving(key)

	unlock := s.locks.Lock(key)
	defer unlock()

	existing, err := s.tracks.FindByItem(ctx, item)
	if err != nil {
		return data.DownloadState{}, err
	}
	if len(existing) > 0 {
		return data.DownloadState{}, data.ErrAlreadyDownloaded
	}

	log := s.log.With("item", item.String(), "operation_id", uuid.NewString())
	s.publish(events.DownloadStatusChanged, item)

	descs, err := s.media.ResolveTracks(ctx, item)
	if err != nil {
		s.publish(events.DownloadStatusChanged, item)
		return data.DownloadState{}, fmt.Errorf("%w: %w", data.ErrResolutionFailed, err)
	}
	if len(descs) == 0 {
		s.publish(events.DownloadStatusChanged, item)
		return data.DownloadState{}, fmt.Errorf("%w: no tracks", data.ErrResolutionFailed)
	}
	chapters, err := s.media.FetchChapters(ctx, item)
	if err != nil {
		s.publish(events.DownloadStatusChanged, item)
		return data.DownloadState{}, fmt.Errorf("%w: chapters: %w", data.ErrResolutionFailed, err)
	}

	dir := s.itemPath(item)
	if err := s.writeMetadata(dir, chapters); err != nil {
		_ = s.fs.removeAll(dir)
		s.publish(events.DownloadStatusChanged, item)
		return data.DownloadState{}, fmt.Errorf("%w: %w", data.ErrFileSystem, err)
	}
	s.saveCover(ctx, item, dir, log)

	created := make(data.Tracks, 0, len(descs))
	now := s.now().UTC()
	for _, d := range descs {
		h := downloader.NewHandle()
		t, err := s.tracks.Create(ctx, &data.Track{
			Item:      item,
			Index:     d.Index,
			Kind:      d.Kind,
			Offset:    d.Offset,
			Duration:  d.Duration,
			Ext:       fp.NormalizeExt(d.Ext),
			TaskID:    &h,
			CreatedAt: now,
		})
		if err != nil {
			s.rollback(ctx, item, log)
			if errors.Is(err, data.ErrDuplicateTrack) {
				return data.DownloadState{}, data.ErrAlreadyDownloaded
			}
			return data.DownloadState{}, fmt.Errorf("create track %d: %w", d.Index, err)
		}
		created = append(created, t)
	}

	s.tracker.Begin(item, len(created))
	for i, t := range created {
		want := *t.TaskID
		got, err := s.transfer.Start(ctx, downloader.StartOptions{
			Handle:  want,
			URL:     descs[i].URL,
			Dir:     s.tmpDir,
			Out:     filepath.Base(s.tmpPath(t.ID)),
			Headers: descs[i].Headers,
		})
		if err == nil && got != want {
			err = s.tracks.SetTask(ctx, t.ID, got)
		}
		if err != nil {
			log.Warn("transfer start failed, rolling back item", "track", t.Index, "err", err)
			s.rollback(ctx, item, log)
			s.tracker.Abort(want, item)
			metrics.ItemDownloads.WithLabelValues("failed").Inc()
			return data.DownloadState{}, fmt.Errorf("%w: track %d: %w", data.ErrTrackTransferFailed, t.Index, err)
		}
	}
	log.Info("item download started", "tracks", len(created))

	rows, err := s.tracks.FindByItem(ctx, item)
	if err != nil {
		return data.DownloadState{}, err
	}
	return data.DeriveState(item, rows), nil
}

// Status reports the derived download state, refined by the tracker while
// transfers run.
func (s *download) Status(ctx context.Context, item data.ItemID) (data.DownloadState, error) {
	if s.isResolving(item.Key()) {
		return data.DownloadState{Item: item, Status: data.DownloadResolving}, nil
	}
	rows, err := s.tracks.FindByItem(ctx, item)
	if err != nil {
		return data.DownloadState{}, err
	}
	st := data.DeriveState(item, rows)
	if st.Status == data.DownloadWorking {
		if f, ok := s.tracker.Progress(item); ok {
			st.Fraction = f
		}
	}
	return st, nil
}
