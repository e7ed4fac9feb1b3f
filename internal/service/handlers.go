package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/downloadcfg"
	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

// HandleProgress feeds a transfer's fraction into the item accumulator.
func (s *download) HandleProgress(ctx context.Context, handle string, fraction float64) {
	t, err := s.tracks.FindByTask(ctx, handle)
	if err != nil {
		return
	}
	s.tracker.Update(handle, t.Item, fraction)
}

// lockTask locks the item owning handle and returns its track as seen under
// the lock. ok is false when no track carries the handle any more.
func (s *download) lockTask(ctx context.Context, handle string) (t *data.Track, unlock func(), ok bool, err error) {
	t, err = s.tracks.FindByTask(ctx, handle)
	if errors.Is(err, data.ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	unlock = s.locks.Lock(t.Item.Key())
	t, err = s.tracks.FindByTask(ctx, handle)
	if err != nil {
		unlock()
		if errors.Is(err, data.ErrNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	return t, unlock, true, nil
}

// HandleCompleted moves a finished transfer into place and clears its
// handle. Unknown handles are ignored.
func (s *download) HandleCompleted(ctx context.Context, handle string) error {
	t, unlock, ok, err := s.lockTask(ctx, handle)
	if err != nil || !ok {
		if !ok && err == nil {
			s.log.Debug("completion for unknown task ignored", "handle", handle)
		}
		return err
	}
	defer unlock()
	log := s.log.With("item", t.Item.String(), "track", t.Index, "handle", handle)

	src, dst := s.tmpPath(t.ID), s.trackPath(t)
	// A move that landed before the handle could be cleared leaves dst in
	// place and src gone; the redelivered completion only clears the handle.
	if s.fs.exists(dst) && !s.fs.exists(src) {
		log.Info("finished track already in place", "path", dst)
	} else if err = s.landTrack(src, dst, t.Item); err != nil {
		log.Error("could not move finished track, rolling back item", "err", err)
		_ = s.fs.remove(src)
		s.rollback(ctx, t.Item, log)
		s.tracker.Abort(handle, t.Item)
		metrics.ItemDownloads.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", data.ErrFileSystem, err)
	}

	if err := s.tracks.ClearTask(ctx, t.ID); err != nil {
		return err
	}
	s.tracker.Complete(handle, t.Item)

	rows, err := s.tracks.FindByItem(ctx, t.Item)
	if err != nil {
		return err
	}
	if st := data.DeriveState(t.Item, rows); st.Status == data.DownloadDownloaded {
		metrics.ItemDownloads.WithLabelValues("completed").Inc()
		log.Info("item downloaded", "tracks", st.Total)
		s.publish(events.DownloadStatusChanged, t.Item)
	}
	return nil
}

func (s *download) landTrack(src, dst string, item data.ItemID) error {
	if err := s.fs.mkdirAll(s.itemPath(item)); err != nil {
		return err
	}
	if err := downloadcfg.Prepare(dst, s.policy); err != nil {
		return err
	}
	return s.fs.move(src, dst)
}

// HandleFailed rolls back the whole item owning handle. It also serves
// cancellations and is a no-op for unknown handles.
func (s *download) HandleFailed(ctx context.Context, handle, reason string) error {
	t, unlock, ok, err := s.lockTask(ctx, handle)
	if err != nil || !ok {
		return err
	}
	defer unlock()
	log := s.log.With("item", t.Item.String(), "track", t.Index, "handle", handle)
	log.Warn("track transfer failed, rolling back item", "reason", reason)
	s.rollback(ctx, t.Item, log)
	s.tracker.Abort(handle, t.Item)
	metrics.ItemDownloads.WithLabelValues("failed").Inc()
	return nil
}

// Delete removes an item's tracks and files, cancelling live transfers
// first. Deleting an item that is not downloaded is not an error.
func (s *download) Delete(ctx context.Context, item data.ItemID) error {
	if item.IsZero() {
		return data.ErrInvalidItemID
	}
	unlock := s.locks.Lock(item.Key())
	defer unlock()
	log := s.log.With("item", item.String())
	n := s.rollback(ctx, item, log)
	s.tracker.Forget(item)
	if n > 0 {
		metrics.ItemDownloads.WithLabelValues("deleted").Inc()
		log.Info("item deleted", "tracks", n)
	}
	return nil
}

// rollback cancels the item's live transfers and removes its rows, its
// directory and its temp files. Missing resources are skipped. The caller
// holds the item lock. It returns how many rows were removed.
func (s *download) rollback(ctx context.Context, item data.ItemID, log *slog.Logger) int {
	rows, err := s.tracks.FindByItem(ctx, item)
	if err != nil {
		log.Error("list tracks for rollback", "err", err)
	}
	for _, t := range rows {
		if t.TaskID == nil {
			continue
		}
		if err := s.transfer.Cancel(ctx, *t.TaskID); err != nil && !errors.Is(err, downloader.ErrNotFound) {
			log.Warn("cancel transfer", "handle", *t.TaskID, "err", err)
		}
	}
	removed, err := s.tracks.DeleteByItem(ctx, item)
	if err != nil {
		log.Error("delete tracks", "err", err)
	}
	if err := s.fs.removeAll(s.itemPath(item)); err != nil {
		log.Warn("remove item directory", "err", err)
	}
	for _, t := range append(rows, removed...) {
		_ = s.fs.remove(s.tmpPath(t.ID))
		_ = s.fs.remove(s.tmpPath(t.ID) + ".aria2")
	}
	s.publish(events.DownloadStatusChanged, item)
	return len(removed)
}
