package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

// FlushResult counts what a Flush did.
type FlushResult struct {
	Pushed  int `json:"pushed"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Flush pushes desynchronized entries and tombstones to the server and marks
// them synchronized. Entries that fail stay pending for the next flush.
func (r *Reporter) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	pending, err := r.cache.Pending(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		op := "push"
		if e.Status == data.SyncTombstoned {
			op = "delete"
			err = r.svc.DeleteProgress(ctx, e.Item)
		} else {
			err = r.svc.UpdateProgress(ctx, e)
		}
		if err != nil {
			res.Failed++
			metrics.ProgressSync.WithLabelValues(op, "failed").Inc()
			r.log.Warn("progress flush failed", "item", e.Item.String(), "op", op, "err", err)
			continue
		}
		metrics.ProgressSync.WithLabelValues(op, "ok").Inc()
		if op == "delete" {
			res.Deleted++
		} else {
			res.Pushed++
		}
		if _, err := r.cache.markSynced(ctx, e); err != nil {
			r.log.Error("mark progress synchronized", "item", e.Item.String(), "err", err)
		}
	}
	return res, nil
}

// Pull merges the server's progress into the cache and returns how many
// entries changed.
func (r *Reporter) Pull(ctx context.Context) (int, error) {
	snaps, err := r.svc.ListProgress(ctx)
	if err != nil {
		metrics.ProgressSync.WithLabelValues("pull", "failed").Inc()
		return 0, err
	}
	n, err := r.cache.Merge(ctx, snaps)
	if err != nil {
		metrics.ProgressSync.WithLabelValues("pull", "failed").Inc()
		return n, err
	}
	metrics.ProgressSync.WithLabelValues("pull", "ok").Inc()
	return n, nil
}

// Sync flushes local changes first so Pull never overwrites them with
// older server state.
func (r *Reporter) Sync(ctx context.Context) (FlushResult, int, error) {
	res, err := r.Flush(ctx)
	if err != nil {
		return res, 0, err
	}
	n, err := r.Pull(ctx)
	return res, n, err
}

// Run syncs once immediately and then every SyncInterval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	log := r.log.With("operation_id", uuid.NewString())
	t := time.NewTicker(r.syncInterval)
	defer t.Stop()
	for {
		res, pulled, err := r.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("progress sync failed", "err", err)
		} else if res.Pushed+res.Deleted+res.Failed+pulled > 0 {
			log.Info("progress synced", "pushed", res.Pushed, "deleted", res.Deleted, "failed", res.Failed, "pulled", pulled)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
