// Package progress keeps playback positions locally and reconciles them with
// the media server. Cache is the local, last-write-wins view; Reporter runs
// listening sessions and the background flush/pull loop.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/repo"
)

type Cache struct {
	store repo.ProgressRepo
	pub   events.Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewCache(log *slog.Logger, store repo.ProgressRepo, pub events.Publisher) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, pub: pub, log: log, now: time.Now}
}

// Get returns the stored entry, or an empty synchronized entry.
func (c *Cache) Get(ctx context.Context, item data.ItemID) (*data.ProgressEntry, error) {
	e, err := c.store.GetProgress(ctx, item)
	if errors.Is(err, data.ErrNotFound) {
		return data.EmptyProgress(item), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", item, err)
	}
	return e, nil
}

// Upsert applies u when it is not older than the stored entry, or always
// when u.Force is set. It returns the entry stored afterwards.
func (c *Cache) Upsert(ctx context.Context, u data.ProgressUpdate) (*data.ProgressEntry, error) {
	mode := repo.WriteNewer
	if u.Force {
		mode = repo.WriteForce
	}
	e, _, err := c.write(ctx, u.Entry(), mode)
	return e, err
}

// MarkFinished sets or clears the finished flag. It always wins.
func (c *Cache) MarkFinished(ctx context.Context, item data.ItemID, finished bool) (*data.ProgressEntry, error) {
	cur, err := c.Get(ctx, item)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	u := data.ProgressUpdate{
		Item:        item,
		Duration:    cur.Duration,
		CurrentTime: cur.CurrentTime,
		StartedAt:   cur.StartedAt,
		LastUpdate:  now,
		Status:      data.SyncDesynchronized,
		Force:       true,
	}
	if u.StartedAt == nil {
		u.StartedAt = &now
	}
	if finished {
		u.Progress = 1
		u.FinishedAt = &now
	}
	return c.Upsert(ctx, u)
}

// Reset replaces the entry with a tombstone so the deletion reaches the
// server on the next flush.
func (c *Cache) Reset(ctx context.Context, item data.ItemID) (*data.ProgressEntry, error) {
	return c.Upsert(ctx, data.ProgressUpdate{
		Item:       item,
		LastUpdate: c.now().UTC(),
		Status:     data.SyncTombstoned,
		Force:      true,
	})
}

// Pending lists the entries the server has not seen yet.
func (c *Cache) Pending(ctx context.Context) ([]*data.ProgressEntry, error) {
	return c.store.ListProgress(ctx, data.SyncDesynchronized, data.SyncTombstoned)
}

// Merge stores server snapshots as synchronized entries. A snapshot only
// replaces a local entry that is strictly older, tombstones included.
func (c *Cache) Merge(ctx context.Context, snaps []*data.ProgressSnapshot) (int, error) {
	applied := 0
	for _, s := range snaps {
		if s == nil || s.Item.IsZero() {
			continue
		}
		_, ok, err := c.write(ctx, s.Entry(data.SyncSynchronized), repo.WriteStrict)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// markSynced flags e as acknowledged by the server, unless it changed since
// it was read.
func (c *Cache) markSynced(ctx context.Context, e *data.ProgressEntry) (bool, error) {
	cp := e.Clone()
	cp.Status = data.SyncSynchronized
	_, ok, err := c.write(ctx, cp, repo.WriteNewer)
	return ok, err
}

func (c *Cache) write(ctx context.Context, e *data.ProgressEntry, mode repo.WriteMode) (*data.ProgressEntry, bool, error) {
	if e.Item.IsZero() {
		return nil, false, fmt.Errorf("%w: empty item", data.ErrInvalidItemID)
	}
	if e.LastUpdate.IsZero() {
		e.LastUpdate = c.now().UTC()
	}
	stored, ok, err := c.store.UpsertProgress(ctx, e, mode)
	if err != nil {
		return nil, false, fmt.Errorf("upsert progress %s: %w", e.Item, err)
	}
	if ok && c.pub != nil {
		c.pub.Publish(events.Event{Kind: events.ProgressChanged, Item: e.Item, Fraction: stored.Progress})
	}
	return stored, ok, nil
}
