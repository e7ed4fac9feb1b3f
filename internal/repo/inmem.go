package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/tinoosan/shelfsync/internal/data"
)

// InMemoryRepo is a Store kept in process memory. It is used in tests and
// when no durable store is configured.
type InMemoryRepo struct {
	mu       sync.RWMutex
	tracks   map[string]*data.Track
	progress map[string]*data.ProgressEntry
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		tracks:   make(map[string]*data.Track),
		progress: make(map[string]*data.ProgressEntry),
	}
}

var _ Store = (*InMemoryRepo)(nil)

func (r *InMemoryRepo) Close() error { return nil }

func (r *InMemoryRepo) FindByTask(ctx context.Context, task string) (*data.Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tracks {
		if t.TaskID != nil && *t.TaskID == task {
			return t.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryRepo) FindByItem(ctx context.Context, item data.ItemID) (data.Tracks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := item.Key()
	out := data.Tracks{}
	for _, t := range r.tracks {
		if t.Item.Key() == key {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r *InMemoryRepo) ListWithTasks(ctx context.Context) (data.Tracks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := data.Tracks{}
	for _, t := range r.tracks {
		if t.TaskID != nil {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Item.Key() != out[j].Item.Key() {
			return out[i].Item.Key() < out[j].Item.Key()
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (r *InMemoryRepo) Create(ctx context.Context, t *data.Track) (*data.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := t.Item.Key()
	for _, cur := range r.tracks {
		if cur.Item.Key() == key && cur.Index == t.Index {
			return nil, data.ErrDuplicateTrack
		}
	}
	cp := t.Clone()
	if cp.ID == "" {
		cp.ID = ksuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.tracks[cp.ID] = cp
	return cp.Clone(), nil
}

func (r *InMemoryRepo) SetTask(ctx context.Context, trackID, task string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[trackID]
	if !ok {
		return data.ErrNotFound
	}
	t.TaskID = &task
	return nil
}

func (r *InMemoryRepo) ClearTask(ctx context.Context, trackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[trackID]
	if !ok {
		return data.ErrNotFound
	}
	t.TaskID = nil
	return nil
}

func (r *InMemoryRepo) Delete(ctx context.Context, trackID string) (*data.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[trackID]
	if !ok {
		return nil, data.ErrNotFound
	}
	delete(r.tracks, trackID)
	return t, nil
}

func (r *InMemoryRepo) DeleteByItem(ctx context.Context, item data.ItemID) (data.Tracks, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := item.Key()
	out := data.Tracks{}
	for id, t := range r.tracks {
		if t.Item.Key() == key {
			out = append(out, t)
			delete(r.tracks, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r *InMemoryRepo) GetProgress(ctx context.Context, item data.ItemID) (*data.ProgressEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.progress[item.Key()]
	if !ok {
		return nil, data.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *InMemoryRepo) UpsertProgress(ctx context.Context, e *data.ProgressEntry, mode WriteMode) (*data.ProgressEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.Item.Key()
	if cur, ok := r.progress[key]; ok && !accepts(mode, cur, e) {
		return cur.Clone(), false, nil
	}
	r.progress[key] = e.Clone()
	return e.Clone(), true, nil
}

func (r *InMemoryRepo) ListProgress(ctx context.Context, statuses ...data.SyncStatus) ([]*data.ProgressEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*data.ProgressEntry, 0, len(r.progress))
	for _, e := range r.progress {
		if matchStatus(e.Status, statuses) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdate.Before(out[j].LastUpdate) })
	return out, nil
}

func matchStatus(s data.SyncStatus, want []data.SyncStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}
