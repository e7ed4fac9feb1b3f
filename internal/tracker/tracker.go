// Package tracker turns per-task byte progress into one completion fraction
// per item.
//
// Each task contributes fraction/trackCount to its item. Updates apply the
// difference from the task's previous fraction, so the accumulator reaches
// exactly 1 once every task has reported 1, whatever the arrival order.
package tracker

import (
	"log/slog"
	"sync"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/events"
)

type Tracker struct {
	mu    sync.Mutex
	items map[string]*itemState
	pub   events.Publisher
	log   *slog.Logger
}

// itemState is only touched with its own mutex held. Different items never
// share a lock beyond the map lookup.
type itemState struct {
	mu        sync.Mutex
	item      data.ItemID
	total     int
	pending   int
	progress  float64
	baselines map[string]float64
	done      map[string]struct{}
	closed    bool
}

func New(log *slog.Logger, pub events.Publisher) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{items: make(map[string]*itemState), pub: pub, log: log}
}

// Begin starts accounting for an item with trackCount tracks, replacing any
// previous state for it.
func (t *Tracker) Begin(item data.ItemID, trackCount int) {
	t.Restore(item, trackCount, 0)
}

// Restore rebuilds the accumulator for an item whose transfers outlived the
// process: finished tracks count as complete.
func (t *Tracker) Restore(item data.ItemID, total, finished int) {
	if total <= 0 || finished >= total {
		return
	}
	if finished < 0 {
		finished = 0
	}
	st := &itemState{
		item:      item,
		total:     total,
		pending:   total - finished,
		progress:  float64(finished) / float64(total),
		baselines: make(map[string]float64),
		done:      make(map[string]struct{}),
	}
	t.mu.Lock()
	t.items[item.Key()] = st
	t.mu.Unlock()
}

func (t *Tracker) state(item data.ItemID) *itemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items[item.Key()]
}

// release drops st from the map unless Begin already replaced it.
func (t *Tracker) release(st *itemState) {
	t.mu.Lock()
	if cur, ok := t.items[st.item.Key()]; ok && cur == st {
		delete(t.items, st.item.Key())
	}
	t.mu.Unlock()
}

// Update records fraction for task. Unknown items are ignored.
func (t *Tracker) Update(task string, item data.ItemID, fraction float64) {
	st := t.state(item)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if _, ok := st.done[task]; ok {
		return
	}
	fraction = data.ClampFraction(fraction)
	st.progress += (fraction - st.baselines[task]) / float64(st.total)
	st.baselines[task] = fraction
	t.publish(events.Event{Kind: events.DownloadProgress, Item: st.item, Fraction: st.progress})
}

// Complete marks task as finished. It reports true when this was the last
// pending task, in which case the completion event has been published.
func (t *Tracker) Complete(task string, item data.ItemID) bool {
	st := t.state(item)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	if _, ok := st.done[task]; ok {
		return false
	}
	// Credit whatever the last progress report did not cover.
	st.progress += (1 - st.baselines[task]) / float64(st.total)
	delete(st.baselines, task)
	st.done[task] = struct{}{}
	st.pending--
	if st.pending > 0 {
		t.publish(events.Event{Kind: events.DownloadProgress, Item: st.item, Fraction: st.progress})
		return false
	}
	st.closed = true
	t.release(st)
	t.log.Debug("item transfers complete", "item", st.item.String())
	t.publish(events.Event{Kind: events.DownloadCompleted, Item: st.item, Fraction: 1})
	return true
}

// Abort drops all bookkeeping for item and publishes a failure once.
func (t *Tracker) Abort(task string, item data.ItemID) bool {
	st := t.state(item)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.closed = true
	t.release(st)
	t.log.Debug("item transfers aborted", "item", st.item.String(), "task", task)
	t.publish(events.Event{Kind: events.DownloadFailed, Item: st.item})
	return true
}

// Forget drops an item without publishing anything.
func (t *Tracker) Forget(item data.ItemID) {
	st := t.state(item)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	t.release(st)
}

// Progress returns the item's accumulated fraction if it is being tracked.
func (t *Tracker) Progress(item data.ItemID) (float64, bool) {
	st := t.state(item)
	if st == nil {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, false
	}
	return st.progress, true
}

func (t *Tracker) publish(e events.Event) {
	if t.pub != nil {
		t.pub.Publish(e)
	}
}
