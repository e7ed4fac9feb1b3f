package tracker

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func newTracker() (*Tracker, *recorder) {
	rec := &recorder{}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), rec), rec
}

var itemA = data.ItemID{ConnectionID: "c", LibraryID: "l", PrimaryID: "A", Type: data.TypeAudiobook}

func TestTwoTrackScenario(t *testing.T) {
	tr, rec := newTracker()
	tr.Begin(itemA, 2)

	tr.Update("t1", itemA, 0.5)
	p, _ := tr.Progress(itemA)
	assert.InDelta(t, 0.25, p, 1e-9)

	tr.Update("t2", itemA, 1.0)
	p, _ = tr.Progress(itemA)
	assert.InDelta(t, 0.75, p, 1e-9)

	tr.Update("t1", itemA, 1.0)
	p, _ = tr.Progress(itemA)
	assert.InDelta(t, 1.0, p, 1e-9)

	assert.False(t, tr.Complete("t1", itemA))
	assert.Equal(t, 0, rec.count(events.DownloadCompleted))
	assert.True(t, tr.Complete("t2", itemA))
	assert.Equal(t, 1, rec.count(events.DownloadCompleted))

	// Late duplicates after the terminal event are ignored.
	assert.False(t, tr.Complete("t2", itemA))
	tr.Update("t1", itemA, 0.3)
	assert.Equal(t, 1, rec.count(events.DownloadCompleted))
	_, tracked := tr.Progress(itemA)
	assert.False(t, tracked)
}

func TestConvergesUnderAnyInterleaving(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			n := 1 + rng.Intn(6)
			tr, _ := newTracker()
			tr.Begin(itemA, n)

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				steps := make([]float64, 1+rng.Intn(5))
				for j := range steps {
					steps[j] = rng.Float64()
				}
				wg.Add(1)
				go func(task string, steps []float64) {
					defer wg.Done()
					for _, f := range steps {
						tr.Update(task, itemA, f)
					}
					tr.Update(task, itemA, 1.0)
				}(fmt.Sprintf("t%d", i), steps)
			}
			wg.Wait()
			p, ok := tr.Progress(itemA)
			require.True(t, ok)
			assert.InDelta(t, 1.0, p, 1e-9)
		})
	}
}

func TestConcurrentCompletionFiresOnce(t *testing.T) {
	tr, rec := newTracker()
	const n = 16
	tr.Begin(itemA, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			tr.Update(task, itemA, 1)
			tr.Complete(task, itemA)
			tr.Complete(task, itemA)
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count(events.DownloadCompleted))
}

func TestUnknownItemIsNoop(t *testing.T) {
	tr, rec := newTracker()
	tr.Update("t", itemA, 0.5)
	assert.False(t, tr.Complete("t", itemA))
	assert.False(t, tr.Abort("t", itemA))
	assert.Empty(t, rec.events)
}

func TestClampsFraction(t *testing.T) {
	tr, _ := newTracker()
	tr.Begin(itemA, 1)
	tr.Update("t", itemA, 7)
	p, _ := tr.Progress(itemA)
	assert.InDelta(t, 1.0, p, 1e-9)
	tr.Update("t", itemA, -3)
	p, _ = tr.Progress(itemA)
	assert.InDelta(t, 0.0, p, 1e-9)
}

func TestAbortFiresOnce(t *testing.T) {
	tr, rec := newTracker()
	tr.Begin(itemA, 3)
	tr.Update("t1", itemA, 0.4)
	assert.True(t, tr.Abort("t1", itemA))
	assert.False(t, tr.Abort("t2", itemA))
	assert.False(t, tr.Complete("t3", itemA))
	assert.Equal(t, 1, rec.count(events.DownloadFailed))
	assert.Equal(t, 0, rec.count(events.DownloadCompleted))
}

func TestCompleteCreditsMissingProgress(t *testing.T) {
	tr, _ := newTracker()
	tr.Begin(itemA, 2)
	tr.Update("t1", itemA, 0.2)
	tr.Complete("t1", itemA)
	p, _ := tr.Progress(itemA)
	assert.InDelta(t, 0.5, p, 1e-9)
}

func TestRestore(t *testing.T) {
	tr, rec := newTracker()
	tr.Restore(itemA, 4, 3)
	p, ok := tr.Progress(itemA)
	require.True(t, ok)
	assert.InDelta(t, 0.75, p, 1e-9)
	assert.True(t, tr.Complete("last", itemA))
	assert.Equal(t, 1, rec.count(events.DownloadCompleted))

	// Fully finished items are not tracked.
	tr.Restore(itemA, 2, 2)
	_, ok = tr.Progress(itemA)
	assert.False(t, ok)
}

func TestItemsAreIndependent(t *testing.T) {
	tr, _ := newTracker()
	itemB := itemA
	itemB.PrimaryID = "B"
	tr.Begin(itemA, 1)
	tr.Begin(itemB, 2)
	tr.Update("a", itemA, 0.5)
	tr.Update("b", itemB, 1)
	pa, _ := tr.Progress(itemA)
	pb, _ := tr.Progress(itemB)
	assert.InDelta(t, 0.5, pa, 1e-9)
	assert.InDelta(t, 0.5, pb, 1e-9)
	tr.Forget(itemA)
	_, ok := tr.Progress(itemA)
	assert.False(t, ok)
}
