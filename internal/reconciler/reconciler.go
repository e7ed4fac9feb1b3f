package reconciler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

// DefaultWorkers is used when New is given a non-positive worker count.
const DefaultWorkers = 4

// Handler applies transfer outcomes to the download state.
type Handler interface {
	HandleProgress(ctx context.Context, handle string, fraction float64)
	HandleCompleted(ctx context.Context, handle string) error
	HandleFailed(ctx context.Context, handle, reason string) error
}

// Reconciler consumes transfer events and hands them to the orchestrator.
// Events are spread over workers by handle, so one handle's events stay in
// order while different handles run in parallel. Worker queues are
// unbounded: the producer never waits on a worker that is blocked on an
// item lock.
type Reconciler struct {
	h      Handler
	events <-chan downloader.Event
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	queues []*queue
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Reconciler reading events with the given number of workers.
func New(log *slog.Logger, h Handler, events <-chan downloader.Event, workers int) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	qs := make([]*queue, workers)
	for i := range qs {
		qs[i] = newQueue()
	}
	return &Reconciler{h: h, events: events, log: log, ctx: context.Background(), queues: qs}
}

// Run starts the dispatch loop and the workers.
func (r *Reconciler) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	r.log = r.log.With("operation_id", uuid.NewString())

	for _, q := range r.queues {
		r.wg.Add(1)
		go func(q *queue) {
			defer r.wg.Done()
			for {
				e, ok := q.pop(r.stop)
				if !ok {
					return
				}
				r.handle(e)
			}
		}(q)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				r.queueFor(e.Handle).push(e)
			}
		}
	}()
}

// Stop terminates the loops. Events still queued are dropped; startup
// reconciliation recovers the transfers they described.
func (r *Reconciler) Stop() {
	if r.stop != nil {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	}
}

func (r *Reconciler) queueFor(handle string) *queue {
	h := fnv.New32a()
	_, _ = h.Write([]byte(handle))
	return r.queues[h.Sum32()%uint32(len(r.queues))]
}

func (r *Reconciler) handle(e downloader.Event) {
	// Record event type for observability
	metrics.DownloadEvents.WithLabelValues(strings.ToLower(string(e.Type))).Inc()
	switch e.Type {
	case downloader.EventStart:
		r.log.Debug("transfer started", "handle", e.Handle)
	case downloader.EventProgress:
		if e.Progress == nil {
			return
		}
		r.h.HandleProgress(r.ctx, e.Handle, e.Progress.Fraction())
	case downloader.EventComplete:
		if err := r.h.HandleCompleted(r.ctx, e.Handle); err != nil {
			r.log.Error("handle completion", "handle", e.Handle, "err", err)
			return
		}
		r.log.Info("reconciled event", "handle", e.Handle, "type", e.Type)
	case downloader.EventFailed, downloader.EventCancelled:
		reason := e.Err
		if reason == "" {
			reason = strings.ToLower(string(e.Type))
		}
		if err := r.h.HandleFailed(r.ctx, e.Handle, reason); err != nil {
			r.log.Error("handle failure", "handle", e.Handle, "err", err)
			return
		}
		r.log.Info("reconciled event", "handle", e.Handle, "type", e.Type)
	default:
		r.log.Warn("unknown event type", "handle", e.Handle, "type", e.Type)
	}
}

// queue is an unbounded FIFO with a wake-up signal.
type queue struct {
	mu     sync.Mutex
	items  []downloader.Event
	signal chan struct{}
}

func newQueue() *queue { return &queue{signal: make(chan struct{}, 1)} }

func (q *queue) push(e downloader.Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or stop is closed.
func (q *queue) pop(stop <-chan struct{}) (downloader.Event, bool) {
	for {
		select {
		case <-stop:
			return downloader.Event{}, false
		default:
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = downloader.Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()
		select {
		case <-stop:
			return downloader.Event{}, false
		case <-q.signal:
		}
	}
}
