package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

const (
	DefaultInterval     = 30
	DefaultSyncInterval = 5 * time.Minute
)

// ErrSessionNotFound is returned for unknown or ended session ids.
var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	// Interval is the playback period, in seconds, between tick reports.
	Interval int
	// SyncInterval is the period of Run's flush and pull.
	SyncInterval time.Duration
	Now          func() time.Time
}

// Reporter owns listening sessions and every goroutine they spawn.
type Reporter struct {
	cache *Cache
	svc   mediasvc.Service
	log   *slog.Logger

	interval     int
	syncInterval time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewReporter(log *slog.Logger, cache *Cache, svc mediasvc.Service, opts Options) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		cache:        cache,
		svc:          svc,
		log:          log,
		interval:     opts.Interval,
		syncInterval: opts.SyncInterval,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Session),
	}
}

// Start opens a listening session for item at the given position.
func (r *Reporter) Start(item data.ItemID, currentTime, duration float64) (*Session, error) {
	now := r.now()
	s := &Session{
		ID:             uuid.NewString(),
		Item:           item,
		r:              r,
		currentTime:    currentTime,
		duration:       duration,
		startedAt:      now,
		lastReportTime: now,
		lastTriggered:  -1,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("reporter closed")
	}
	r.sessions[s.ID] = s
	r.log.Info("session started", "session", s.ID, "item", item.String())
	return s, nil
}

// Session looks up a live session.
func (r *Reporter) Session(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sessions returns the live sessions ordered by id.
func (r *Reporter) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// spawn runs fn on an owned goroutine. It is a no-op once the reporter is
// closing.
func (r *Reporter) spawn(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
	return true
}

func (r *Reporter) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// report sends the session's position. On failure the local values are
// cached as desynchronized and lastReportTime stays put, so the next
// successful report carries the time listened across the failure.
func (r *Reporter) report(ctx context.Context, s *Session) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	s.mu.Lock()
	cur, dur, started, last := s.currentTime, s.duration, s.startedAt, s.lastReportTime
	s.mu.Unlock()

	now := r.now()
	listened := clampListened(now.Sub(last).Seconds())
	log := r.log.With("session", s.ID, "item", s.Item.String())

	snap, err := r.svc.ReportProgress(ctx, mediasvc.ProgressReport{
		Item:         s.Item,
		CurrentTime:  cur,
		Duration:     dur,
		TimeListened: listened,
	})
	if err != nil {
		metrics.ProgressReports.WithLabelValues("failed").Inc()
		log.Warn("caching progress locally", "err", fmt.Errorf("%w: %w", data.ErrReportFailed, err))
		startedAt := started.UTC()
		if _, cerr := r.cache.Upsert(ctx, data.ProgressUpdate{
			Item:        s.Item,
			Progress:    fraction(cur, dur),
			Duration:    dur,
			CurrentTime: cur,
			StartedAt:   &startedAt,
			LastUpdate:  now.UTC(),
			Status:      data.SyncDesynchronized,
		}); cerr != nil {
			log.Error("cache progress", "err", cerr)
		}
		return
	}
	metrics.ProgressReports.WithLabelValues("ok").Inc()

	u := data.ProgressUpdate{
		Item:        s.Item,
		Progress:    snap.Progress,
		Duration:    snap.Duration,
		CurrentTime: snap.CurrentTime,
		StartedAt:   snap.StartedAt,
		LastUpdate:  snap.LastUpdate,
		FinishedAt:  snap.FinishedAt,
		Status:      data.SyncSynchronized,
		Force:       true,
	}
	if u.LastUpdate.IsZero() {
		u.LastUpdate = now.UTC()
	}
	if _, err := r.cache.Upsert(ctx, u); err != nil {
		log.Error("cache reported progress", "err", err)
	}

	s.mu.Lock()
	s.lastReportTime = now
	s.mu.Unlock()
	log.Debug("progress reported", "current_time", cur, "listened", listened)
}

// Close ends every session with a final report and waits for in-flight
// reports. Reports still running when ctx expires are cancelled.
func (r *Reporter) Close(ctx context.Context) {
	for _, s := range r.Sessions() {
		s.End(ctx)
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
	}
	r.cancel()
}

func clampListened(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func fraction(current, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	return data.ClampFraction(current / duration)
}
