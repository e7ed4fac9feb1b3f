package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
)

// Session is one continuous listening period for an item.
type Session struct {
	ID   string
	Item data.ItemID
	r    *Reporter

	// reportMu serializes reports; mu guards the fields below.
	reportMu sync.Mutex
	mu       sync.Mutex

	currentTime    float64
	duration       float64
	startedAt      time.Time
	lastReportTime time.Time
	lastTriggered  int64
	inFlight       bool
	ended          bool
}

// Tick records the playback position. When the position crosses a report
// boundary for the first time a report is sent in the background; a tick
// that lands while a report is in flight is skipped.
func (s *Session) Tick(currentTime, duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.currentTime, s.duration = currentTime, duration
	if math.IsNaN(currentTime) || math.IsInf(currentTime, 0) || currentTime < 0 {
		return
	}
	sec := int64(math.Floor(currentTime))
	if sec%int64(s.r.interval) != 0 || sec == s.lastTriggered || s.inFlight {
		return
	}
	s.inFlight = true
	s.lastTriggered = sec
	if !s.r.spawn(func(ctx context.Context) {
		s.r.report(ctx, s)
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}) {
		s.inFlight = false
	}
}

// Pause records the position and reports it right away in the background.
func (s *Session) Pause(currentTime, duration float64) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.currentTime, s.duration = currentTime, duration
	s.mu.Unlock()
	s.r.spawn(func(ctx context.Context) { s.r.report(ctx, s) })
}

// End sends a final report, closes the session on the server and returns
// the cached entry. Ending twice is a no-op returning the cached entry.
func (s *Session) End(ctx context.Context) (*data.ProgressEntry, error) {
	s.mu.Lock()
	already := s.ended
	s.ended = true
	s.mu.Unlock()
	if !already {
		s.r.remove(s)
		s.r.report(ctx, s)

		s.mu.Lock()
		rep := mediasvc.ProgressReport{Item: s.Item, CurrentTime: s.currentTime, Duration: s.duration}
		s.mu.Unlock()
		if err := s.r.svc.ReportSessionClose(ctx, rep); err != nil {
			s.r.log.Warn("session close not delivered", "session", s.ID, "err", err)
		}
		s.r.log.Info("session ended", "session", s.ID, "item", s.Item.String())
	}
	return s.r.cache.Get(ctx, s.Item)
}

// LastReportTime is when the server last acknowledged a report.
func (s *Session) LastReportTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReportTime
}

// Position returns the last recorded playback position and duration.
func (s *Session) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime, s.duration
}
