// Package aria2dl implements downloader.Transfer on top of an aria2 daemon.
//
// Task handles are aria2 GIDs. Callers may choose the GID up front
// (StartOptions.Handle) so the handle is known before aria2 can report on it.
package aria2dl

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinoosan/shelfsync/internal/aria2"
	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

type fsOps interface {
	Remove(string) error
}

type osFS struct{}

func (osFS) Remove(p string) error { return os.Remove(p) }

// Adapter implements downloader.Transfer using an aria2 JSON-RPC client.
type Adapter struct {
	cl  *aria2.Client
	rep downloader.Reporter

	mu     sync.Mutex
	active map[string]struct{}
	// starting holds caller-chosen GIDs whose addUri has not returned yet.
	// They accept notifications but are not polled.
	starting map[string]struct{}
	lastProg map[string]downloader.Progress
	poll     time.Duration
	log      *slog.Logger
	fs       fsOps
}

// NewAdapter creates a new Adapter using the provided aria2 client and reporter.
func NewAdapter(cl *aria2.Client, rep downloader.Reporter) *Adapter {
	return &Adapter{
		cl:       cl,
		rep:      rep,
		active:   make(map[string]struct{}),
		starting: make(map[string]struct{}),
		lastProg: make(map[string]downloader.Progress),
		poll:     time.Second,
		log:      slog.Default(),
		fs:       osFS{},
	}
}

var _ downloader.Transfer = (*Adapter)(nil)
var _ downloader.EventSource = (*Adapter)(nil)

// SetLogger allows wiring a shared application logger into the adapter.
func (a *Adapter) SetLogger(l *slog.Logger) {
	if l != nil {
		a.log = l
	}
}

// SetPollInterval sets how often active transfers are polled with tellStatus.
func (a *Adapter) SetPollInterval(d time.Duration) {
	if d > 0 {
		a.poll = d
	}
}

// Ping performs a lightweight RPC to check aria2 liveness/readiness.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.call(ctx, "aria2.getVersion", a.tokenParam())
	return err
}

// watch starts delivering events for gid.
func (a *Adapter) watch(gid string) {
	a.mu.Lock()
	a.active[gid] = struct{}{}
	a.setGaugeLocked()
	a.mu.Unlock()
}

// watchStarting accepts notifications for gid while its addUri is in flight.
func (a *Adapter) watchStarting(gid string) {
	a.mu.Lock()
	a.starting[gid] = struct{}{}
	a.setGaugeLocked()
	a.mu.Unlock()
}

// started moves gid from starting to active. It returns false when a
// terminal event already arrived for gid while addUri was in flight.
func (a *Adapter) started(handle, gid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, pending := a.starting[handle]
	delete(a.starting, handle)
	if pending {
		a.active[gid] = struct{}{}
	}
	a.setGaugeLocked()
	return pending
}

func (a *Adapter) unwatch(gid string) {
	a.mu.Lock()
	delete(a.active, gid)
	delete(a.starting, gid)
	delete(a.lastProg, gid)
	a.setGaugeLocked()
	a.mu.Unlock()
}

func (a *Adapter) setGaugeLocked() {
	metrics.ActiveTransfers.Set(float64(len(a.active) + len(a.starting)))
}

// finish stops watching gid and reports a terminal event. It returns false
// when gid was not being watched, so each terminal event fires once even if
// a notification and a poll observe it together.
func (a *Adapter) finish(gid string, typ downloader.EventType, reason string) bool {
	a.mu.Lock()
	_, ok := a.active[gid]
	if _, pending := a.starting[gid]; pending {
		ok = true
	}
	delete(a.active, gid)
	delete(a.starting, gid)
	delete(a.lastProg, gid)
	a.setGaugeLocked()
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.report(downloader.Event{Handle: gid, Type: typ, Err: reason})
	return true
}

func (a *Adapter) watching(gid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[gid]
	if !ok {
		_, ok = a.starting[gid]
	}
	return ok
}

func (a *Adapter) report(e downloader.Event) {
	if a.rep != nil {
		a.rep.Report(e)
	}
}
