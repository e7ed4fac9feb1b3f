package aria2dl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/aria2"
	"github.com/tinoosan/shelfsync/internal/downloader"
)

// Run subscribes to aria2 notifications and polls watched tasks until ctx is
// cancelled. A dropped notification socket is redialled; polling alone still
// delivers terminal events in the meantime.
func (a *Adapter) Run(ctx context.Context) {
	// Tag this run with a stable operation_id for correlation.
	lg := a.log.With("operation_id", uuid.NewString())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pollLoop(ctx, lg)
	}()
	defer func() { <-done }()

	backoff := time.Second
	for {
		ch, err := a.cl.Notifications(ctx)
		if err != nil {
			lg.Warn("aria2 notifications unavailable", "err", err, "retry_in", backoff)
		} else {
			backoff = time.Second
			a.consume(ctx, ch)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *Adapter) consume(ctx context.Context, ch <-chan aria2.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			a.handleNotification(ctx, n)
		}
	}
}

func (a *Adapter) handleNotification(ctx context.Context, n aria2.Notification) {
	for _, p := range n.Params {
		if !a.watching(p.GID) {
			continue
		}
		switch n.Method {
		case aria2.OnDownloadComplete:
			a.finish(p.GID, downloader.EventComplete, "")
		case aria2.OnDownloadError:
			reason := ""
			if st, err := a.tellStatus(ctx, p.GID); err == nil {
				reason = st.ErrorMessage
			}
			a.finish(p.GID, downloader.EventFailed, reason)
		case aria2.OnDownloadStop:
			a.finish(p.GID, downloader.EventCancelled, "")
		case aria2.OnDownloadStart, aria2.OnDownloadPause:
			if st, err := a.tellStatus(ctx, p.GID); err == nil {
				a.emitProgress(p.GID, st.progress())
			}
		}
	}
}

// statusResp is a partial view of aria2.tellStatus response. Numeric values are decimal strings.
type statusResp struct {
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
}

func (s *statusResp) progress() downloader.Progress {
	return downloader.Progress{
		Completed: parseDecimal(s.CompletedLength),
		Total:     parseDecimal(s.TotalLength),
		Speed:     parseDecimal(s.DownloadSpeed),
	}
}

// tellStatus queries aria2 for the current status of the given GID.
func (a *Adapter) tellStatus(ctx context.Context, gid string) (*statusResp, error) {
	params := a.tokenParam()
	params = append(params, gid, []string{"status", "totalLength", "completedLength", "downloadSpeed", "errorMessage"})
	res, err := a.call(ctx, "aria2.tellStatus", params)
	if err != nil {
		return nil, err
	}
	var sr statusResp
	if err := json.Unmarshal(res, &sr); err != nil {
		return nil, fmt.Errorf("parse tellStatus: %w", err)
	}
	return &sr, nil
}

func (a *Adapter) emitProgress(gid string, p downloader.Progress) {
	a.mu.Lock()
	if _, ok := a.active[gid]; !ok {
		a.mu.Unlock()
		return
	}
	last := a.lastProg[gid]
	if last.Completed == p.Completed && last.Total == p.Total && last.Speed == p.Speed {
		a.mu.Unlock()
		return
	}
	a.lastProg[gid] = p
	a.mu.Unlock()
	a.report(downloader.Event{Handle: gid, Type: downloader.EventProgress, Progress: &p})
}

// pollLoop periodically polls aria2 for status of all watched GIDs, emitting
// progress and any terminal state the notifications did not deliver.
func (a *Adapter) pollLoop(ctx context.Context, lg *slog.Logger) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx, lg)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context, lg *slog.Logger) {
	a.mu.Lock()
	gids := make([]string, 0, len(a.active))
	for gid := range a.active {
		gids = append(gids, gid)
	}
	a.mu.Unlock()
	for _, gid := range gids {
		st, err := a.tellStatus(ctx, gid)
		if err != nil {
			if isAria2GIDNotFoundError(err) {
				a.finish(gid, downloader.EventFailed, "task vanished from aria2")
				continue
			}
			if lg != nil {
				lg.Warn("aria2 tellStatus error", "gid", gid, "err", err)
			}
			continue
		}
		switch st.Status {
		case "complete":
			a.emitProgress(gid, st.progress())
			a.finish(gid, downloader.EventComplete, "")
		case "error":
			a.finish(gid, downloader.EventFailed, st.ErrorMessage)
		case "removed":
			a.finish(gid, downloader.EventCancelled, "")
		default:
			a.emitProgress(gid, st.progress())
		}
	}
}
