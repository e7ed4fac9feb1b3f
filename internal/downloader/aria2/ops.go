package aria2dl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinoosan/shelfsync/internal/downloader"
)

// Start: aria2.addUri([token?, [uris], options])
func (a *Adapter) Start(ctx context.Context, opts downloader.StartOptions) (string, error) {
	if opts.URL == "" {
		return "", errors.New("aria2: empty url")
	}
	params := a.tokenParam()
	params = append(params, []string{opts.URL})
	o := map[string]interface{}{}
	if opts.Dir != "" {
		o["dir"] = opts.Dir
	}
	if opts.Out != "" {
		o["out"] = opts.Out
	}
	if opts.Handle != "" {
		o["gid"] = opts.Handle
	}
	if len(opts.Headers) > 0 {
		hs := make([]string, 0, len(opts.Headers))
		for k, v := range opts.Headers {
			hs = append(hs, k+": "+v)
		}
		o["header"] = hs
	}
	params = append(params, o)

	// A caller-chosen GID accepts notifications before aria2 knows it, so a
	// completion racing the addUri response is not lost. Polling waits until
	// addUri returns, since tellStatus cannot find the GID before then.
	if opts.Handle != "" {
		a.watchStarting(opts.Handle)
	}
	res, err := a.call(ctx, "aria2.addUri", params)
	if err != nil {
		if opts.Handle != "" {
			a.unwatch(opts.Handle)
		}
		return "", err
	}
	var gid string
	if err := json.Unmarshal(res, &gid); err != nil {
		if opts.Handle != "" {
			a.unwatch(opts.Handle)
		}
		return "", fmt.Errorf("parse addUri result: %w", err)
	}
	if opts.Handle == "" {
		a.watch(gid)
	} else if !a.started(opts.Handle, gid) {
		// Already finished while addUri was in flight.
		return gid, nil
	}
	a.report(downloader.Event{Handle: gid, Type: downloader.EventStart})
	return gid, nil
}

// Cancel: aria2.remove([token?, gid]), then drops the download result and
// any partial files aria2 wrote for it.
func (a *Adapter) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return downloader.ErrNotFound
	}
	paths := a.getFilePaths(ctx, handle)
	_, err := a.call(ctx, "aria2.remove", append(a.tokenParam(), handle))
	if err != nil {
		if isAria2GIDNotFoundError(err) {
			a.unwatch(handle)
			return downloader.ErrNotFound
		}
		return err
	}
	// Best effort: keep the aria2 session small.
	_, _ = a.call(ctx, "aria2.removeDownloadResult", append(a.tokenParam(), handle))
	a.purge(paths)
	a.finish(handle, downloader.EventCancelled, "")
	return nil
}

// Exists reports whether aria2 still knows a usable task for handle. Tasks
// that are queued, running, paused or already complete count as existing and
// are watched from now on, so their terminal event is delivered even when the
// notification was missed. Failed or removed tasks do not exist.
func (a *Adapter) Exists(ctx context.Context, handle string) (bool, error) {
	st, err := a.tellStatus(ctx, handle)
	if err != nil {
		if isAria2GIDNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	switch st.Status {
	case "active", "waiting", "paused", "complete":
		a.watch(handle)
		return true, nil
	default:
		return false, nil
	}
}
