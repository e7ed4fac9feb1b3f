// Package httpdl is an in-process downloader.Transfer that fetches each file
// over a single HTTP connection. Tasks live only as long as the process, so
// after a restart every stored handle is reported as missing.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

const (
	bufSize          = 64 << 10
	progressInterval = 500 * time.Millisecond
)

type task struct {
	cancel    context.CancelFunc
	cancelled bool
}

type Transfer struct {
	client *http.Client
	rep    downloader.Reporter
	log    *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New returns a Transfer using client (http.DefaultClient when nil).
func New(log *slog.Logger, client *http.Client, rep downloader.Reporter) *Transfer {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Transfer{client: client, rep: rep, log: log, ctx: ctx, stop: stop, tasks: make(map[string]*task)}
}

var _ downloader.Transfer = (*Transfer)(nil)

func (t *Transfer) Start(ctx context.Context, opts downloader.StartOptions) (string, error) {
	if opts.URL == "" || opts.Dir == "" || opts.Out == "" {
		return "", errors.New("httpdl: url, dir and out are required")
	}
	if err := t.ctx.Err(); err != nil {
		return "", fmt.Errorf("httpdl: closed: %w", err)
	}
	handle := opts.Handle
	if handle == "" {
		handle = downloader.NewHandle()
	}
	tctx, cancel := context.WithCancel(t.ctx)

	t.mu.Lock()
	if _, dup := t.tasks[handle]; dup {
		t.mu.Unlock()
		cancel()
		return "", fmt.Errorf("httpdl: handle %s already in use", handle)
	}
	t.tasks[handle] = &task{cancel: cancel}
	metrics.ActiveTransfers.Set(float64(len(t.tasks)))
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.report(downloader.Event{Handle: handle, Type: downloader.EventStart})
		t.run(tctx, handle, opts)
	}()
	return handle, nil
}

func (t *Transfer) Cancel(ctx context.Context, handle string) error {
	t.mu.Lock()
	tk, ok := t.tasks[handle]
	if ok {
		tk.cancelled = true
	}
	t.mu.Unlock()
	if !ok {
		return downloader.ErrNotFound
	}
	tk.cancel()
	return nil
}

func (t *Transfer) Exists(ctx context.Context, handle string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[handle]
	return ok, nil
}

// Close stops every task without reporting terminal events and waits for
// them to exit. Their partial files are left for startup reconciliation.
func (t *Transfer) Close() {
	t.stop()
	t.wg.Wait()
}

func (t *Transfer) run(ctx context.Context, handle string, opts downloader.StartOptions) {
	path := filepath.Join(opts.Dir, opts.Out)
	err := t.fetch(ctx, handle, opts, path)

	t.mu.Lock()
	tk := t.tasks[handle]
	delete(t.tasks, handle)
	metrics.ActiveTransfers.Set(float64(len(t.tasks)))
	t.mu.Unlock()

	switch {
	case err == nil:
		t.report(downloader.Event{Handle: handle, Type: downloader.EventComplete})
	case tk != nil && tk.cancelled:
		_ = os.Remove(path)
		t.report(downloader.Event{Handle: handle, Type: downloader.EventCancelled})
	case t.ctx.Err() != nil:
		t.log.Debug("transfer interrupted by shutdown", "handle", handle)
	default:
		_ = os.Remove(path)
		t.log.Warn("transfer failed", "handle", handle, "err", err)
		t.report(downloader.Event{Handle: handle, Type: downloader.EventFailed, Err: err.Error()})
	}
}

func (t *Transfer) fetch(ctx context.Context, handle string, opts downloader.StartOptions, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	total := resp.ContentLength
	var (
		written  int64
		lastSent time.Time
		buf      = make([]byte, bufSize)
	)
	for {
		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return fmt.Errorf("write error: %w", writeErr)
			}
			if nw != nr {
				return io.ErrShortWrite
			}
			if time.Since(lastSent) >= progressInterval {
				lastSent = time.Now()
				t.report(downloader.Event{Handle: handle, Type: downloader.EventProgress, Progress: &downloader.Progress{Completed: written, Total: total}})
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read error: %w", readErr)
		}
	}
	if total > 0 && written != total {
		return fmt.Errorf("short body: %d of %d bytes", written, total)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	t.report(downloader.Event{Handle: handle, Type: downloader.EventProgress, Progress: &downloader.Progress{Completed: written, Total: written}})
	return out.Close()
}

func (t *Transfer) report(e downloader.Event) {
	if t.rep != nil {
		t.rep.Report(e)
	}
}
