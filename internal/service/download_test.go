package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/downloadcfg"
	"github.com/tinoosan/shelfsync/internal/downloader"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/fp"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
	"github.com/tinoosan/shelfsync/internal/repo"
	"github.com/tinoosan/shelfsync/internal/tracker"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubMedia struct {
	mediasvc.Service

	tracks     []data.TrackDescriptor
	resolveErr error
	coverErr   error
	gate       chan struct{}
}

func (m *stubMedia) ResolveTracks(ctx context.Context, item data.ItemID) ([]data.TrackDescriptor, error) {
	if m.gate != nil {
		<-m.gate
	}
	return m.tracks, m.resolveErr
}

func (m *stubMedia) FetchCover(ctx context.Context, item data.ItemID) ([]byte, error) {
	return pngMagic, m.coverErr
}

func (m *stubMedia) FetchChapters(ctx context.Context, item data.ItemID) (data.Chapters, error) {
	return data.Chapters{{ID: 0, Start: 0, End: 10, Title: "One"}}, nil
}

type stubTransfer struct {
	mu        sync.Mutex
	started   []downloader.StartOptions
	cancelled []string
	live      map[string]bool
	failOn    int
	existsErr error
}

func newStubTransfer() *stubTransfer { return &stubTransfer{live: map[string]bool{}} }

func (s *stubTransfer) Start(ctx context.Context, o downloader.StartOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, o)
	if s.failOn == len(s.started) {
		return "", errors.New("boom")
	}
	s.live[o.Handle] = true
	return o.Handle, nil
}

func (s *stubTransfer) Cancel(ctx context.Context, h string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[h] {
		return downloader.ErrNotFound
	}
	delete(s.live, h)
	s.cancelled = append(s.cancelled, h)
	return nil
}

func (s *stubTransfer) Exists(ctx context.Context, h string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[h], s.existsErr
}

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

type harness struct {
	svc      *download
	store    *repo.InMemoryRepo
	media    *stubMedia
	transfer *stubTransfer
	pub      *recorder
	dir      string
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repo.NewInMemoryRepo(),
		transfer: newStubTransfer(),
		pub:      &recorder{},
		dir:      t.TempDir(),
		media: &stubMedia{tracks: []data.TrackDescriptor{
			{Index: 1, Kind: data.TrackAudio, URL: "http://media/1", Duration: 60, Ext: ".MP3"},
			{Index: 2, Kind: data.TrackAudio, URL: "http://media/2", Offset: 60, Duration: 30, Ext: "mp3"},
		}},
	}
	h.svc = h.restart()
	return h
}

// restart builds a fresh orchestrator over the same store and transfers,
// as after a process restart.
func (h *harness) restart() *download {
	trk := tracker.New(quiet(), h.pub)
	return newDownload(h.store, h.media, h.transfer, trk, Options{
		DataDir:   h.dir,
		Policy:    downloadcfg.CollisionOverwrite,
		Publisher: h.pub,
		Log:       quiet(),
	})
}

func (h *harness) rows(t *testing.T, item data.ItemID) data.Tracks {
	t.Helper()
	rows, err := h.store.FindByItem(context.Background(), item)
	if err != nil {
		t.Fatalf("FindByItem: %v", err)
	}
	return rows
}

// finishTransfer writes the temp file the transfer would have produced.
func (h *harness) finishTransfer(t *testing.T, tr *data.Track, body string) {
	t.Helper()
	if err := os.WriteFile(h.svc.tmpPath(tr.ID), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

var bookA = data.ItemID{ConnectionID: "c", LibraryID: "lib", PrimaryID: "A", Type: data.TypeAudiobook}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestDownloadStartsOneTransferPerTrack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	st, err := h.svc.Download(ctx, bookA)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if st.Status != data.DownloadWorking || st.Total != 2 || st.Finished != 0 {
		t.Fatalf("unexpected state: %+v", st)
	}

	rows := h.rows(t, bookA)
	if len(h.transfer.started) != 2 {
		t.Fatalf("started %d transfers, want 2", len(h.transfer.started))
	}
	for i, o := range h.transfer.started {
		if rows[i].TaskID == nil || o.Handle != *rows[i].TaskID {
			t.Fatalf("track %d handle mismatch: row %v, start %q", i, rows[i].TaskID, o.Handle)
		}
		if o.Dir != filepath.Join(h.dir, "tmp") || o.Out != rows[i].ID+".part" {
			t.Fatalf("unexpected temp target %s/%s", o.Dir, o.Out)
		}
	}
	if rows[0].Ext != "mp3" {
		t.Fatalf("extension not normalized: %q", rows[0].Ext)
	}

	itemDir := h.svc.itemPath(bookA)
	if !exists(filepath.Join(itemDir, "chapters.json")) {
		t.Fatalf("chapters.json not written before transfers")
	}
	if !exists(filepath.Join(itemDir, "cover.png")) {
		t.Fatalf("cover not written with sniffed extension")
	}
}

func TestDownloadTwiceIsAlreadyDownloaded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Download(ctx, bookA); !errors.Is(err, data.ErrAlreadyDownloaded) {
		t.Fatalf("second Download err = %v, want ErrAlreadyDownloaded", err)
	}
	if len(h.transfer.started) != 2 {
		t.Fatalf("second call must not start transfers")
	}
}

func TestDownloadWhileResolvingIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.media.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Download(ctx, bookA)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.svc.isResolving(bookA.Key()) {
		if time.Now().After(deadline) {
			t.Fatal("download never started resolving")
		}
		time.Sleep(time.Millisecond)
	}
	if st, _ := h.svc.Status(ctx, bookA); st.Status != data.DownloadResolving {
		t.Fatalf("status while resolving = %s", st.Status)
	}
	if _, err := h.svc.Download(ctx, bookA); !errors.Is(err, data.ErrAlreadyDownloaded) {
		t.Fatalf("concurrent Download err = %v", err)
	}
	close(h.media.gate)
	if err := <-done; err != nil {
		t.Fatalf("first Download: %v", err)
	}
}

func TestDownloadResolutionFailureCreatesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.media.resolveErr = errors.New("offline")

	if _, err := h.svc.Download(ctx, bookA); !errors.Is(err, data.ErrResolutionFailed) {
		t.Fatalf("err = %v, want ErrResolutionFailed", err)
	}
	if n := len(h.rows(t, bookA)); n != 0 {
		t.Fatalf("%d rows created", n)
	}

	h.media.resolveErr = nil
	h.media.tracks = nil
	if _, err := h.svc.Download(ctx, bookA); !errors.Is(err, data.ErrResolutionFailed) {
		t.Fatalf("empty track list err = %v", err)
	}
}

func TestDownloadRejectsCollections(t *testing.T) {
	h := newHarness(t)
	series := data.ItemID{ConnectionID: "c", LibraryID: "lib", PrimaryID: "S", Type: data.TypeSeries}
	if _, err := h.svc.Download(context.Background(), series); !errors.Is(err, data.ErrNotDownloadable) {
		t.Fatalf("err = %v", err)
	}
}

func TestCoverFailureDoesNotFailDownload(t *testing.T) {
	h := newHarness(t)
	h.media.coverErr = errors.New("no art")
	if _, err := h.svc.Download(context.Background(), bookA); err != nil {
		t.Fatalf("Download: %v", err)
	}
}

func TestStartFailureRollsBackWholeItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transfer.failOn = 2

	_, err := h.svc.Download(ctx, bookA)
	if !errors.Is(err, data.ErrTrackTransferFailed) {
		t.Fatalf("err = %v, want ErrTrackTransferFailed", err)
	}
	if n := len(h.rows(t, bookA)); n != 0 {
		t.Fatalf("%d rows survived rollback", n)
	}
	if exists(h.svc.itemPath(bookA)) {
		t.Fatalf("item directory survived rollback")
	}
	if len(h.transfer.cancelled) != 1 || h.transfer.cancelled[0] != h.transfer.started[0].Handle {
		t.Fatalf("first transfer not cancelled: %v", h.transfer.cancelled)
	}
	if h.pub.count(events.DownloadFailed) != 1 {
		t.Fatalf("expected one failure event")
	}
	if st, _ := h.svc.Status(ctx, bookA); st.Status != data.DownloadNone {
		t.Fatalf("status after rollback = %s", st.Status)
	}
}

func TestCompletionMovesFilesAndFinishesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)

	h.finishTransfer(t, rows[0], "one")
	h.svc.HandleProgress(ctx, *rows[1].TaskID, 0.5)
	if err := h.svc.HandleCompleted(ctx, *rows[0].TaskID); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	st, _ := h.svc.Status(ctx, bookA)
	if st.Status != data.DownloadWorking || st.Finished != 1 || st.Fraction != 0.75 {
		t.Fatalf("mid-download state: %+v", st)
	}

	h.finishTransfer(t, rows[1], "two")
	if err := h.svc.HandleCompleted(ctx, *rows[1].TaskID); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	// Duplicate completion for a cleared handle is ignored.
	if err := h.svc.HandleCompleted(ctx, *rows[1].TaskID); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}

	st, _ = h.svc.Status(ctx, bookA)
	if st.Status != data.DownloadDownloaded || st.Fraction != 1 {
		t.Fatalf("final state: %+v", st)
	}
	if got := h.pub.count(events.DownloadCompleted); got != 1 {
		t.Fatalf("completion events = %d, want 1", got)
	}
	b, err := os.ReadFile(filepath.Join(h.dir, "items", fp.TrackFile(bookA, 2, "mp3")))
	if err != nil || string(b) != "two" {
		t.Fatalf("final file: %q, %v", b, err)
	}
	if exists(h.svc.tmpPath(rows[0].ID)) {
		t.Fatalf("temp file left behind")
	}
}

func TestMoveFailureRunsFailurePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.fs.move = func(src, dst string) error { return errors.New("disk full") }
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	h.finishTransfer(t, rows[0], "one")

	err := h.svc.HandleCompleted(ctx, *rows[0].TaskID)
	if !errors.Is(err, data.ErrFileSystem) {
		t.Fatalf("err = %v, want ErrFileSystem", err)
	}
	if n := len(h.rows(t, bookA)); n != 0 {
		t.Fatalf("%d rows survived move failure", n)
	}
	if exists(h.svc.tmpPath(rows[0].ID)) {
		t.Fatalf("temp file not cleaned up")
	}
	if len(h.transfer.cancelled) != 2 {
		t.Fatalf("live transfers not cancelled: %v", h.transfer.cancelled)
	}
}

func TestRedeliveredCompletionAfterMoveClearsHandle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.policy = downloadcfg.CollisionError
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)

	// The file landed but the handle was never cleared, as when the store
	// write fails after the move.
	if err := os.MkdirAll(h.svc.itemPath(bookA), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.svc.trackPath(rows[0]), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.svc = h.restart()
	if err := h.svc.HandleCompleted(ctx, *rows[0].TaskID); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	got := h.rows(t, bookA)
	if len(got) != 2 {
		t.Fatalf("item rolled back: %d rows", len(got))
	}
	st, _ := h.svc.Status(ctx, bookA)
	if st.Finished != 1 || st.Status != data.DownloadWorking {
		t.Fatalf("state after redelivery: %+v", st)
	}
	b, err := os.ReadFile(h.svc.trackPath(rows[0]))
	if err != nil || string(b) != "one" {
		t.Fatalf("landed file: %q, %v", b, err)
	}
	if len(h.transfer.cancelled) != 0 {
		t.Fatalf("transfers cancelled: %v", h.transfer.cancelled)
	}
}

func TestCollisionErrorPolicyFailsItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.policy = downloadcfg.CollisionError
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	if err := os.WriteFile(h.svc.trackPath(rows[0]), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.finishTransfer(t, rows[0], "one")
	if err := h.svc.HandleCompleted(ctx, *rows[0].TaskID); !errors.Is(err, data.ErrFileSystem) {
		t.Fatalf("err = %v, want ErrFileSystem", err)
	}
}

func TestHandleFailedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	for i := 0; i < 2; i++ {
		if err := h.svc.HandleFailed(ctx, *rows[0].TaskID, "network"); err != nil {
			t.Fatalf("HandleFailed #%d: %v", i, err)
		}
	}
	// The sibling's cancellation arrives later and finds nothing.
	if err := h.svc.HandleFailed(ctx, *rows[1].TaskID, "cancelled"); err != nil {
		t.Fatalf("sibling cancellation: %v", err)
	}
	if n := len(h.rows(t, bookA)); n != 0 {
		t.Fatalf("%d rows left", n)
	}
	if got := h.pub.count(events.DownloadFailed); got != 1 {
		t.Fatalf("failure events = %d, want 1", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	h.finishTransfer(t, rows[0], "one")
	if err := h.svc.HandleCompleted(ctx, *rows[0].TaskID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := h.svc.Delete(ctx, bookA); err != nil {
			t.Fatalf("Delete #%d: %v", i, err)
		}
		if n := len(h.rows(t, bookA)); n != 0 {
			t.Fatalf("Delete #%d left %d rows", i, n)
		}
		if exists(h.svc.itemPath(bookA)) {
			t.Fatalf("Delete #%d left the item directory", i)
		}
	}
	if len(h.transfer.cancelled) != 1 || h.transfer.cancelled[0] != *rows[1].TaskID {
		t.Fatalf("live transfer not cancelled: %v", h.transfer.cancelled)
	}
}

func TestReconcileIsNoopWhenHealthy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	h.finishTransfer(t, rows[0], "one")
	if err := h.svc.HandleCompleted(ctx, *rows[0].TaskID); err != nil {
		t.Fatal(err)
	}

	svc := h.restart()
	rep, err := svc.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if len(rep.RolledBack) != 0 || len(rep.Orphaned) != 0 {
		t.Fatalf("healthy reconcile deleted something: %+v", rep)
	}
	if rep.Checked != 1 || rep.Restored != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n := len(h.rows(t, bookA)); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	if f, ok := svc.tracker.Progress(bookA); !ok || f != 0.5 {
		t.Fatalf("restored progress = %v, %v", f, ok)
	}
}

func TestReconcileRollsBackOrphanedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bookB := bookA
	bookB.PrimaryID = "B"
	for _, it := range []data.ItemID{bookA, bookB} {
		if _, err := h.svc.Download(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	rowsA := h.rows(t, bookA)
	// The transfer subsystem lost one of A's tasks while we were down.
	h.transfer.mu.Lock()
	delete(h.transfer.live, *rowsA[1].TaskID)
	h.transfer.mu.Unlock()

	rep, err := h.restart().ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if len(rep.RolledBack) != 1 || !rep.RolledBack[0].Equal(bookA) {
		t.Fatalf("rolled back %+v, want only A", rep.RolledBack)
	}
	if len(h.rows(t, bookA)) != 0 {
		t.Fatalf("orphaned item kept its rows")
	}
	if len(h.rows(t, bookB)) != 2 {
		t.Fatalf("healthy item lost rows")
	}
}

func TestReconcileTransportErrorDeletesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	h.transfer.existsErr = errors.New("aria2 down")
	if _, err := h.svc.ReconcileOrphans(ctx); err == nil {
		t.Fatal("expected error")
	}
	if len(h.rows(t, bookA)) != 2 {
		t.Fatalf("rows deleted on transport error")
	}
}

func TestReconcileSweepsStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.Download(ctx, bookA); err != nil {
		t.Fatal(err)
	}
	rows := h.rows(t, bookA)
	h.finishTransfer(t, rows[0], "partial")

	stale := filepath.Join(h.dir, "tmp", "2abcdefstale.part")
	fresh := filepath.Join(h.dir, "tmp", "2abcdeffresh.part")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	live := h.svc.tmpPath(rows[0].ID)
	if err := os.Chtimes(live, old, old); err != nil {
		t.Fatal(err)
	}

	rep, err := h.svc.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Swept != 1 || exists(stale) {
		t.Fatalf("stale temp file not swept: %+v", rep)
	}
	if !exists(fresh) || !exists(live) {
		t.Fatalf("sweep removed a file it must keep")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of %s", key)
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if len(km.locks) != 0 {
		t.Fatalf("locks not released: %d", len(km.locks))
	}
}
