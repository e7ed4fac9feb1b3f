package aria2dl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/tinoosan/shelfsync/internal/aria2"
	"github.com/tinoosan/shelfsync/internal/downloader"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeAria2 answers JSON-RPC calls by method name and records every request.
type fakeAria2 struct {
	mu       sync.Mutex
	handlers map[string]func(params []interface{}) (any, *rpcError)
	calls    []rpcReq
}

func newFakeAria2() *fakeAria2 {
	return &fakeAria2{handlers: map[string]func([]interface{}) (any, *rpcError){}}
}

func (f *fakeAria2) on(method string, h func(params []interface{}) (any, *rpcError)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeAria2) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeAria2) RoundTrip(r *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(r.Body)
	var req rpcReq
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[req.Method]
	f.mu.Unlock()

	resp := rpcResp{Jsonrpc: "2.0", ID: req.ID}
	status := http.StatusOK
	if h == nil {
		resp.Error = &rpcError{Code: 1, Message: "unexpected method " + req.Method}
		status = http.StatusBadRequest
	} else {
		res, rerr := h(req.Params)
		if rerr != nil {
			resp.Error = rerr
			status = http.StatusBadRequest
		} else {
			resp.Result, _ = json.Marshal(res)
		}
	}
	rb, _ := json.Marshal(resp)
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(rb)), Header: make(http.Header)}, nil
}

type fakeFS struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeFS) Remove(p string) error {
	f.mu.Lock()
	f.removed = append(f.removed, p)
	f.mu.Unlock()
	return nil
}

func newTestAdapter(t *testing.T, secret string, rt http.RoundTripper) (*Adapter, chan downloader.Event) {
	t.Helper()
	c, err := aria2.NewClient("http://example.com/jsonrpc", secret, 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.HTTP().Transport = rt
	events := make(chan downloader.Event, 16)
	a := NewAdapter(c, downloader.NewChanReporter(events))
	a.fs = &fakeFS{}
	return a, events
}

func notFound(gid string) *rpcError {
	return &rpcError{Code: 1, Message: "GID " + gid + " is not found"}
}

func drain(ch chan downloader.Event) []downloader.Event {
	var out []downloader.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestAdapterStart(t *testing.T) {
	fake := newFakeAria2()
	var gotParams []interface{}
	fake.on("aria2.addUri", func(p []interface{}) (any, *rpcError) {
		gotParams = p
		return "00000000000000aa", nil
	})
	a, events := newTestAdapter(t, "secret", fake)

	gid, err := a.Start(context.Background(), downloader.StartOptions{
		Handle:  "00000000000000aa",
		URL:     "http://media/track.mp3",
		Dir:     "/data/tmp",
		Out:     "00000000000000aa.part",
		Headers: map[string]string{"Authorization": "Bearer x"},
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if gid != "00000000000000aa" {
		t.Fatalf("gid = %s", gid)
	}
	if len(gotParams) != 3 || gotParams[0] != "token:secret" {
		t.Fatalf("unexpected params %#v", gotParams)
	}
	opts, _ := gotParams[2].(map[string]interface{})
	if opts["gid"] != "00000000000000aa" || opts["dir"] != "/data/tmp" || opts["out"] != "00000000000000aa.part" {
		t.Fatalf("unexpected options %#v", opts)
	}
	hdrs, _ := opts["header"].([]interface{})
	if len(hdrs) != 1 || hdrs[0] != "Authorization: Bearer x" {
		t.Fatalf("unexpected headers %#v", opts["header"])
	}
	evs := drain(events)
	if len(evs) != 1 || evs[0].Type != downloader.EventStart || evs[0].Handle != gid {
		t.Fatalf("unexpected events %+v", evs)
	}
	if !a.watching(gid) {
		t.Fatalf("gid not watched after start")
	}
}

func TestAdapterStartFailureUnwatches(t *testing.T) {
	fake := newFakeAria2()
	fake.on("aria2.addUri", func(p []interface{}) (any, *rpcError) {
		return nil, &rpcError{Code: 1, Message: "boom"}
	})
	a, events := newTestAdapter(t, "", fake)
	if _, err := a.Start(context.Background(), downloader.StartOptions{Handle: "h", URL: "http://x"}); err == nil {
		t.Fatalf("expected error")
	}
	if a.watching("h") {
		t.Fatalf("failed start left gid watched")
	}
	if evs := drain(events); len(evs) != 0 {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestAdapterCancel(t *testing.T) {
	t.Run("unknown gid", func(t *testing.T) {
		fake := newFakeAria2()
		fake.on("aria2.getFiles", func(p []interface{}) (any, *rpcError) { return nil, notFound("g") })
		fake.on("aria2.remove", func(p []interface{}) (any, *rpcError) { return nil, notFound("g") })
		a, _ := newTestAdapter(t, "", fake)
		if err := a.Cancel(context.Background(), "g"); !errors.Is(err, downloader.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("removes task and partial files", func(t *testing.T) {
		fake := newFakeAria2()
		fake.on("aria2.getFiles", func(p []interface{}) (any, *rpcError) {
			return []map[string]string{{"path": "/data/tmp/g.part"}, {"path": "/data/tmp/g.part"}, {"path": "relative"}}, nil
		})
		fake.on("aria2.remove", func(p []interface{}) (any, *rpcError) { return "g", nil })
		fake.on("aria2.removeDownloadResult", func(p []interface{}) (any, *rpcError) { return "OK", nil })
		a, events := newTestAdapter(t, "", fake)
		a.watch("g")

		if err := a.Cancel(context.Background(), "g"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		fs := a.fs.(*fakeFS)
		if len(fs.removed) != 2 || fs.removed[0] != "/data/tmp/g.part" || fs.removed[1] != "/data/tmp/g.part.aria2" {
			t.Fatalf("unexpected removals %#v", fs.removed)
		}
		evs := drain(events)
		if len(evs) != 1 || evs[0].Type != downloader.EventCancelled {
			t.Fatalf("unexpected events %+v", evs)
		}
		// The stop notification that follows must not emit a second terminal event.
		a.handleNotification(context.Background(), aria2.Notification{Method: aria2.OnDownloadStop, Params: []aria2.NotificationEvent{{GID: "g"}}})
		if evs := drain(events); len(evs) != 0 {
			t.Fatalf("duplicate terminal events %+v", evs)
		}
	})
}

func TestAdapterExists(t *testing.T) {
	tests := []struct {
		status    string
		notFound  bool
		want      bool
		watchedAf bool
	}{
		{status: "active", want: true, watchedAf: true},
		{status: "waiting", want: true, watchedAf: true},
		{status: "paused", want: true, watchedAf: true},
		{status: "complete", want: true, watchedAf: true},
		{status: "error", want: false},
		{status: "removed", want: false},
		{notFound: true, want: false},
	}
	for _, tc := range tests {
		name := tc.status
		if tc.notFound {
			name = "not found"
		}
		t.Run(name, func(t *testing.T) {
			fake := newFakeAria2()
			fake.on("aria2.tellStatus", func(p []interface{}) (any, *rpcError) {
				if tc.notFound {
					return nil, notFound("g")
				}
				return map[string]string{"status": tc.status}, nil
			})
			a, _ := newTestAdapter(t, "", fake)
			got, err := a.Exists(context.Background(), "g")
			if err != nil {
				t.Fatalf("exists: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Exists = %v, want %v", got, tc.want)
			}
			if a.watching("g") != tc.watchedAf {
				t.Fatalf("watching = %v", a.watching("g"))
			}
		})
	}
}

func TestAdapterExistsTransportError(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) { return nil, errors.New("dial refused") })
	a, _ := newTestAdapter(t, "", rt)
	if _, err := a.Exists(context.Background(), "g"); err == nil {
		t.Fatalf("expected transport error to be returned, not treated as missing")
	}
}

func TestAdapterHandleNotification(t *testing.T) {
	fake := newFakeAria2()
	fake.on("aria2.tellStatus", func(p []interface{}) (any, *rpcError) {
		return map[string]string{"status": "error", "errorMessage": "disk full"}, nil
	})
	a, events := newTestAdapter(t, "", fake)
	a.watch("ok")
	a.watch("bad")

	ctx := context.Background()
	a.handleNotification(ctx, aria2.Notification{Method: aria2.OnDownloadComplete, Params: []aria2.NotificationEvent{{GID: "ok"}, {GID: "unknown"}}})
	a.handleNotification(ctx, aria2.Notification{Method: aria2.OnDownloadComplete, Params: []aria2.NotificationEvent{{GID: "ok"}}})
	a.handleNotification(ctx, aria2.Notification{Method: aria2.OnDownloadError, Params: []aria2.NotificationEvent{{GID: "bad"}}})

	evs := drain(events)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %+v", evs)
	}
	if evs[0].Handle != "ok" || evs[0].Type != downloader.EventComplete {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].Handle != "bad" || evs[1].Type != downloader.EventFailed || evs[1].Err != "disk full" {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
}

func TestAdapterPollOnce(t *testing.T) {
	fake := newFakeAria2()
	fake.on("aria2.tellStatus", func(p []interface{}) (any, *rpcError) {
		gid, _ := p[0].(string)
		switch gid {
		case "running":
			return map[string]string{"status": "active", "completedLength": "50", "totalLength": "100"}, nil
		case "done":
			return map[string]string{"status": "complete", "completedLength": "100", "totalLength": "100"}, nil
		default:
			return nil, notFound(gid)
		}
	})
	a, events := newTestAdapter(t, "", fake)
	for _, g := range []string{"running", "done", "gone"} {
		a.watch(g)
	}
	a.pollOnce(context.Background(), a.log)
	// Unchanged progress is not re-emitted.
	a.pollOnce(context.Background(), a.log)

	byHandle := map[string][]downloader.EventType{}
	for _, e := range drain(events) {
		byHandle[e.Handle] = append(byHandle[e.Handle], e.Type)
	}
	if got := byHandle["running"]; len(got) != 1 || got[0] != downloader.EventProgress {
		t.Fatalf("running events %v", got)
	}
	if got := byHandle["done"]; len(got) != 2 || got[0] != downloader.EventProgress || got[1] != downloader.EventComplete {
		t.Fatalf("done events %v", got)
	}
	if got := byHandle["gone"]; len(got) != 1 || got[0] != downloader.EventFailed {
		t.Fatalf("gone events %v", got)
	}
	if !a.watching("running") || a.watching("done") || a.watching("gone") {
		t.Fatalf("unexpected watch set after poll")
	}
}

func TestAdapterPollSkipsTasksStillStarting(t *testing.T) {
	const gid = "00000000000000aa"
	fake := newFakeAria2()
	entered := make(chan struct{})
	gate := make(chan struct{})
	fake.on("aria2.addUri", func(p []interface{}) (any, *rpcError) {
		close(entered)
		<-gate
		return gid, nil
	})
	fake.on("aria2.tellStatus", func(p []interface{}) (any, *rpcError) {
		g, _ := p[0].(string)
		return nil, notFound(g)
	})
	a, events := newTestAdapter(t, "", fake)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Start(context.Background(), downloader.StartOptions{Handle: gid, URL: "http://x"})
		errc <- err
	}()
	<-entered
	a.pollOnce(context.Background(), a.log)
	if evs := drain(events); len(evs) != 0 {
		t.Fatalf("poll during addUri emitted %+v", evs)
	}
	if !a.watching(gid) {
		t.Fatalf("starting gid dropped by poll")
	}
	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("Start error: %v", err)
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Type != downloader.EventStart {
		t.Fatalf("unexpected events %+v", evs)
	}
	if !a.watching(gid) {
		t.Fatalf("gid not watched after Start")
	}
	if calls := fake.methods(); len(calls) != 1 || calls[0] != "aria2.addUri" {
		t.Fatalf("tellStatus issued for a starting gid: %v", calls)
	}
}

func TestAdapterCompletionDuringStart(t *testing.T) {
	const gid = "00000000000000bb"
	fake := newFakeAria2()
	entered := make(chan struct{})
	gate := make(chan struct{})
	fake.on("aria2.addUri", func(p []interface{}) (any, *rpcError) {
		close(entered)
		<-gate
		return gid, nil
	})
	a, events := newTestAdapter(t, "", fake)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Start(context.Background(), downloader.StartOptions{Handle: gid, URL: "http://x"})
		errc <- err
	}()
	<-entered
	a.handleNotification(context.Background(), aria2.Notification{Method: aria2.OnDownloadComplete, Params: []aria2.NotificationEvent{{GID: gid}}})
	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("Start error: %v", err)
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Type != downloader.EventComplete || evs[0].Handle != gid {
		t.Fatalf("unexpected events %+v", evs)
	}
	if a.watching(gid) {
		t.Fatalf("finished gid still watched")
	}
}
