package aria2

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		secret      string
		timeout     time.Duration
		wantURL     string
		wantTimeout time.Duration
	}{
		{
			name:        "defaults",
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
		{
			name:        "explicit values",
			url:         "http://localhost:6801/jsonrpc",
			secret:      "abc123",
			timeout:     1500 * time.Millisecond,
			wantURL:     "http://localhost:6801/jsonrpc",
			wantTimeout: 1500 * time.Millisecond,
		},
		{
			name:        "invalid url fallback",
			url:         "::bad::url",
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
		{
			name:        "negative timeout",
			timeout:     -25 * time.Millisecond,
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.url, tc.secret, tc.timeout)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := c.BaseURL().String(); got != tc.wantURL {
				t.Fatalf("url: got %q want %q", got, tc.wantURL)
			}
			if c.Secret() != tc.secret {
				t.Fatalf("secret: got %q want %q", c.Secret(), tc.secret)
			}
			if c.HTTP().Timeout != tc.wantTimeout {
				t.Fatalf("timeout: got %v want %v", c.HTTP().Timeout, tc.wantTimeout)
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://h:6800/jsonrpc":  "ws://h:6800/jsonrpc",
		"https://h:6800/jsonrpc": "wss://h:6800/jsonrpc",
	}
	for in, want := range tests {
		c, _ := NewClient(in, "", 0)
		got, err := c.WebSocketURL()
		if err != nil || got != want {
			t.Fatalf("WebSocketURL(%s) = %q, %v", in, got, err)
		}
	}
	c, _ := NewClient("ftp://h/jsonrpc", "", 0)
	if _, err := c.WebSocketURL(); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestNotificationsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","method":"aria2.onDownloadComplete","params":[{"gid":"abc"}]}`+"\n"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/jsonrpc", "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Notifications(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	n, ok := <-ch
	if !ok {
		t.Fatalf("channel closed before notification")
	}
	if n.Method != OnDownloadComplete || len(n.Params) != 1 || n.Params[0].GID != "abc" {
		t.Fatalf("unexpected notification %+v", n)
	}
}
