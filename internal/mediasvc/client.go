package mediasvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tinoosan/shelfsync/internal/data"
)

const defaultTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("media server %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps 404 to data.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return data.ErrNotFound
	}
	return nil
}

// Client is an HTTP client for an Audiobookshelf-compatible server.
// Audiobooks are addressed by library item id; episodes by the podcast's
// library item id (grouping) and the episode id (primary).
type Client struct {
	BaseURL      *url.URL
	Token        string
	ConnectionID string
	HTTP         *http.Client
	log          *slog.Logger

	mu      sync.Mutex
	library map[string]string // library item id -> library id
}

// NewClient returns a client for baseURL. A zero timeout uses 15s.
func NewClient(log *slog.Logger, baseURL, token, connectionID string, timeout time.Duration) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("media base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("media base url: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:      u,
		Token:        token,
		ConnectionID: connectionID,
		HTTP:         &http.Client{Timeout: timeout},
		log:          log,
		library:      make(map[string]string),
	}, nil
}

var _ Service = (*Client)(nil)

func (c *Client) url(p string) string {
	u := *c.BaseURL
	ref, err := url.Parse(p)
	if err != nil {
		u.Path = path.Join(u.Path, p)
		return u.String()
	}
	if ref.IsAbs() {
		return p
	}
	u.Path = path.Join(u.Path, ref.Path)
	u.RawQuery = ref.RawQuery
	return u.String()
}

func (c *Client) authHeaders() map[string]string {
	if c.Token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.Token}
}

func (c *Client) do(ctx context.Context, method, p string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(p), r)
	if err != nil {
		return nil, err
	}
	for k, v := range c.authHeaders() {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Method: method, Path: p, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, p string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, p string, body any) error {
	resp, err := c.do(ctx, method, p, body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// libraryItemID is the server-side item that owns the media of id.
func libraryItemID(id data.ItemID) string {
	if id.Type == data.TypeEpisode {
		return id.GroupingID
	}
	return id.PrimaryID
}

func progressPath(id data.ItemID) string {
	p := "/api/me/progress/" + url.PathEscape(libraryItemID(id))
	if id.Type == data.TypeEpisode {
		p += "/" + url.PathEscape(id.PrimaryID)
	}
	return p
}

func (c *Client) fetchItem(ctx context.Context, id data.ItemID) (*libraryItem, error) {
	if !id.Type.Downloadable() {
		return nil, fmt.Errorf("%w: %s", data.ErrNotDownloadable, id.Type)
	}
	var li libraryItem
	if err := c.getJSON(ctx, "/api/items/"+url.PathEscape(libraryItemID(id))+"?expanded=1", &li); err != nil {
		return nil, err
	}
	c.rememberLibrary(li.ID, li.LibraryID)
	return &li, nil
}

func (c *Client) ResolveTracks(ctx context.Context, id data.ItemID) ([]data.TrackDescriptor, error) {
	li, err := c.fetchItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var tracks []audioTrack
	switch id.Type {
	case data.TypeEpisode:
		ep := li.Media.episode(id.PrimaryID)
		if ep == nil {
			return nil, fmt.Errorf("episode %s: %w", id.PrimaryID, data.ErrNotFound)
		}
		if ep.AudioTrack != nil {
			tracks = []audioTrack{*ep.AudioTrack}
		}
	default:
		tracks = li.Media.Tracks
	}

	out := make([]data.TrackDescriptor, 0, len(tracks)+1)
	for i, t := range tracks {
		idx := t.Index
		if idx <= 0 {
			idx = i + 1
		}
		out = append(out, data.TrackDescriptor{
			Index:    idx,
			Kind:     data.TrackAudio,
			URL:      c.url(t.ContentURL),
			Offset:   t.StartOffset,
			Duration: t.Duration,
			Ext:      t.Metadata.Ext,
			Headers:  c.authHeaders(),
		})
	}
	if id.Type == data.TypeAudiobook && li.Media.EbookFile != nil && strings.EqualFold(strings.TrimPrefix(li.Media.EbookFile.Metadata.Ext, "."), "pdf") {
		out = append(out, data.TrackDescriptor{
			Index:   len(out) + 1,
			Kind:    data.TrackPDF,
			URL:     c.url("/api/items/" + url.PathEscape(li.ID) + "/ebook"),
			Ext:     "pdf",
			Headers: c.authHeaders(),
		})
	}
	return out, nil
}

func (c *Client) FetchCover(ctx context.Context, id data.ItemID) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(libraryItemID(id))+"/cover", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func (c *Client) FetchChapters(ctx context.Context, id data.ItemID) (data.Chapters, error) {
	li, err := c.fetchItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if id.Type == data.TypeEpisode {
		ep := li.Media.episode(id.PrimaryID)
		if ep == nil {
			return nil, fmt.Errorf("episode %s: %w", id.PrimaryID, data.ErrNotFound)
		}
		return ep.Chapters, nil
	}
	return li.Media.Chapters, nil
}

type progressBody struct {
	CurrentTime  float64  `json:"currentTime"`
	Duration     float64  `json:"duration"`
	Progress     float64  `json:"progress"`
	TimeListened *float64 `json:"timeListened,omitempty"`
	IsFinished   *bool    `json:"isFinished,omitempty"`
	LastUpdate   int64    `json:"lastUpdate,omitempty"`
	StartedAt    int64    `json:"startedAt,omitempty"`
	FinishedAt   int64    `json:"finishedAt,omitempty"`
}

func fraction(current, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	return data.ClampFraction(current / duration)
}

// ReportProgress pushes the position and reads back what the server stored.
func (c *Client) ReportProgress(ctx context.Context, r ProgressReport) (*data.ProgressSnapshot, error) {
	listened := r.TimeListened
	body := progressBody{
		CurrentTime:  r.CurrentTime,
		Duration:     r.Duration,
		Progress:     fraction(r.CurrentTime, r.Duration),
		TimeListened: &listened,
	}
	if err := c.send(ctx, http.MethodPatch, progressPath(r.Item), body); err != nil {
		return nil, err
	}
	var mp mediaProgress
	if err := c.getJSON(ctx, progressPath(r.Item), &mp); err != nil {
		return nil, err
	}
	return mp.snapshot(r.Item), nil
}

// ReportSessionClose sends the final position of a listening session.
func (c *Client) ReportSessionClose(ctx context.Context, r ProgressReport) error {
	listened := r.TimeListened
	return c.send(ctx, http.MethodPatch, progressPath(r.Item), progressBody{
		CurrentTime:  r.CurrentTime,
		Duration:     r.Duration,
		Progress:     fraction(r.CurrentTime, r.Duration),
		TimeListened: &listened,
	})
}

func (c *Client) ListProgress(ctx context.Context) ([]*data.ProgressSnapshot, error) {
	var me struct {
		MediaProgress []mediaProgress `json:"mediaProgress"`
	}
	if err := c.getJSON(ctx, "/api/me", &me); err != nil {
		return nil, err
	}
	out := make([]*data.ProgressSnapshot, 0, len(me.MediaProgress))
	for _, mp := range me.MediaProgress {
		lib, err := c.libraryOf(ctx, mp.LibraryItemID)
		if err != nil {
			c.log.Warn("skip progress for unknown item", "item", mp.LibraryItemID, "err", err)
			continue
		}
		id := data.ItemID{ConnectionID: c.ConnectionID, LibraryID: lib, PrimaryID: mp.LibraryItemID, Type: data.TypeAudiobook}
		if mp.EpisodeID != "" {
			id.Type = data.TypeEpisode
			id.GroupingID = mp.LibraryItemID
			id.PrimaryID = mp.EpisodeID
		}
		out = append(out, mp.snapshot(id))
	}
	return out, nil
}

func (c *Client) UpdateProgress(ctx context.Context, e *data.ProgressEntry) error {
	finished := e.Finished()
	body := progressBody{
		CurrentTime: e.CurrentTime,
		Duration:    e.Duration,
		Progress:    e.Progress,
		IsFinished:  &finished,
		LastUpdate:  e.LastUpdate.UnixMilli(),
	}
	if e.StartedAt != nil {
		body.StartedAt = e.StartedAt.UnixMilli()
	}
	if e.FinishedAt != nil {
		body.FinishedAt = e.FinishedAt.UnixMilli()
	}
	return c.send(ctx, http.MethodPatch, progressPath(e.Item), body)
}

// DeleteProgress removes the server's entry. A missing entry is not an error.
func (c *Client) DeleteProgress(ctx context.Context, id data.ItemID) error {
	var mp mediaProgress
	if err := c.getJSON(ctx, progressPath(id), &mp); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil
		}
		return err
	}
	err := c.send(ctx, http.MethodDelete, "/api/me/progress/"+url.PathEscape(mp.ID), nil)
	if errors.Is(err, data.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) ListLibraries(ctx context.Context) ([]Library, error) {
	var out struct {
		Libraries []Library `json:"libraries"`
	}
	if err := c.getJSON(ctx, "/api/libraries", &out); err != nil {
		return nil, err
	}
	return out.Libraries, nil
}

func (c *Client) rememberLibrary(itemID, libraryID string) {
	if itemID == "" || libraryID == "" {
		return
	}
	c.mu.Lock()
	c.library[itemID] = libraryID
	c.mu.Unlock()
}

func (c *Client) libraryOf(ctx context.Context, itemID string) (string, error) {
	c.mu.Lock()
	lib, ok := c.library[itemID]
	c.mu.Unlock()
	if ok {
		return lib, nil
	}
	var li libraryItem
	if err := c.getJSON(ctx, "/api/items/"+url.PathEscape(itemID), &li); err != nil {
		return "", err
	}
	c.rememberLibrary(li.ID, li.LibraryID)
	return li.LibraryID, nil
}
