package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const barTotal = 1000

func newDownloadCmd(opts *rootOpts) *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "download <item>",
		Short: "Download an item for offline playback and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return runDownload(cmd.Context(), c, args[0], detach)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "enqueue and return without waiting")
	return cmd
}

func runDownload(ctx context.Context, c *apiClient, item string, detach bool) error {
	var stream *websocket.Conn
	if !detach {
		// Subscribe first so no event between enqueue and dial is lost.
		conn, err := c.events(ctx)
		if err != nil {
			color.Yellow("event stream unavailable, polling instead: %v", err)
		} else {
			stream = conn
			defer stream.Close(websocket.StatusNormalClosure, "")
		}
	}

	var st data.DownloadState
	if err := c.do(ctx, "POST", itemPath(item, "download"), nil, &st); err != nil {
		color.Red("✗ %s: %v", item, err)
		return err
	}
	if detach {
		color.Green("✓ queued %s (%d tracks)", item, st.Total)
		return nil
	}

	p := mpb.New(mpb.WithAutoRefresh(), mpb.WithOutput(color.Output))
	bar := p.AddBar(barTotal,
		mpb.PrependDecorators(decor.Name(item+" ")),
		mpb.AppendDecorators(decor.Percentage()),
	)
	bar.SetCurrent(int64(st.Fraction * barTotal))

	final, err := follow(ctx, c, stream, item, bar)
	if final.Status == data.DownloadDownloaded {
		bar.SetCurrent(barTotal)
	} else {
		bar.Abort(false)
	}
	p.Wait()

	switch {
	case err != nil:
		color.Red("✗ %s: %v", item, err)
		return err
	case final.Status == data.DownloadDownloaded:
		color.Green("✓ downloaded %s (%d tracks)", item, final.Total)
		return nil
	default:
		color.Red("✗ %s: download failed", item)
		return errors.New("download failed")
	}
}

// follow waits until the item is downloaded or rolled back. Events only
// hint that state changed; the API is the source of truth.
func follow(ctx context.Context, c *apiClient, stream *websocket.Conn, item string, bar *mpb.Bar) (data.DownloadState, error) {
	status := func() (data.DownloadState, bool, error) {
		var st data.DownloadState
		if err := c.do(ctx, "GET", itemPath(item, "download"), nil, &st); err != nil {
			return st, true, err
		}
		bar.SetCurrent(int64(st.Fraction * barTotal))
		done := st.Status == data.DownloadDownloaded || st.Status == data.DownloadNone
		return st, done, nil
	}

	if stream == nil {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			if st, done, err := status(); done || err != nil {
				return st, err
			}
			select {
			case <-ctx.Done():
				return data.DownloadState{}, ctx.Err()
			case <-t.C:
			}
		}
	}

	if st, done, err := status(); done || err != nil {
		return st, err
	}
	for {
		var e events.Event
		if err := wsjson.Read(ctx, stream, &e); err != nil {
			return data.DownloadState{}, fmt.Errorf("event stream: %w", err)
		}
		if e.Item.String() != item {
			continue
		}
		if e.Kind == events.DownloadProgress {
			bar.SetCurrent(int64(e.Fraction * barTotal))
			continue
		}
		if st, done, err := status(); done || err != nil {
			return st, err
		}
	}
}
