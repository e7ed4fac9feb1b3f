package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/logging"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
	"github.com/tinoosan/shelfsync/internal/progress"
	"github.com/tinoosan/shelfsync/internal/service"
)

func newDeleteCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <item>",
		Short: "Remove an item's downloaded files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "DELETE", itemPath(args[0], "download"), nil, nil); err != nil {
				return err
			}
			color.Green("✓ deleted %s", args[0])
			return nil
		},
	}
}

func newStatusCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status <item>",
		Short: "Show an item's download state and playback progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var (
				st data.DownloadState
				pe data.ProgressEntry
			)
			if err := c.do(cmd.Context(), "GET", itemPath(args[0], "download"), nil, &st); err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "GET", itemPath(args[0], "progress"), nil, &pe); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "item\t%s\n", args[0])
			fmt.Fprintf(w, "download\t%s (%d/%d tracks, %.0f%%)\n", st.Status, st.Finished, st.Total, st.Fraction*100)
			fmt.Fprintf(w, "position\t%.0fs of %.0fs (%.0f%%)\n", pe.CurrentTime, pe.Duration, pe.Progress*100)
			fmt.Fprintf(w, "finished\t%v\n", pe.Finished())
			fmt.Fprintf(w, "sync\t%s\n", pe.Status)
			return w.Flush()
		},
	}
}

func newReconcileCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Roll back downloads whose transfers no longer exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var rep service.ReconcileReport
			if err := c.do(cmd.Context(), "POST", "/v1/reconcile", nil, &rep); err != nil {
				return err
			}
			color.Green("✓ checked %d transfers", rep.Checked)
			for _, item := range rep.RolledBack {
				color.Yellow("  rolled back %s", item.String())
			}
			if rep.Swept > 0 {
				fmt.Printf("  removed %d stale temp files\n", rep.Swept)
			}
			return nil
		},
	}
}

func newSyncCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local playback progress to the media server and pull its changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Flush  progress.FlushResult `json:"flush"`
				Pulled int                  `json:"pulled"`
			}
			if err := c.do(cmd.Context(), "POST", "/v1/sync", nil, &res); err != nil {
				return err
			}
			color.Green("✓ pushed %d, deleted %d, pulled %d", res.Flush.Pushed, res.Flush.Deleted, res.Pulled)
			if res.Flush.Failed > 0 {
				color.Yellow("  %d entries still pending", res.Flush.Failed)
			}
			return nil
		},
	}
}

// newLibrariesCmd queries the media server directly, without a running serve.
func newLibrariesCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "libraries",
		Short: "List the libraries on the configured media server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.RequireMedia(); err != nil {
				return err
			}
			cfg.Log.Path = ""
			cfg.Log.Level = "warn"
			log, closer, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			media, err := mediasvc.NewClient(log, cfg.Media.BaseURL, cfg.Media.Token, cfg.Media.ConnectionID, cfg.Media.Timeout)
			if err != nil {
				return err
			}
			libs, err := media.ListLibraries(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE")
			for _, l := range libs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", l.ID, l.Name, l.MediaType)
			}
			return w.Flush()
		},
	}
}
