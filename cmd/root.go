package main

import (
	"github.com/spf13/cobra"
	"github.com/tinoosan/shelfsync/internal/config"
)

// Version is set via ldflags during build.
var Version = "dev"

type rootOpts struct {
	configPath string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "shelfsync",
		Short:         "Offline audiobook and podcast cache with playback progress sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default "+config.DefaultPath+" when present)")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "control API address of a running serve (default api.addr)")

	root.AddCommand(
		newServeCmd(opts),
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newStatusCmd(opts),
		newReconcileCmd(opts),
		newSyncCmd(opts),
		newLibrariesCmd(opts),
	)
	return root
}

func (o *rootOpts) load() (*config.Config, error) {
	return config.Load(o.configPath)
}
