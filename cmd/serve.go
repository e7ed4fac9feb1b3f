package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	v1 "github.com/tinoosan/shelfsync/api/v1"
	"github.com/tinoosan/shelfsync/internal/aria2"
	"github.com/tinoosan/shelfsync/internal/config"
	"github.com/tinoosan/shelfsync/internal/downloader"
	aria2dl "github.com/tinoosan/shelfsync/internal/downloader/aria2"
	"github.com/tinoosan/shelfsync/internal/downloader/httpdl"
	"github.com/tinoosan/shelfsync/internal/events"
	"github.com/tinoosan/shelfsync/internal/instance"
	"github.com/tinoosan/shelfsync/internal/logging"
	"github.com/tinoosan/shelfsync/internal/mediasvc"
	"github.com/tinoosan/shelfsync/internal/metrics"
	"github.com/tinoosan/shelfsync/internal/progress"
	"github.com/tinoosan/shelfsync/internal/reconciler"
	"github.com/tinoosan/shelfsync/internal/repo"
	"github.com/tinoosan/shelfsync/internal/router"
	"github.com/tinoosan/shelfsync/internal/service"
	"github.com/tinoosan/shelfsync/internal/tracker"
)

const (
	eventQueue      = 256
	shutdownTimeout = 30 * time.Second
)

func newServeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download engine, progress reporter and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.RequireMedia(); err != nil {
				return err
			}
			log, closer, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func openStore(cfg *config.Config) (repo.Store, error) {
	var (
		r   *repo.SQLRepo
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = repo.PostgresDSNFromEnv()
		}
		r, err = repo.NewPostgresRepo(dsn)
	default:
		r, err = repo.NewSQLiteRepo(cfg.Store.DSN)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// transferStack is the selected transfer backend plus what the process
// must run and stop for it.
type transferStack struct {
	transfer downloader.Transfer
	ready    router.Pinger
	run      func(ctx context.Context)
	close    func()
}

func newTransfer(cfg *config.Config, log *slog.Logger, rep downloader.Reporter) (*transferStack, error) {
	if !cfg.UsesAria2() {
		tr := httpdl.New(log, &http.Client{}, rep)
		return &transferStack{transfer: tr, run: func(context.Context) {}, close: tr.Close}, nil
	}
	cl, err := aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.Secret, time.Duration(cfg.Aria2.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("aria2 client: %w", err)
	}
	ad := aria2dl.NewAdapter(cl, rep)
	ad.SetLogger(log)
	ad.SetPollInterval(time.Duration(cfg.Aria2.PollMS) * time.Millisecond)
	return &transferStack{transfer: ad, ready: ad, run: ad.Run, close: func() {}}, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	lock, err := instance.Acquire(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release data directory lock", "err", err)
		}
	}()

	metrics.Register()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	media, err := mediasvc.NewClient(log, cfg.Media.BaseURL, cfg.Media.Token, cfg.Media.ConnectionID, cfg.Media.Timeout)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	evCh := make(chan downloader.Event, eventQueue)
	ts, err := newTransfer(cfg, log, downloader.NewChanReporter(evCh))
	if err != nil {
		return err
	}
	transferCtx, stopTransfer := context.WithCancel(context.Background())
	transferDone := make(chan struct{})
	go func() {
		defer close(transferDone)
		ts.run(transferCtx)
	}()

	trk := tracker.New(log, bus)
	downloads := service.NewDownload(store, media, ts.transfer, trk, service.Options{
		DataDir:   cfg.DataDir,
		Policy:    cfg.Policy(),
		Publisher: bus,
		Log:       log,
	})

	rec := reconciler.New(log, downloads, evCh, cfg.Download.Workers)
	rec.Run()

	// Transfers that died while we were down are rolled back before any new
	// work is accepted.
	if rep, err := downloads.ReconcileOrphans(ctx); err != nil {
		log.Warn("startup reconciliation skipped", "err", err)
	} else {
		log.Info("startup reconciliation", "checked", rep.Checked, "rolled_back", len(rep.RolledBack),
			"restored", rep.Restored, "swept", rep.Swept)
	}

	cache := progress.NewCache(log, store, bus)
	reporter := progress.NewReporter(log, cache, media, progress.Options{
		Interval:     cfg.Reporter.IntervalSeconds,
		SyncInterval: cfg.Reporter.SyncInterval,
	})
	syncCtx, stopSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		reporter.Run(syncCtx)
	}()

	h := v1.NewHandler(log, v1.Deps{
		Downloads:    downloads,
		Cache:        cache,
		Reporter:     reporter,
		Bus:          bus,
		ConnectionID: cfg.Media.ConnectionID,
	})
	if cfg.API.Token == "" {
		log.Warn("api.token is empty; the control API accepts unauthenticated requests")
	}
	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router.New(log, h, cfg.API.Token, ts.ready),
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: /v1/events connections are long-lived.
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("starting shelfsync API", "addr", server.Addr, "data_dir", cfg.DataDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received terminate, graceful shutdown")
	case err := <-srvErr:
		runErr = err
		log.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	// Final reports go out before the media client is abandoned.
	reporter.Close(shutdownCtx)
	stopSync()
	<-syncDone

	stopTransfer()
	ts.close()
	<-transferDone
	rec.Stop()
	return runErr
}
