// Command otaclient keeps a local bundle in sync with a published manifest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gihan9a/hotupdate/internal/config"
	"gihan9a/hotupdate/internal/fetch"
	"gihan9a/hotupdate/internal/logger"
	"gihan9a/hotupdate/internal/metrics"
	"gihan9a/hotupdate/internal/store"
	"gihan9a/hotupdate/internal/updater"
)

func main() {
	once := flag.Bool("once", false, "Run a single update check and exit")
	rollback := flag.Bool("rollback", false, "Restore the bundle replaced by the last update and exit")
	history := flag.Int("history", 0, "Print the last N update runs and exit")
	metricsAddr := flag.String("metrics-addr", "", "Expose prometheus metrics on this address, e.g. :9102")

	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.For("otaclient")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Client.DataDir, logger.For("store"))
	if err != nil {
		log.Fatalf("Failed to open data directory %s: %v", cfg.Client.DataDir, err)
	}
	defer st.Close()

	var restarter updater.Restarter = updater.LogRestarter{Logger: log}
	if len(cfg.Client.RestartCommand) > 0 {
		restarter = updater.CommandRestarter{Command: cfg.Client.RestartCommand, Logger: log}
	}

	orchestrator, err := updater.New(updater.Config{
		ManifestURL: cfg.Client.ManifestURL,
		Store:       st,
		Fetcher: fetch.New(fetch.Options{
			Timeout:  cfg.Client.Timeout,
			Insecure: cfg.Client.Insecure,
			Logger:   logger.For("fetch"),
		}),
		Restarter:         restarter,
		StrictOperations:  cfg.Client.StrictOperations,
		MonotonicVersions: cfg.Client.MonotonicVersions,
		Logger:            logger.For("updater"),
	})
	if err != nil {
		log.Fatalf("Invalid client configuration: %v", err)
	}

	switch {
	case *history > 0:
		runs, err := st.Runs(ctx, *history)
		if err != nil {
			log.Fatalf("Failed to read run history: %v", err)
		}
		for _, r := range runs {
			fmt.Printf("%s  %-10s %-6s %q -> %q  %s  %s\n", r.StartedAt.Format(time.RFC3339), r.Outcome, r.Path,
				r.FromVersion, r.ToVersion, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Error)
		}
		return

	case *rollback:
		version, err := orchestrator.Rollback(ctx)
		if errors.Is(err, updater.ErrNoRollback) {
			log.Warnf("Nothing to roll back to")
			return
		}
		if err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Infof("Rolled back to version %q", version)
		if err := restarter.Restart(ctx, version); err != nil {
			log.Warnf("Restart signal failed: %v", err)
		}
		return

	case *once:
		res, err := orchestrator.Run(ctx)
		if err != nil {
			log.Fatalf("Update failed: %v", err)
		}
		if !res.Updated {
			log.Infof("Version %s is current", res.ToVersion)
		}
		return
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
		log.Infof("Metrics available at %s/metrics", *metricsAddr)
	}

	log.Infof("Checking %s every %s", cfg.Client.ManifestURL, cfg.Client.Interval)
	orchestrator.Loop(ctx, cfg.Client.Interval)
	log.Infof("Stopped")
}
