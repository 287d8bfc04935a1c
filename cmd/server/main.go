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
	"gihan9a/hotupdate/internal/logger"
	"gihan9a/hotupdate/internal/server"
	"gihan9a/hotupdate/internal/tls"
)

func main() {
	// Parse command line flags and get configuration
	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.For("server")

	// Set up the TLS certificate if needed
	tlsCfg := cfg.Server.TLS
	if tlsCfg.Enabled && tlsCfg.GenerateCert {
		if err := tls.EnsureCertificate(tlsCfg.CertFile, tlsCfg.KeyFile, nil, logger.For("tls")); err != nil {
			log.Fatalf("Failed to set up TLS certificate: %v", err)
		}
	}

	contentServer, err := server.NewContentServer(&cfg.Server, log)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	defer contentServer.Close()

	// Watch the build directory so a new manifest is served without a restart
	if err := contentServer.SetupWatchers(); err != nil {
		log.Fatalf("Failed to set up file watchers: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           contentServer.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	// Start server with or without TLS
	log.Infof("Serving OTA artifacts from directory: %s", cfg.Server.RootDir)
	if tlsCfg.Enabled {
		log.Infof("Content server running at https://localhost%s", srv.Addr)
		log.Infof("Using TLS certificate %s and key %s", tlsCfg.CertFile, tlsCfg.KeyFile)
		err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	} else {
		log.Infof("Content server running at http://localhost%s", srv.Addr)
		err = srv.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}
