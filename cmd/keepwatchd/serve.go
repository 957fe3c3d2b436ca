package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepwatch/keepwatch/internal/adminapi"
	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/history"
	"github.com/keepwatch/keepwatch/internal/logging"
	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/metrics"
	"github.com/keepwatch/keepwatch/internal/supervisor"
	"github.com/keepwatch/keepwatch/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gf.SettingsPath)
		},
	}
}

func runServe(settingsPath string) error {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log := logging.NewLogger(logging.Config{Path: settings.LogPath, Color: true})
	log.Info("starting keepwatchd", "manifest_dir", settings.ManifestDir)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("serve: register metrics: %w", err)
	}

	var sink history.Sink
	if settings.HistoryDSN != "" {
		sqlSink, err := history.NewSQLSinkFromDSN(settings.HistoryDSN)
		if err != nil {
			return fmt.Errorf("serve: history sink: %w", err)
		}
		defer sqlSink.Close()
		sink = sqlSink
	}

	sup := supervisor.New(settings, sink)
	if err := sup.Discover(manifest.HostOS()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var adminSrv *http.Server
	if settings.AdminHTTPAddr != "" {
		tlsConfig, err := tls.Load(tls.Config{
			CertFile:     settings.AdminTLSCertFile,
			KeyFile:      settings.AdminTLSKeyFile,
			AutoGenerate: settings.AdminTLSAutoGenerate,
			AutoGenDir:   settings.AdminTLSDir,
			CommonName:   "keepwatchd",
			DNSNames:     []string{"localhost"},
		})
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		adminSrv = adminapi.NewServer(settings.AdminHTTPAddr, "", sup, tlsConfig)
		log.Info("admin http surface listening", "addr", settings.AdminHTTPAddr, "tls", tlsConfig != nil)
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("all sub-services started")

	<-ctx.Done()
	log.Info("shutting down")
	if err := sup.Stop(context.Background()); err != nil {
		log.Warn("stop completed with errors", "err", err)
	}
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	return nil
}
