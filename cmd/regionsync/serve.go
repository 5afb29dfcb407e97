package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/regionsync/internal/admin"
	"github.com/tunnelmesh/regionsync/internal/config"
	"github.com/tunnelmesh/regionsync/internal/gateway"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/region"
	"github.com/tunnelmesh/regionsync/internal/tracing"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run replication for every region of the deployment",
		Long: `Run the journal writer, reactor, part-copy workers and sweeper of every
configured region, the journal mirror between them and, when enabled, the
admin server and the S3-compatible gateway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	stopLoki := startLokiShipping(cfg, os.Stderr)
	defer stopLoki()

	log.Info().
		Str("version", Version).
		Str("deployment", cfg.Deployment.BaseName).
		Strs("regions", cfg.Deployment.Regions).
		Str("backend", cfg.ObjectStore.Backend).
		Str("database", cfg.Database.Driver).
		Msg("starting regionsync")

	m := metrics.InitMetrics(nil)

	var rec *tracing.Recorder
	if cfg.Tracing.Enabled {
		r, err := tracing.Start(0)
		if err != nil {
			log.Warn().Err(err).Msg("flight recorder unavailable")
		} else {
			rec = r
			defer rec.Stop()
		}
	}

	d, err := region.Build(ctx, cfg, log.Logger, m)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if cfg.Admin.Enabled {
		lists := make(map[string]admin.TrackingLister, len(d.Nodes))
		for _, n := range d.Nodes {
			lists[n.Region()] = n.Tracking()
		}
		srv := admin.NewServer(admin.Config{Tracking: lists, Recorder: rec, Logger: log.Logger})
		if err := srv.Start(cfg.Admin.Listen); err != nil {
			return err
		}
		defer func() { _ = srv.Stop() }()
	}

	if cfg.Gateway.Enabled {
		stopGateway, err := startGateway(cfg, d, m)
		if err != nil {
			return err
		}
		defer stopGateway()
	}

	err = d.Run(ctx)
	log.Info().Msg("regionsync stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startGateway(cfg *config.Config, d *region.Deployment, m *metrics.Metrics) (func(), error) {
	secret, err := cfg.GatewaySecret()
	if err != nil {
		return nil, err
	}
	tokens, err := gateway.NewTokens(secret)
	if err != nil {
		return nil, err
	}
	gw := gateway.NewServer(gateway.Config{
		Store:   d.FS,
		Tokens:  tokens,
		Reserve: d.Identity,
		Logger:  log.Logger,
		Metrics: m,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("gateway stopped")
		}
	}()
	log.Info().Str("addr", cfg.Gateway.Listen).Msg("gateway listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}, nil
}
