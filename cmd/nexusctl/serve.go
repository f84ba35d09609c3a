package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"digital.vasic.nexuscloud/internal/api"
	"digital.vasic.nexuscloud/internal/logging"
	"digital.vasic.nexuscloud/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			if a.config.JWTSecret == "" {
				return errors.New("jwt_secret is required to serve (set NEXUS_JWT_SECRET)")
			}
			a.sweepStaging()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := api.NewServer(a.router, a.catalog, api.NewAuth(a.config.JWTSecret), logging.L().Named("api"))
			apiServer := &http.Server{
				Addr:              a.config.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			metricsServer := &http.Server{
				Addr:              a.config.MetricsAddr,
				Handler:           metricsMux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			for _, s := range []*http.Server{apiServer, metricsServer} {
				go func(s *http.Server) {
					logging.Info("listening", zap.String("addr", s.Addr))
					if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
				}(s)
			}

			select {
			case <-ctx.Done():
				logging.Info("shutting down")
			case err = <-errCh:
				logging.Error("server failed", logging.Err(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			for _, s := range []*http.Server{apiServer, metricsServer} {
				if serr := s.Shutdown(shutdownCtx); serr != nil {
					logging.Warn("shutdown failed", zap.String("addr", s.Addr), logging.Err(serr))
				}
			}
			return err
		},
	}
}
