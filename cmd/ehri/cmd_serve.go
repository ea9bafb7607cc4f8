package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/api"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/JSON API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			st, closeStore, err := newStore(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("serve: opening graph: %w", err)
			}
			defer closeStore()

			srv := api.NewServer(st, logger, cfg.API.AuthToken, api.Options{
				AdminGroup:     cfg.ACL.AdminGroup,
				DefaultLimit:   cfg.Events.DefaultLimit,
				Aggregation:    defaultAggregation(),
				MaxAggregation: cfg.Events.MaxAggregation,
			})

			if cfg.API.AuthToken == "" {
				logger.Warn("HTTP API: auth is DISABLED; set EHRI_API_AUTH_TOKEN or api.auth_token for production use")
			}

			httpSrv := &http.Server{
				Addr:              cfg.API.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP API server starting", "addr", cfg.API.ListenAddr, "backend", cfg.Graph.Backend)
				if listenErr := httpSrv.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
					errCh <- fmt.Errorf("serve: HTTP server: %w", listenErr)
				}
				close(errCh)
			}()

			select {
			case <-cmd.Context().Done():
				logger.Info("shutting down")
			case startErr := <-errCh:
				return startErr
			}

			const shutdownTimeout = 10 * time.Second
			if shutdownErr := api.Shutdown(httpSrv, shutdownTimeout); shutdownErr != nil {
				return fmt.Errorf("serve: graceful shutdown: %w", shutdownErr)
			}

			// Drain the errCh in case ListenAndServe returned after Shutdown.
			if startErr := <-errCh; startErr != nil {
				return startErr
			}

			return nil
		},
	}
	return cmd
}
