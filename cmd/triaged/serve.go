package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/triage-engine/triage/api"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine"

	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the triage HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			e, err := engine.NewFactory(rt.cfg, rt.conn, rt.logger).CreateEngine(ctx)
			if err != nil {
				return err
			}

			if rt.cfg.Recovery.ResumeOnStart {
				go func() {
					if _, err := e.ResumePending(ctx, rt.cfg.Recovery.Concurrency); err != nil {
						rt.logger.Error().Err(err).Msg("Startup resume failed")
					}
				}()
			}

			var health api.Pinger
			if rt.conn != nil {
				health = rt.conn
			}
			h, err := api.NewHandler(e, health, rt.logger.With().Str("component", "api").Logger())
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:         rt.cfg.Server.Addr,
				Handler:      api.NewRouter(h, rt.cfg.Server.AllowedOrigins, rt.logger),
				ReadTimeout:  rt.cfg.Server.ReadTimeout,
				WriteTimeout: rt.cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info().Str("addr", srv.Addr).Msg("Listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			rt.logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
