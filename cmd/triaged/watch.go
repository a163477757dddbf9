package main

import (
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/adapters"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/spf13/cobra"
)

func newWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print diagnosis updates as they are committed (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.Database.Type != "postgres" {
				return errors.New("watch requires database.type postgres")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			listener := adapters.NewPQListener(rt.cfg.Database.DSN, rt.cfg.Notify.Channel, rt.logger)
			err = listener.Listen(ctx, func(update ports.DiagnosisUpdate) {
				if err := enc.Encode(update); err != nil {
					rt.logger.Error().Err(err).Msg("Failed to write update")
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
