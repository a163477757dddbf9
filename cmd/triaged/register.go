package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/adapters"

	"github.com/spf13/cobra"
)

func newRegisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <appointment-id>...",
		Short: "Register appointments so patients can start a triage conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid appointment id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			ctx := cmd.Context()
			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.conn == nil {
				return errors.New("the memory store does not persist registrations; use database.seed_appointments")
			}
			dir := adapters.NewSQLAppointmentDirectory(rt.conn)
			for _, id := range ids {
				if err := dir.Register(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered appointment %d\n", id)
			}
			return nil
		},
	}
}
