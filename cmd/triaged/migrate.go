package main

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/db"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.conn == nil {
				return errors.New("the memory store has no schema to migrate")
			}
			// bootstrap already migrated when database.migrate is set
			if !rt.cfg.Database.Migrate {
				if err := db.Migrate(ctx, rt.conn, rt.logger); err != nil {
					return err
				}
			}
			version, err := db.Version(ctx, rt.conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
