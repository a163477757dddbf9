package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine"

	"github.com/spf13/cobra"
)

func newResumeCmd(configPath *string) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Answer every patient turn left without a reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if concurrency <= 0 {
				concurrency = rt.cfg.Recovery.Concurrency
			}
			e, err := engine.NewFactory(rt.cfg, rt.conn, rt.logger).CreateEngine(ctx)
			if err != nil {
				return err
			}
			results, err := e.ResumePending(ctx, concurrency)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(out, "appointment %d: %v\n", r.AppointmentID, r.Err)
					continue
				}
				fmt.Fprintf(out, "appointment %d: %s\n", r.AppointmentID, r.Reply.Condition)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d appointments could not be resumed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "appointments resumed in parallel (default: recovery.concurrency)")
	return cmd
}
