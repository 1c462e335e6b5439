package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/knowton/cdcsync/consistency"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/publisher"
	"github.com/spf13/cobra"
)

var replayFilter journal.DeadLetterFilter

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply dead-lettered events and remove the ones that succeed",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, c, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := publisher.NewReplayer(a.dispatcher, a.journal).Replay(ctx, replayFilter)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d dead letters failed again", summary.Failed)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one consistency validation and print the reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, c, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		validator, err := a.validator(ctx)
		if err != nil {
			return err
		}
		reports, err := validator.Validate(ctx)
		if err != nil {
			return err
		}

		state := consistency.SignalOf(reports, c.Consistency.DiscrepancyThreshold)
		if err := printJSON(cmd.OutOrStdout(), map[string]any{"signal": state, "reports": reports}); err != nil {
			return err
		}
		if state == consistency.SignalDrift {
			return fmt.Errorf("consistency drift detected")
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFilter.Table, "table", "", "only replay dead letters of this table")
	replayCmd.Flags().StringVar(&replayFilter.Sink, "sink", "", "only replay dead letters of this sink")
	replayCmd.Flags().IntVar(&replayFilter.Limit, "limit", 0, "maximum number of dead letters to replay")
}
