package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/paperbill/billscan/internal/pipeline"
)

func newScanCmd() *cobra.Command {
	var (
		userID    string
		channelID string
		daysBack  int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one bill scan for a user and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			runCtx, cancel := context.WithTimeout(ctx, a.cfg.Scan.RunTimeout)
			defer cancel()

			return a.runner.Run(runCtx, pipeline.Request{
				UserID:    userID,
				ChannelID: channelID,
				DaysBack:  daysBack,
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id whose mailbox to scan")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id to post the summary to")
	cmd.Flags().IntVar(&daysBack, "days-back", 0, "scan window in days (defaults to scan.days_back)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
