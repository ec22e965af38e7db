package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
)

var (
	dispatchSubject   string
	dispatchField     string
	dispatchReplyTo   string
	dispatchTracking  bool
	dispatchFeedback  bool
	dispatchScheduled bool
	previewLimit      int
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <campaign-id>",
	Short: "Send a campaign now",
	Long: `Send a campaign to its filtered audience. With --scheduled the stored
email settings are used, as a scheduled run would.`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

var previewCmd = &cobra.Command{
	Use:   "preview <campaign-id>",
	Short: "Render a campaign without sending it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchSubject, "subject", "", "email subject")
	dispatchCmd.Flags().StringVar(&dispatchField, "field", "", "datalab field holding the recipient address")
	dispatchCmd.Flags().StringVar(&dispatchReplyTo, "reply-to", "", "reply-to address")
	dispatchCmd.Flags().BoolVar(&dispatchTracking, "tracking", false, "include the open-tracking marker")
	dispatchCmd.Flags().BoolVar(&dispatchFeedback, "feedback", false, "include the feedback link")
	dispatchCmd.Flags().BoolVar(&dispatchScheduled, "scheduled", false, "run with the stored settings")

	previewCmd.Flags().IntVar(&previewLimit, "limit", 5, "number of records to print (0 = all)")

	rootCmd.AddCommand(dispatchCmd, previewCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var job *campaign.EmailJob
	if dispatchScheduled {
		job, err = a.Executor().RunScheduled(ctx, args[0])
	} else {
		job, err = a.Executor().RunManual(ctx, args[0], campaign.EmailSettings{
			Subject:         dispatchSubject,
			Field:           dispatchField,
			ReplyTo:         dispatchReplyTo,
			IncludeTracking: dispatchTracking,
			IncludeFeedback: dispatchFeedback,
		})
	}
	if err != nil {
		return err
	}

	fmt.Printf("Job %s (%s)\n", job.JobID, job.Type)
	fmt.Printf("  Sent:   %d\n", len(job.Emails))
	fmt.Printf("  Failed: %d\n", len(job.Failed))
	for _, f := range job.Failed {
		fmt.Printf("    - %s: %s\n", f.Recipient, f.Reason)
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.Executor().Preview(ctx, args[0], nil)
	if err != nil {
		return err
	}

	fmt.Printf("Audience: %d records\n", len(p.Data))
	for i, c := range p.Content {
		if previewLimit > 0 && i >= previewLimit {
			fmt.Printf("... %d more\n", len(p.Content)-i)
			break
		}
		fmt.Printf("\n--- %v\n%s\n", p.Data[i], c)
	}
	return nil
}
