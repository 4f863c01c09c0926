package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"
)

func newStatusCmd() *cobra.Command {
	var (
		wait         bool
		timeout      time.Duration
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <item_id>",
		Short: "Show the state of a queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}

			if wait {
				return waitForItem(cmd, id, run.PollOptions{Interval: pollInterval, Timeout: timeout})
			}

			item, err := client.GetItem(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get item: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Item:     %d\n", item.ItemID)
			fmt.Fprintf(out, "  Queue:   %s\n", client.QueueID())
			fmt.Fprintf(out, "  Batch:   %s\n", item.BatchID)
			fmt.Fprintf(out, "  Session: %s\n", item.SessionID)
			fmt.Fprintf(out, "  Status:  %s\n", item.Status)
			if item.ErrorType != "" || item.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error:   %s: %s\n", item.ErrorType, item.ErrorMessage)
			}
			if item.CreatedAt != nil {
				fmt.Fprintf(out, "  Created: %s\n", item.CreatedAt.Format(time.RFC3339))
			}
			if item.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s\n", item.CompletedAt.Format(time.RFC3339))
			}
			for _, o := range item.Outputs {
				fmt.Fprintf(out, "  Output:  %s\n", o.ImageName)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&wait, "wait", false, "Poll until the item finishes")
	f.DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	f.DurationVar(&pollInterval, "poll-interval", run.DefaultPollInterval, "Delay between status polls")
	return cmd
}

// waitForItem follows an item enqueued elsewhere until it finishes and
// records its outcome in the history store.
func waitForItem(cmd *cobra.Command, id int, opts run.PollOptions) error {
	ctx := cmd.Context()
	st, err := openHistory(ctx)
	if err != nil {
		return err
	}
	var rec run.Recorder
	if st != nil {
		defer st.Close()
		rec = st
	}

	job, err := newRunner(rec, false).Attach(ctx, id)
	if err != nil {
		return fmt.Errorf("get item: %w", err)
	}
	out := cmd.OutOrStdout()
	opts.OnStatus = func(it *queue.Item) { fmt.Fprintf(out, "  status: %s\n", it.Status) }

	item, err := job.Wait(ctx, opts)
	if err != nil {
		return err
	}
	printOutcome(out, item)
	return nil
}

func parseItemID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid item id %q", s)
	}
	return id, nil
}
