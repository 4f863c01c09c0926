package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [item_id]",
		Short: "Cancel a queue item, or every item but the running one with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if all {
				if len(args) > 0 {
					return fmt.Errorf("--all takes no item id")
				}
				res, err := client.CancelAllExceptCurrent(cmd.Context())
				if err != nil {
					return fmt.Errorf("cancel queue: %w", err)
				}
				fmt.Fprintf(out, "Canceled %d item(s)\n", res.Canceled)
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("an item id or --all is required")
			}
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			item, err := client.CancelItem(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("cancel item: %w", err)
			}
			fmt.Fprintf(out, "Item %d: %s\n", item.ItemID, item.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Cancel all items except the one in progress")
	return cmd
}

func newCancelBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-batch <batch_id>...",
		Short: "Cancel every item of the given batches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.CancelBatches(cmd.Context(), args...)
			if err != nil {
				return fmt.Errorf("cancel batches: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Canceled %d item(s)\n", res.Canceled)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Cancel and remove every item of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.Clear(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d item(s)\n", res.Deleted)
			return nil
		},
	}
}
