package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/invokeflow/internal/store"
	"github.com/me/invokeflow/pkg/queue"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		offset int
		status string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List jobs submitted from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			st, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Fprintln(out, "History is disabled.")
				return nil
			}
			defer st.Close()

			jobs, total, err := st.ListJobs(cmd.Context(), store.ListOptions{
				Limit:   limit,
				Offset:  offset,
				QueueID: cfg.Queue,
				Status:  queue.Status(status),
			})
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			fmt.Fprintf(out, "%-8s  %-10s  %-30s  %-20s  %s\n", "ITEM", "STATUS", "WORKFLOW", "SUBMITTED", "OUTPUTS")
			fmt.Fprintf(out, "%-8s  %-10s  %-30s  %-20s  %s\n", "----", "------", "--------", "---------", "-------")
			for _, j := range jobs {
				s := string(j.Status)
				if s == "" {
					s = "-"
				}
				fmt.Fprintf(out, "%-8d  %-10s  %-30s  %-20s  %s\n",
					j.ItemID, s, j.WorkflowName, j.SubmittedAt.Local().Format(time.DateTime), strings.Join(j.Outputs, ","))
			}

			if offset+len(jobs) < total {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")
	cmd.Flags().StringVar(&status, "status", "", "Only show jobs with this final status")
	return cmd
}
