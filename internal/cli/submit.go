package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/invokeflow/pkg/events"
	"github.com/me/invokeflow/pkg/queue"
	"github.com/me/invokeflow/pkg/run"
)

func newSubmitCmd() *cobra.Command {
	var (
		sets           []string
		inputsFile     string
		board          string
		prepend        bool
		pruneConnected bool
		wait           string
		timeout        time.Duration
		pollInterval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow.json>",
		Short: "Fill in a workflow's inputs and enqueue it",
		Long: `Load a workflow, apply input values and enqueue it on the server.

Inputs are addressed by index (see "invokeflow inputs") or as node_id.field:
  invokeflow submit t2i.json --set 0="a cat" --set denoise.steps=20

--wait selects how the job is followed: poll (default), events (push
channel), stream (push channel, every event printed) or none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch wait {
			case "poll", "events", "stream", "none":
			default:
				return fmt.Errorf("--wait: unknown mode %q (want poll, events, stream or none)", wait)
			}

			h, err := loadHandle(args[0])
			if err != nil {
				return err
			}
			if inputsFile != "" {
				if err := applyValuesFile(h, inputsFile); err != nil {
					return err
				}
			}
			if err := applySets(h, sets); err != nil {
				return err
			}

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

			runner := newRunner(rec, wait == "events" || wait == "stream")
			opts := run.SubmitOptions{
				BoardID:        board,
				Prepend:        prepend,
				PruneConnected: pruneConnected,
				Origin:         "invokeflow",
			}
			out := cmd.OutOrStdout()

			if wait == "stream" {
				for ev, err := range runner.Stream(ctx, h, run.StreamOptions{Submit: opts, Timeout: timeout}) {
					if err != nil {
						return err
					}
					printEvent(out, ev)
				}
				return nil
			}

			job, err := runner.Submit(ctx, h, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Enqueued item %d (batch %s, session %s)\n", job.ItemID(), job.BatchID(), job.SessionID())

			var item *queue.Item
			switch wait {
			case "none":
				return nil
			case "events":
				item, err = job.Await(ctx, run.AwaitOptions{
					Timeout: timeout,
					Callbacks: run.Callbacks{
						OnStarted:  func(ev events.Event) { printEvent(out, ev) },
						OnProgress: func(ev events.Event) { printEvent(out, ev) },
						OnError:    func(ev events.Event) { printEvent(out, ev) },
						OnStatus:   func(ev events.Event) { printEvent(out, ev) },
					},
				})
			default:
				item, err = job.Wait(ctx, run.PollOptions{
					Interval: pollInterval,
					Timeout:  timeout,
					OnStatus: func(it *queue.Item) { fmt.Fprintf(out, "  status: %s\n", it.Status) },
				})
			}
			if err != nil {
				return err
			}
			printOutcome(out, item)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&sets, "set", nil, "Set an input, index=value or node_id.field=value (repeatable)")
	f.StringVarP(&inputsFile, "inputs", "i", "", "YAML file mapping inputs to values")
	f.StringVar(&board, "board", "", "Board for outputs; replaces \"auto\" boards")
	f.BoolVar(&prepend, "prepend", false, "Put the batch at the front of the queue")
	f.BoolVar(&pruneConnected, "prune-connected", false, "Drop inline values of fields fed by an edge")
	f.StringVar(&wait, "wait", "poll", "How to follow the job: poll, events, stream or none")
	f.DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long (the job keeps running)")
	f.DurationVar(&pollInterval, "poll-interval", run.DefaultPollInterval, "Delay between status polls")
	return cmd
}

func printEvent(w io.Writer, ev events.Event) {
	switch ev.Kind {
	case events.KindSubmission:
		fmt.Fprintf(w, "Enqueued item %d (batch %s, session %s)\n", ev.ItemID, ev.BatchID, ev.SessionID)
	case events.KindInvocationProgress:
		if ev.Progress != nil {
			fmt.Fprintf(w, "  [%s] %3.0f%% %s\n", ev.NodeID, *ev.Progress*100, ev.Message)
		} else {
			fmt.Fprintf(w, "  [%s] %s\n", ev.NodeID, ev.Message)
		}
	case events.KindInvocationError:
		fmt.Fprintf(w, "  [%s] error: %s: %s\n", ev.NodeID, ev.ErrorType, ev.ErrorMessage)
	case events.KindQueueItemStatusChanged:
		fmt.Fprintf(w, "  status: %s\n", ev.Status)
	case events.KindGraphComplete:
		fmt.Fprintln(w, "  graph complete")
	default:
		fmt.Fprintf(w, "  [%s] %s\n", ev.NodeID, ev.Kind)
	}
}

func printOutcome(w io.Writer, item *queue.Item) {
	fmt.Fprintf(w, "Item %d %s\n", item.ItemID, item.Status)
	for _, o := range item.Outputs {
		fmt.Fprintf(w, "  output: %s", o.ImageName)
		if o.NodeID != "" {
			fmt.Fprintf(w, " (%s)", o.NodeID)
		}
		fmt.Fprintln(w)
	}
}
