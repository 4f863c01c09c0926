package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/invokeflow/pkg/workflow"
)

func newInputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inputs <workflow.json>",
		Short: "List the form inputs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := loadHandle(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			def := h.Definition()
			fmt.Fprintf(out, "Workflow: %s", def.Name)
			if def.Version != "" {
				fmt.Fprintf(out, " (v%s)", def.Version)
			}
			fmt.Fprintln(out)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tLABEL\tNODE\tFIELD\tKIND\tREQUIRED\tVALUE")
			for _, in := range h.Inputs() {
				req := ""
				if in.Required() {
					req = "yes"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					in.Index(), in.Label(), in.NodeName(), in.Ref(), in.Kind(), req, formatValue(in.Field().Value()))
			}
			return tw.Flush()
		},
	}
}

func loadHandle(path string) (*workflow.Handle, error) {
	def, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.NewHandle(def)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		return fmt.Sprintf("%q", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
