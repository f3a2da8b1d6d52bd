package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPlanCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the slots a run started now would schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openPreview(cfgPath())
			if err != nil {
				return err
			}
			jobs, err := a.Plan(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tFIRE AT\tIN\tSTYLE\tTOPIC")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.Channel, j.FireAt.Format(time.RFC3339), humanize.Time(j.FireAt), j.Style, j.Topic)
			}
			return tw.Flush()
		},
	}
}
