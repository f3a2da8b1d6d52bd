package commands

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"autoposter/internal/app"
	"autoposter/internal/poster"
)

func newPostNowCmd(cfgPath func() string) *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "post-now",
		Short: "Run one job for a channel immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfgPath())
			if err != nil {
				return err
			}
			defer stop(a, app.StopCompleted)

			res, err := a.PostNow(cmd.Context(), channelID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", res.Job.Channel, res.State, res.Detail)
			if res.State != poster.StatePosted {
				return errors.Newf("job %s ended %s", res.Job.ID, res.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id: shortform, page, photo or video")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
