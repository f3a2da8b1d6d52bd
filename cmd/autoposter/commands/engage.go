package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"autoposter/internal/app"
)

func newEngageCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "engage",
		Short: "Run one engagement pass on the shortform channel now",
		Long: `engage follows accounts that recently mentioned or replied to the account,
likes the latest post of recent followers, and unfollows accounts that did not
follow back within engagement.unfollow_after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfgPath())
			if err != nil {
				return err
			}
			defer stop(a, app.StopCompleted)

			rep, err := a.Engage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "followed=%d liked=%d unfollowed=%d errors=%d\n",
				rep.Followed, rep.Liked, rep.Unfollowed, rep.Errors)
			return nil
		},
	}
}
