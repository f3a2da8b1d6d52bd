package commands

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newCheckAuthCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-auth",
		Short: "Probe the credentials of every enabled channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openPreview(cfgPath())
			if err != nil {
				return err
			}
			res := a.CheckAuth(cmd.Context())
			failed := 0
			for _, id := range sortedKeys(res) {
				if err := res[id]; err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s unavailable: %v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s ok\n", id)
			}
			if failed > 0 {
				return errors.Newf("%d of %d channels unavailable", failed, len(res))
			}
			return nil
		},
	}
}
