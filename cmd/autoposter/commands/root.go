package commands

import (
	"github.com/spf13/cobra"

	"autoposter/internal/app"
	"autoposter/internal/storage"
)

const defaultConfigPath = "./autoposter.yaml"

// NewRoot builds the command tree.
func NewRoot(version string) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "autoposter",
		Short: "Schedules and publishes generated posts across social channels",
		Long: `autoposter plans randomized posting slots inside a daily window, generates
text (and optionally an image) for each slot, and publishes it to every
enabled channel. Failures are recorded and alerted without stopping later jobs.`,
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (yaml or json)")

	cfg := func() string { return cfgPath }
	root.AddCommand(
		newRunCmd(cfg),
		newPlanCmd(cfg),
		newCheckAuthCmd(cfg),
		newPostNowCmd(cfg),
		newEngageCmd(cfg),
	)
	return root
}

// openPreview builds the app on a throwaway store so previews leave no
// activity or style rotation behind.
func openPreview(cfgPath string) (*app.App, error) {
	return app.New(cfgPath, app.WithStorage(storage.NewMemory()))
}
