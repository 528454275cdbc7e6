package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sidekick/pkg/config"
	"github.com/go-go-golems/sidekick/pkg/logging"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sidekick",
		Short:         "sidekick is a streaming assistant for team chat",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return logging.Init(s.Log, cmd.ErrOrStderr())
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		NewServeCommand(),
		NewAskCommand(),
		NewHistoryCommand(),
		NewConfigCommand(),
		NewContextCommand(),
	)
	return rootCmd
}

func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	return config.FromFlags(cmd.Flags())
}
