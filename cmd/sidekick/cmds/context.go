package cmds

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/sidekick/pkg/app"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
)

func NewContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect the context attached to requests",
	}
	var channel string
	preview := &cobra.Command{
		Use:   "preview [query...]",
		Short: "Print the prompt a query would be sent with, and its token count",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			builder, err := app.NewBuilder(s.Context)
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			hint := contextsnap.Hint{ChannelName: strings.TrimPrefix(channel, "#"), Query: query}
			snap := builder.Build(cmd.Context(), hint)
			prompt := contextsnap.RenderPrompt(query, snap, time.Now())

			counter, err := contextsnap.NewTokenCounter(s.Context.Encoding)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, prompt)
			sum := snap.Summary()
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "messages: %d, users: %s, range: %s, tokens: %d\n",
				sum.MessageCount, strings.Join(sum.UserNames, ", "), sum.DateRange, counter.Count(prompt))
			return nil
		},
	}
	preview.Flags().StringVar(&channel, "channel", "", "Channel name used as context")
	cmd.AddCommand(preview)
	return cmd
}
