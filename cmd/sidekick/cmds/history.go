package cmds

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/sidekick/pkg/app"
	"github.com/go-go-golems/sidekick/pkg/config"
	"github.com/go-go-golems/sidekick/pkg/history"
)

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the persisted conversation history (sqlite store)",
	}
	cmd.AddCommand(newHistorySessionsCommand(), newHistoryListCommand(), newHistoryClearCommand())
	return cmd
}

func openHistory(cmd *cobra.Command) (*history.SQLiteStore, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	return openHistoryFor(s)
}

func openHistoryFor(s config.Settings) (*history.SQLiteStore, error) {
	if s.Store.Kind != "sqlite" {
		return nil, errors.New("history commands require --store sqlite and --store-path")
	}
	return app.OpenSQLite(s.Store.Path, s.Session.HistoryLimit)
}

func newHistorySessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with stored exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tEXCHANGES\tLAST ACTIVITY")
			for _, si := range sessions {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", si.SessionID, si.Exchanges, si.LastActivity.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newHistoryListCommand() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "list <session-id>",
		Short: "Print the exchanges of a session as YAML, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			exchanges, err := store.Session(args[0]).History(cmd.Context())
			if err != nil {
				return err
			}
			if last > 0 {
				exchanges = history.Last(exchanges, last)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(exchanges); err != nil {
				return errors.Wrap(err, "could not encode history")
			}
			return enc.Close()
		},
	}
	cmd.Flags().IntVar(&last, "last", 0, "Only print the last n exchanges")
	return cmd
}

func newHistoryClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Delete the stored exchanges of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.Session(args[0]).Clear(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "cleared history of %s\n", args[0])
			return nil
		},
	}
}
