package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sidekick/pkg/app"
	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/webassist"
)

type askSettings struct {
	Channel string
	Session string
	Action  string
	Copy    bool
	Raw     bool
}

func NewAskCommand() *cobra.Command {
	as := &askSettings{}
	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Ask the assistant and stream the answer",
		Long: `Ask the assistant a question and stream the answer to stdout.

With --channel the recent messages of that channel are attached as context.
Use --session together with the sqlite store to continue an earlier conversation.
Ctrl-C cancels the request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, as, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&as.Channel, "channel", "", "Channel id or name used as context")
	cmd.Flags().StringVar(&as.Session, "session", "", "Session id (default: a new one)")
	cmd.Flags().StringVar(&as.Action, "action", "", "Canned prompt: summarize, find, draft or daily")
	cmd.Flags().BoolVar(&as.Copy, "copy", false, "Copy the answer to the clipboard")
	cmd.Flags().BoolVar(&as.Raw, "raw", false, "Never render markdown")
	return cmd
}

func runAsk(cmd *cobra.Command, as *askSettings, query string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	res, err := app.New(s)
	if err != nil {
		return err
	}
	defer func() { _ = res.Close() }()

	sessionID := as.Session
	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()
	}
	// with a context source configured, #mentions in the query resolve too
	kind := webassist.KindGeneral
	if as.Channel != "" || s.Context.Source != "none" {
		kind = webassist.KindChannel
	}
	eng, err := res.NewEngine(sessionID, kind)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	updates, unsubscribe := eng.Subscribe(64)
	defer unsubscribe()

	hint := contextsnap.Hint{Query: query}
	if strings.HasPrefix(as.Channel, "#") || !looksLikeChannelID(as.Channel) {
		hint.ChannelName = strings.TrimPrefix(as.Channel, "#")
	} else {
		hint.ChannelID = as.Channel
	}
	requestID, err := askWithAction(ctx, eng, as.Action, query, hint)
	if err != nil {
		return err
	}
	log.Debug().Str("session_id", sessionID).Str("request_id", requestID).Msg("asked")

	out := cmd.OutOrStdout()
	render := !as.Raw && isTerminal(out)
	st, completed, err := follow(ctx, eng, updates, requestID, out, !render)
	if err != nil {
		return err
	}
	switch {
	case st.State == assistant.StateErrored:
		return errors.Errorf("%s: %s", st.ErrorKind, st.LastError)
	case !completed:
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "cancelled")
		return nil
	}

	if render {
		rendered, err := glamour.Render(st.ResponseText, "dark")
		if err != nil {
			rendered = st.ResponseText
		}
		_, _ = fmt.Fprint(out, rendered)
	} else {
		_, _ = fmt.Fprintln(out)
	}
	if !st.Context.IsZero() {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "context: %s, %d messages\n", strings.Join(st.Context.ChannelNames, ", "), st.Context.MessageCount)
	}
	if as.Copy {
		if err := clipboard.WriteAll(st.ResponseText); err != nil {
			return errors.Wrap(err, "error copying to clipboard")
		}
	}
	return nil
}

func askWithAction(ctx context.Context, eng *assistant.Engine, action, query string, hint contextsnap.Hint) (string, error) {
	switch action {
	case "":
		return eng.Ask(ctx, query, hint)
	case webassist.ActionSummarize:
		return eng.SummarizeChannel(ctx, hint)
	case webassist.ActionFind:
		return eng.FindMessages(ctx, query, hint)
	case webassist.ActionDraft:
		return eng.DraftReply(ctx, query, hint)
	case webassist.ActionDaily:
		return eng.DailySummary(ctx, hint)
	default:
		return "", errors.Errorf("unknown action %q", action)
	}
}

// follow prints the answer as it grows when live is set and returns the
// final status of the request and whether it completed. Cancelling ctx
// cancels the request.
func follow(ctx context.Context, eng *assistant.Engine, updates <-chan assistant.Update, requestID string, out io.Writer, live bool) (assistant.Status, bool, error) {
	printed := 0
	completed := false
	emit := func(st assistant.Status) {
		if !live || st.RequestID != requestID || len(st.ResponseText) <= printed {
			return
		}
		_, _ = io.WriteString(out, st.ResponseText[printed:])
		printed = len(st.ResponseText)
	}
	seen := func(u assistant.Update) {
		if u.Appended != nil && u.Appended.ID == requestID {
			completed = true
		}
	}
	for {
		st := eng.Status()
		emit(st)
		if st.RequestID != requestID || !st.State.Active() {
			// the update recording the exchange may still be queued
		drain:
			for {
				select {
				case u, ok := <-updates:
					if !ok {
						break drain
					}
					seen(u)
				default:
					break drain
				}
			}
			return st, completed, nil
		}
		select {
		case <-ctx.Done():
			eng.Cancel()
			return eng.Status(), false, nil
		case u, ok := <-updates:
			if !ok {
				return eng.Status(), false, assistant.ErrClosed
			}
			seen(u)
		}
	}
}

func looksLikeChannelID(s string) bool {
	if len(s) < 2 {
		return false
	}
	return strings.ToUpper(s) == s && strings.ContainsAny(s[:1], "CGD")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
