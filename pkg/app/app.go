// Package app turns settings into the clients, context builders and stores
// that back assistant sessions.
package app

import (
	stderrors "errors"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/client/anthropic"
	"github.com/go-go-golems/sidekick/pkg/client/openai"
	"github.com/go-go-golems/sidekick/pkg/client/scripted"
	"github.com/go-go-golems/sidekick/pkg/client/sse"
	"github.com/go-go-golems/sidekick/pkg/config"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/contextsnap/slack"
	"github.com/go-go-golems/sidekick/pkg/history"
	"github.com/go-go-golems/sidekick/pkg/webassist"
)

// Resources holds everything shared by the sessions of one process.
type Resources struct {
	Settings config.Settings
	Client   client.Client
	Builder  contextsnap.Builder

	sqlite  *history.SQLiteStore
	watcher *contextsnap.FixtureWatcher
}

func New(s config.Settings) (*Resources, error) {
	c, err := NewClient(s.Backend)
	if err != nil {
		return nil, err
	}
	r := &Resources{Settings: s, Client: c}
	if s.Context.Source == "fixture" && s.Context.WatchFixture {
		r.watcher, err = contextsnap.WatchFixture(s.Context.Fixture, fixtureDebounce)
		if err != nil {
			return nil, err
		}
		r.Builder, err = channelBuilder(r.watcher, s.Context)
	} else {
		r.Builder, err = NewBuilder(s.Context)
	}
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	if s.Store.Kind == "sqlite" {
		r.sqlite, err = OpenSQLite(s.Store.Path, s.Session.HistoryLimit)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

const fixtureDebounce = 200 * time.Millisecond

func (r *Resources) Close() error {
	var errs []error
	if r.watcher != nil {
		errs = append(errs, r.watcher.Close())
	}
	if r.sqlite != nil {
		errs = append(errs, r.sqlite.Close())
	}
	return stderrors.Join(errs...)
}

// SQLite returns the shared history database, nil for the memory store.
func (r *Resources) SQLite() *history.SQLiteStore { return r.sqlite }

// Store returns the history store for one session.
func (r *Resources) Store(sessionID string) history.Store {
	if r.sqlite != nil {
		return r.sqlite.Session(sessionID)
	}
	return history.NewMemoryStore(r.Settings.Session.HistoryLimit)
}

// NewEngine builds the engine of one session. General sessions answer
// without channel context.
func (r *Resources) NewEngine(sessionID string, kind webassist.Kind) (*assistant.Engine, error) {
	opts := []assistant.Option{
		assistant.WithID(sessionID),
		assistant.WithStore(r.Store(sessionID)),
		assistant.WithTimeout(r.Settings.Session.RequestTimeout),
		assistant.WithHistoryTurns(r.Settings.Session.HistoryTurns),
		assistant.WithLogger(log.Logger),
	}
	if p := r.Settings.Session.SystemPrompt; p != "" {
		opts = append(opts, assistant.WithSystemPrompt(p))
	}
	if kind == webassist.KindChannel {
		opts = append(opts, assistant.WithBuilder(r.Builder))
	}
	return assistant.New(r.Client, opts...), nil
}

func OpenSQLite(path string, limit int) (*history.SQLiteStore, error) {
	dsn, err := history.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return history.NewSQLiteStore(dsn, limit)
}

// NewClient selects the assistant backend. API keys fall back to the
// conventional environment variables.
func NewClient(s config.BackendSettings) (client.Client, error) {
	switch s.Kind {
	case "sse":
		if s.URL == "" {
			return nil, errors.New("sse backend requires a url")
		}
		return sse.New(s.URL, sse.WithAPIKey(s.APIKey)), nil
	case "anthropic":
		key := s.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return anthropic.New(key,
			anthropic.WithBaseURL(s.URL),
			anthropic.WithModel(s.Model),
			anthropic.WithMaxTokens(s.MaxTokens),
		), nil
	case "openai":
		key := s.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(openai.Settings{APIKey: key, BaseURL: s.URL, Model: s.Model, MaxTokens: s.MaxTokens}), nil
	case "scripted":
		return scripted.New(s.Script, 0)
	case "echo", "":
		return scripted.Echo(20 * time.Millisecond), nil
	default:
		return nil, errors.Errorf("unknown backend kind %q", s.Kind)
	}
}

// NewBuilder selects where channel context comes from.
func NewBuilder(s config.ContextSettings) (contextsnap.Builder, error) {
	var src contextsnap.Source
	switch s.Source {
	case "none", "":
		return contextsnap.None{}, nil
	case "fixture":
		static, err := contextsnap.LoadStaticSource(s.Fixture)
		if err != nil {
			return nil, err
		}
		src = static
	case "slack":
		token := s.SlackToken
		if token == "" {
			token = os.Getenv("SLACK_BOT_TOKEN")
		}
		if token == "" {
			return nil, errors.New("slack context source requires a token")
		}
		var slackOpts []slack.Option
		if s.SlackBaseURL != "" {
			slackOpts = append(slackOpts, slack.WithBaseURL(s.SlackBaseURL))
		}
		userToken := s.SlackUserToken
		if userToken == "" {
			userToken = os.Getenv("SLACK_USER_TOKEN")
		}
		if userToken != "" {
			slackOpts = append(slackOpts, slack.WithUserToken(userToken))
		}
		src = slack.New(token, slackOpts...)
	default:
		return nil, errors.Errorf("unknown context source %q", s.Source)
	}
	return channelBuilder(src, s)
}

func channelBuilder(src contextsnap.Source, s config.ContextSettings) (contextsnap.Builder, error) {
	opts := []contextsnap.Option{
		contextsnap.WithMaxItems(s.MaxItems),
		contextsnap.WithFetchTimeout(s.FetchTimeout),
		contextsnap.WithLogger(log.Logger),
	}
	if s.TokenBudget > 0 {
		counter, err := contextsnap.NewTokenCounter(s.Encoding)
		if err != nil {
			return nil, err
		}
		opts = append(opts, contextsnap.WithTokenBudget(s.TokenBudget, counter))
	}
	return contextsnap.NewChannelBuilder(src, opts...), nil
}
