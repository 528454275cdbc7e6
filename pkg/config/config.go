// Package config loads sidekick settings from defaults, a YAML config file,
// SIDEKICK_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/sidekick/pkg/logging"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

const EnvPrefix = "SIDEKICK"

type Settings struct {
	Log     logging.Settings       `mapstructure:"log" yaml:"log"`
	Session SessionSettings        `mapstructure:"session" yaml:"session"`
	Context ContextSettings        `mapstructure:"context" yaml:"context"`
	Backend BackendSettings        `mapstructure:"backend" yaml:"backend"`
	Store   StoreSettings          `mapstructure:"store" yaml:"store"`
	Events  sessionevents.Settings `mapstructure:"events" yaml:"events"`
	Server  ServerSettings         `mapstructure:"server" yaml:"server"`
}

type SessionSettings struct {
	HistoryLimit   int           `mapstructure:"history-limit" yaml:"history-limit"`
	HistoryTurns   int           `mapstructure:"history-turns" yaml:"history-turns"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	SystemPrompt   string        `mapstructure:"system-prompt" yaml:"system-prompt,omitempty"`
}

// ContextSettings selects where channel context comes from. Source is one of
// "none", "fixture" or "slack". SlackUserToken is used for search.messages,
// which bot tokens cannot call.
type ContextSettings struct {
	Source         string        `mapstructure:"source" yaml:"source"`
	MaxItems       int           `mapstructure:"max-items" yaml:"max-items"`
	FetchTimeout   time.Duration `mapstructure:"fetch-timeout" yaml:"fetch-timeout"`
	TokenBudget    int           `mapstructure:"token-budget" yaml:"token-budget"`
	Encoding       string        `mapstructure:"encoding" yaml:"encoding"`
	Fixture        string        `mapstructure:"fixture" yaml:"fixture,omitempty"`
	WatchFixture   bool          `mapstructure:"watch-fixture" yaml:"watch-fixture,omitempty"`
	SlackToken     string        `mapstructure:"slack-token" yaml:"slack-token,omitempty"`
	SlackUserToken string        `mapstructure:"slack-user-token" yaml:"slack-user-token,omitempty"`
	SlackBaseURL   string        `mapstructure:"slack-base-url" yaml:"slack-base-url,omitempty"`
}

// BackendSettings selects the assistant client. Kind is one of "sse",
// "anthropic", "openai", "scripted" or "echo".
type BackendSettings struct {
	Kind      string `mapstructure:"kind" yaml:"kind"`
	URL       string `mapstructure:"url" yaml:"url,omitempty"`
	APIKey    string `mapstructure:"api-key" yaml:"api-key,omitempty"`
	Model     string `mapstructure:"model" yaml:"model,omitempty"`
	MaxTokens int    `mapstructure:"max-tokens" yaml:"max-tokens,omitempty"`
	Script    string `mapstructure:"script" yaml:"script,omitempty"`
}

type StoreSettings struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type ServerSettings struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	IdleTimeout      time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction-interval" yaml:"eviction-interval"`
}

var defaults = map[string]any{
	"log.level":       "info",
	"log.format":      "auto",
	"log.with-caller": false,

	"session.history-limit":   200,
	"session.history-turns":   10,
	"session.request-timeout": 60 * time.Second,
	"session.system-prompt":   "",

	"context.source":           "none",
	"context.max-items":        50,
	"context.fetch-timeout":    5 * time.Second,
	"context.token-budget":     0,
	"context.encoding":         "cl100k_base",
	"context.fixture":          "",
	"context.watch-fixture":    false,
	"context.slack-token":      "",
	"context.slack-user-token": "",
	"context.slack-base-url":   "",

	"backend.kind":       "echo",
	"backend.url":        "",
	"backend.api-key":    "",
	"backend.model":      "",
	"backend.max-tokens": 0,
	"backend.script":     "",

	"store.kind": "memory",
	"store.path": "",

	"events.redis-enabled":  false,
	"events.redis-addr":     "localhost:6379",
	"events.redis-group":    "sidekick",
	"events.redis-consumer": "sidekick-1",

	"server.addr":              ":8080",
	"server.idle-timeout":      15 * time.Minute,
	"server.eviction-interval": time.Minute,
}

// New returns a viper instance with defaults and environment binding. When
// configFile is empty the default locations are searched and a missing file
// is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "could not read config file %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range searchPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "could not read config file")
		}
	}
	return v, nil
}

func searchPaths() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "sidekick"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "sidekick"))
	}
	return append(dirs, ".")
}

// Load decodes v into Settings and validates the enumerated fields.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.Context.Source {
	case "none", "fixture", "slack":
	default:
		return errors.Errorf("unknown context source %q", s.Context.Source)
	}
	if s.Context.Source == "fixture" && s.Context.Fixture == "" {
		return errors.New("context.fixture is required when context.source is fixture")
	}
	switch s.Backend.Kind {
	case "sse", "anthropic", "openai", "scripted", "echo":
	default:
		return errors.Errorf("unknown backend kind %q", s.Backend.Kind)
	}
	if s.Backend.Kind == "sse" && s.Backend.URL == "" {
		return errors.New("backend.url is required for the sse backend")
	}
	switch s.Store.Kind {
	case "memory":
	case "sqlite":
		if s.Store.Path == "" {
			return errors.New("store.path is required for the sqlite store")
		}
	default:
		return errors.Errorf("unknown store kind %q", s.Store.Kind)
	}
	if s.Session.RequestTimeout <= 0 {
		return errors.New("session.request-timeout must be positive")
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "****"
	}
	s.Backend.APIKey = mask(s.Backend.APIKey)
	s.Context.SlackToken = mask(s.Context.SlackToken)
	s.Context.SlackUserToken = mask(s.Context.SlackUserToken)
	return s
}

// Dump writes the settings as YAML with secrets redacted.
func Dump(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.Redacted()); err != nil {
		return errors.Wrap(err, "could not encode settings")
	}
	return enc.Close()
}
