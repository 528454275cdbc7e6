package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-format":      "log.format",
	"backend":         "backend.kind",
	"backend-url":     "backend.url",
	"model":           "backend.model",
	"context-source":  "context.source",
	"fixture":         "context.fixture",
	"watch-fixture":   "context.watch-fixture",
	"store":           "store.kind",
	"store-path":      "store.path",
	"request-timeout": "session.request-timeout",
	"addr":            "server.addr",
	"redis-enabled":   "events.redis-enabled",
	"redis-addr":      "events.redis-addr",
}

// AddFlags registers the global flags. Their defaults are placeholders only,
// unset flags never override the config file.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "Log format (auto, text, json)")
	fs.String("backend", "echo", "Assistant backend (sse, anthropic, openai, scripted, echo)")
	fs.String("backend-url", "", "Backend URL")
	fs.String("model", "", "Model name")
	fs.String("context-source", "none", "Context source (none, fixture, slack)")
	fs.String("fixture", "", "YAML fixture for the fixture context source")
	fs.Bool("watch-fixture", false, "Reload the fixture when it changes on disk")
	fs.String("store", "memory", "History store (memory, sqlite)")
	fs.String("store-path", "", "SQLite database path")
	fs.Duration("request-timeout", 0, "Per-request timeout")
	fs.String("addr", ":8080", "HTTP listen address")
	fs.Bool("redis-enabled", false, "Publish session updates over Redis Streams")
	fs.String("redis-addr", "localhost:6379", "Redis address host:port")
}

// BindFlags binds every registered flag present in fs to its key in v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "could not bind flag --%s", name)
		}
	}
	return nil
}

// FromFlags builds settings from an explicit --config flag (if any), the
// environment and the bound flags.
func FromFlags(fs *pflag.FlagSet) (Settings, error) {
	configFile, _ := fs.GetString("config")
	v, err := New(configFile)
	if err != nil {
		return Settings{}, err
	}
	if err := BindFlags(v, fs); err != nil {
		return Settings{}, err
	}
	return Load(v)
}
