package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	v, err := New("")
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "echo", s.Backend.Kind)
	require.Equal(t, "memory", s.Store.Kind)
	require.Equal(t, 200, s.Session.HistoryLimit)
	require.Equal(t, 60*time.Second, s.Session.RequestTimeout)
	require.Equal(t, 5*time.Second, s.Context.FetchTimeout)
	require.Equal(t, ":8080", s.Server.Addr)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  kind: sse
  url: http://file.example/stream
session:
  request-timeout: 30s
store:
  kind: sqlite
  path: /tmp/sidekick.db
`), 0o600))

	t.Setenv("SIDEKICK_BACKEND_URL", "http://env.example/stream")
	t.Setenv("SIDEKICK_SESSION_HISTORY_LIMIT", "7")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--request-timeout", "12s"}))

	s, err := FromFlags(fs)
	require.NoError(t, err)
	require.Equal(t, "sse", s.Backend.Kind)
	require.Equal(t, "http://env.example/stream", s.Backend.URL)
	require.Equal(t, 7, s.Session.HistoryLimit)
	require.Equal(t, 12*time.Second, s.Session.RequestTimeout)
	require.Equal(t, "sqlite", s.Store.Kind)
	// unset flags keep the file and default values
	require.Equal(t, ":8080", s.Server.Addr)
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	base := func() Settings {
		v, err := New("")
		require.NoError(t, err)
		s, err := Load(v)
		require.NoError(t, err)
		return s
	}

	s := base()
	s.Backend.Kind = "carrier-pigeon"
	require.ErrorContains(t, s.Validate(), "unknown backend kind")

	s = base()
	s.Backend.Kind = "sse"
	require.ErrorContains(t, s.Validate(), "backend.url")

	s = base()
	s.Store.Kind = "sqlite"
	require.ErrorContains(t, s.Validate(), "store.path")

	s = base()
	s.Context.Source = "fixture"
	require.ErrorContains(t, s.Validate(), "context.fixture")
}

func TestDumpRedactsSecrets(t *testing.T) {
	s := Settings{}
	s.Backend.Kind = "anthropic"
	s.Backend.APIKey = "sk-secret"
	s.Context.SlackToken = "xoxb-secret"
	s.Context.SlackUserToken = "xoxp-secret"

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, s))
	require.NotContains(t, buf.String(), "secret")

	var round map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &round))
	require.Equal(t, "anthropic", round["backend"]["kind"])
	require.Equal(t, "****", round["backend"]["api-key"])
	require.Equal(t, "****", round["context"]["slack-user-token"])
}
