package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() { log.Logger = prev; zerolog.SetGlobalLevel(prevLevel) })

	var buf bytes.Buffer
	require.NoError(t, Init(Settings{Level: "warn", Format: "json"}, &buf))
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "v", line["k"])
}

func TestInitRejectsBadSettings(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() { log.Logger = prev; zerolog.SetGlobalLevel(prevLevel) })

	require.Error(t, Init(Settings{Level: "loud"}, &bytes.Buffer{}))
	require.Error(t, Init(Settings{Format: "xml"}, &bytes.Buffer{}))
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)
	a := NewWatermill(l).With(watermill.LogFields{"topic": "assistant:s1"})
	a.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "boom", line["error"])
	require.Equal(t, "assistant:s1", line["topic"])
	require.Equal(t, "watermill", line["component"])
	require.EqualValues(t, 2, line["attempt"])
}
