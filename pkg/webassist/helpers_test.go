package webassist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, c client.Client) *SessionManager {
	t.Helper()
	bus, err := sessionevents.NewBus(sessionevents.Settings{})
	require.NoError(t, err)
	m, err := NewSessionManager(ManagerOptions{
		BaseCtx: context.Background(),
		Bus:     bus,
		Factory: func(id string, _ Kind) (*assistant.Engine, error) {
			return assistant.New(c, assistant.WithID(id), assistant.WithLogger(zerolog.Nop())), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		_ = bus.Close()
	})
	return m
}

func newTestServer(t *testing.T, m *SessionManager) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandlers(m).Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func getStatus(t *testing.T, base, id string) assistant.Status {
	t.Helper()
	resp := do(t, http.MethodGet, base+"/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[assistant.Status](t, resp)
}
