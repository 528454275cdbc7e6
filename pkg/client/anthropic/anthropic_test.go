package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/go-go-golems/sidekick/pkg/history"
	"github.com/stretchr/testify/require"
)

func event(w http.ResponseWriter, typ string, v map[string]any) {
	v["type"] = typ
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, b)
}

func TestStreamsContentBlockDeltas(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("x-api-key"))
		require.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		event(w, "message_start", map[string]any{"message": map[string]any{"id": "m1"}})
		event(w, "ping", map[string]any{})
		event(w, "content_block_delta", map[string]any{"delta": map[string]any{"type": "text_delta", "text": "Hello"}})
		event(w, "content_block_delta", map[string]any{"delta": map[string]any{"type": "text_delta", "text": " there"}})
		event(w, "message_stop", map[string]any{})
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL+"/v1"), WithModel("test-model"), WithMaxTokens(99))
	s, err := c.Stream(context.Background(), client.Request{
		Query:        "hi",
		SystemPrompt: "sys",
		History:      []history.Exchange{{Query: "q0", Answer: "a0"}},
	})
	require.NoError(t, err)
	text, err := client.Collect(s, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello there", text)

	require.Equal(t, "test-model", got.Model)
	require.Equal(t, 99, got.MaxTokens)
	require.Equal(t, "sys", got.System)
	require.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
}

func TestErrorEvents(t *testing.T) {
	var overloaded atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if overloaded.Load() {
			event(w, "error", map[string]any{"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"}})
			return
		}
		event(w, "error", map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": "bad"}})
	}))
	defer srv.Close()
	c := New("k", WithBaseURL(srv.URL))

	s, _ := c.Stream(context.Background(), client.Request{Query: "q"})
	_, err := client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.BackendError))
	require.Equal(t, "Claude API error: bad", failure.Message(err))

	overloaded.Store(true)
	s, _ = c.Stream(context.Background(), client.Request{Query: "q"})
	_, err = client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.TransportFailure))
}

func TestMissingKeyIsRejected(t *testing.T) {
	_, err := New("").Stream(context.Background(), client.Request{Query: "q"})
	require.True(t, failure.Is(err, failure.BackendError))
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()
	s, _ := New("k", WithBaseURL(srv.URL)).Stream(context.Background(), client.Request{Query: "q"})
	_, err := client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.BackendError))
	require.Contains(t, err.Error(), "invalid x-api-key")
}
