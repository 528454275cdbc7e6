package openai

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
	"github.com/stretchr/testify/require"
)

func chunk(w http.ResponseWriter, content string) {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"model":   "test",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": content}}},
	})
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}

func TestStreamChatCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		chunk(w, "Team")
		chunk(w, "")
		chunk(w, " shipped")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Settings{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "test-model"})
	s, err := c.Stream(context.Background(), client.Request{Query: "q", SystemPrompt: "sys"})
	require.NoError(t, err)
	text, err := client.Collect(s, nil)
	require.NoError(t, err)
	require.Equal(t, "Team shipped", text)

	require.Equal(t, "test-model", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestAPIErrorsAreClassified(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()
	c := New(Settings{APIKey: "k", BaseURL: srv.URL + "/v1"})

	s, _ := c.Stream(context.Background(), client.Request{Query: "q"})
	_, err := client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.BackendError))
	require.Equal(t, "model not found", failure.Message(err))

	status.Store(http.StatusServiceUnavailable)
	s, _ = c.Stream(context.Background(), client.Request{Query: "q"})
	_, err = client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.TransportFailure))
}
