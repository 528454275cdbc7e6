package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, handler func(w http.ResponseWriter, body requestBody)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrame(w http.ResponseWriter, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestClientStreamsBackendProtocol(t *testing.T) {
	var got requestBody
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		got = body
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, map[string]any{"event": "user_message", "id": "u1"})
		writeFrame(w, map[string]any{"event": "text", "content": "Team"})
		writeFrame(w, map[string]any{"event": "text", "content": " shipped"})
		writeFrame(w, map[string]any{"event": "text", "content": " v2."})
		writeFrame(w, map[string]any{"event": "done", "assistant_message_id": "a1"})
	})

	snap := contextsnap.NewSnapshot(&contextsnap.Channel{ID: "C1", Name: "eng"},
		[]contextsnap.Item{{ID: "1", Text: "hi", Timestamp: time.Now()}}, time.Now())
	c := New(srv.URL, WithAPIKey("secret"))
	s, err := c.Stream(context.Background(), client.Request{
		ID:           "req-1",
		Query:        "Summarize this channel",
		Context:      snap,
		SystemPrompt: "be brief",
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)

	text, err := client.Collect(s, nil)
	require.NoError(t, err)
	require.Equal(t, "Team shipped v2.", text)

	require.Equal(t, "req-1", got.RequestID)
	require.Equal(t, "be brief", got.System)
	require.NotNil(t, got.Context)
	require.Equal(t, "eng", got.Context.Channel.Name)
	require.Len(t, got.Context.Items, 1)
	require.Contains(t, got.Content, "Channel: #eng")
	require.Len(t, got.Messages, 1)
}

func TestClientBackendErrorEvent(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		writeFrame(w, map[string]any{"event": "text", "content": "par"})
		writeFrame(w, map[string]any{"event": "error", "message": "model overloaded"})
	})
	s, err := New(srv.URL, WithAPIKey("secret")).Stream(context.Background(), client.Request{Query: "q"})
	require.NoError(t, err)
	text, err := client.Collect(s, nil)
	require.Equal(t, "par", text)
	require.True(t, failure.Is(err, failure.BackendError))
	require.Equal(t, "model overloaded", failure.Message(err))
}

func TestClientTruncatedStreamIsTransportFailure(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		writeFrame(w, map[string]any{"event": "text", "content": "cut"})
	})
	s, _ := New(srv.URL, WithAPIKey("secret")).Stream(context.Background(), client.Request{Query: "q"})
	_, err := client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.TransportFailure))
}

func TestClientHTTPStatusMapping(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		if body.Query == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"query too long"}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	c := New(srv.URL, WithAPIKey("secret"))

	s, _ := c.Stream(context.Background(), client.Request{Query: "bad"})
	_, err := client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.BackendError))
	require.Contains(t, err.Error(), "query too long")

	s, _ = c.Stream(context.Background(), client.Request{Query: "other"})
	_, err = client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.TransportFailure))
}

func TestClientUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	s, err := New(url).Stream(context.Background(), client.Request{Query: "q"})
	require.NoError(t, err)
	_, err = client.Collect(s, nil)
	require.True(t, failure.Is(err, failure.TransportFailure))
}

func TestClientSeqIsForwarded(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		writeFrame(w, map[string]any{"event": "text", "content": "b", "seq": 2})
		writeFrame(w, map[string]any{"event": "text", "content": "a", "seq": 1})
		writeFrame(w, map[string]any{"event": "done"})
	})
	s, _ := New(srv.URL, WithAPIKey("secret")).Stream(context.Background(), client.Request{Query: "q"})
	ev, _ := s.Next()
	require.Equal(t, uint64(2), ev.Seq)
	ev, _ = s.Next()
	require.Equal(t, uint64(1), ev.Seq)
	ev, _ = s.Next()
	require.Equal(t, client.EventDone, ev.Kind)
	require.Equal(t, uint64(3), ev.Seq)
}

func TestClientCancelAbortsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, body requestBody) {
		writeFrame(w, map[string]any{"event": "text", "content": "first"})
		<-release
	})
	defer close(release)

	s, _ := New(srv.URL, WithAPIKey("secret")).Stream(context.Background(), client.Request{Query: "q"})
	ev, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, "first", ev.Text)
	s.Cancel()
	ev, _ = s.Next()
	require.Equal(t, client.EventCancelled, ev.Kind)
}
