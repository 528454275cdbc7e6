package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, userCalls *int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true,"channels":[{"id":"C1","name":"eng","purpose":{"value":"build things"}}]}`))
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "C1" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"ok":true,"messages":[
			{"ts":"1773150000.000200","user":"U1","text":"newer"},
			{"ts":"1773140000.000100","user":"U1","text":"older"}]}`))
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(userCalls, 1)
		_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","name":"alice","profile":{"display_name":"Alice"}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSourceAgainstFakeSlack(t *testing.T) {
	var userCalls int32
	srv := newTestServer(t, &userCalls)
	src := New("xoxb-test", WithBaseURL(srv.URL), WithRateLimit(1000, 100))
	ctx := context.Background()

	channels, err := src.Channels(ctx)
	require.NoError(t, err)
	require.Equal(t, []contextsnap.Channel{{ID: "C1", Name: "eng", Purpose: "build things"}}, channels)

	items, err := src.RecentItems(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "newer", items[0].Text)
	require.Equal(t, int64(1773150000), items[0].Timestamp.Unix())

	_, err = src.RecentItems(ctx, "C9", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "channel_not_found", apiErr.Code)

	for i := 0; i < 3; i++ {
		name, err := src.UserName(ctx, "U1")
		require.NoError(t, err)
		require.Equal(t, "Alice", name)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&userCalls))
}

func TestSourceFeedsChannelBuilder(t *testing.T) {
	var userCalls int32
	srv := newTestServer(t, &userCalls)
	src := New("xoxb-test", WithBaseURL(srv.URL), WithRateLimit(1000, 100))

	b := contextsnap.NewChannelBuilder(src)
	snap := b.Build(context.Background(), contextsnap.Hint{Query: "latest in #eng"})
	require.Equal(t, 2, snap.Len())
	sum := snap.Summary()
	require.Equal(t, []string{"#eng"}, sum.ChannelNames)
	require.Equal(t, []string{"Alice"}, sum.UserNames)
	require.Equal(t, "older", snap.Items()[0].Text)
}

func TestSourceHTTPErrorsAreReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	src := New("t", WithBaseURL(srv.URL), WithRateLimit(1000, 100))
	_, err := src.Channels(context.Background())
	require.ErrorContains(t, err, "rate limited")
}

func TestParseTS(t *testing.T) {
	ts := ParseTS("1700000000.000100")
	require.Equal(t, time.Unix(1700000000, 100000), ts)
	require.True(t, ParseTS("garbage").IsZero())
}

func TestSearchUsesUserToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search.messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer xoxp-user", r.Header.Get("Authorization"))
		q := r.URL.Query()
		require.Equal(t, "release", q.Get("query"))
		require.Equal(t, "10", q.Get("count"))
		require.Equal(t, "timestamp", q.Get("sort"))
		require.Equal(t, "desc", q.Get("sort_dir"))
		_, _ = w.Write([]byte(`{"ok":true,"messages":{"total":2,"matches":[
			{"ts":"1773150000.000200","user":"U1","username":"alice","text":"release is out"},
			{"ts":"1773140000.000100","user":"U2","text":"release blocked"}]}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := New("xoxb-test", WithBaseURL(srv.URL), WithUserToken("xoxp-user"), WithRateLimit(1000, 100))
	items, err := src.Search(context.Background(), "release", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "release is out", items[0].Text)
	require.Equal(t, "alice", items[0].AuthorName)
	require.Equal(t, int64(1773140000), items[1].Timestamp.Unix())
}

func TestSearchReportsAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search.messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":false,"error":"not_allowed_token_type"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := New("xoxb-test", WithBaseURL(srv.URL), WithRateLimit(1000, 100))
	_, err := src.Search(context.Background(), "release", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "not_allowed_token_type", apiErr.Code)
}
