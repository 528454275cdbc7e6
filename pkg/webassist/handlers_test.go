package webassist

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/client/scripted"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

func TestAskStreamsAnswerIntoSession(t *testing.T) {
	c, err := scripted.New("msg:Hello,msg: world,ok", 0)
	require.NoError(t, err)
	srv := newTestServer(t, newTestManager(t, c))

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ask := decode[AskResponse](t, resp)
	require.Equal(t, "s1", ask.SessionID)
	require.NotEmpty(t, ask.RequestID)

	require.Eventually(t, func() bool {
		st := getStatus(t, srv.URL, "s1")
		return st.State == assistant.StateIdle && st.ResponseText == "Hello world"
	}, waitFor, 10*time.Millisecond)

	st := getStatus(t, srv.URL, "s1")
	require.Len(t, st.History, 1)
	require.Equal(t, "hi", st.History[0].Query)
	require.Equal(t, ask.RequestID, st.RequestID)

	list := decode[map[string][]Info](t, do(t, http.MethodGet, srv.URL+"/api/sessions", nil))
	require.Len(t, list["sessions"], 1)
	require.Equal(t, KindGeneral, list["sessions"][0].Kind)
}

func TestAskValidation(t *testing.T) {
	srv := newTestServer(t, newTestManager(t, scripted.Echo(0)))

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "hi", Kind: "weird"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "hi", Action: "dance"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/s1/ask", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestActionsUseCannedPrompts(t *testing.T) {
	m := scripted.NewManual()
	srv := newTestServer(t, newTestManager(t, m))

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Action: ActionSummarize, ChannelName: "eng"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h, err := m.Await(waitFor)
	require.NoError(t, err)
	require.Contains(t, strings.ToLower(h.Request.Query), "summar")
	require.True(t, h.Done())
}

func TestUnknownSessionIs404(t *testing.T) {
	srv := newTestServer(t, newTestManager(t, scripted.Echo(0)))
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/nope"},
		{http.MethodPost, "/api/sessions/nope/cancel"},
		{http.MethodPost, "/api/sessions/nope/collapse"},
		{http.MethodPost, "/api/sessions/nope/dismiss-error"},
		{http.MethodDelete, "/api/sessions/nope/history"},
		{http.MethodDelete, "/api/sessions/nope"},
	} {
		resp := do(t, tc.method, srv.URL+tc.path, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestCancelAndClearHistory(t *testing.T) {
	m := scripted.NewManual()
	srv := newTestServer(t, newTestManager(t, m))

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "long one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h, err := m.Await(waitFor)
	require.NoError(t, err)
	require.True(t, h.Chunk("Par"))
	require.Eventually(t, func() bool { return getStatus(t, srv.URL, "s1").State == assistant.StateStreaming }, waitFor, 10*time.Millisecond)

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1/history", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decode[map[string]bool](t, resp)["cancelled"])

	st := getStatus(t, srv.URL, "s1")
	require.Equal(t, assistant.StateIdle, st.State)
	require.Empty(t, st.LastError)
	require.Empty(t, st.History)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s1/cancel", nil)
	require.False(t, decode[map[string]bool](t, resp)["cancelled"])

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1/history", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/api/sessions/s1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendErrorCanBeDismissed(t *testing.T) {
	c, err := scripted.New("msg:partial,err:model overloaded", 0)
	require.NoError(t, err)
	srv := newTestServer(t, newTestManager(t, c))

	do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "hi"})
	require.Eventually(t, func() bool { return getStatus(t, srv.URL, "s1").State == assistant.StateErrored }, waitFor, 10*time.Millisecond)
	st := getStatus(t, srv.URL, "s1")
	require.Equal(t, "partial", st.ResponseText)
	require.Contains(t, st.LastError, "model overloaded")

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/dismiss-error", nil)
	require.True(t, decode[map[string]bool](t, resp)["dismissed"])
	st = getStatus(t, srv.URL, "s1")
	require.Equal(t, assistant.StateIdle, st.State)
	require.Empty(t, st.LastError)
}

func TestWebsocketReceivesHelloAndUpdates(t *testing.T) {
	m := scripted.NewManual()
	srv := newTestServer(t, newTestManager(t, m))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	read := func() sessionevents.Envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := sessionevents.DecodeEnvelope(data)
		require.NoError(t, err)
		return env
	}

	hello := read()
	require.Equal(t, "hello", hello.Type)
	require.Equal(t, assistant.StateIdle, hello.Update.Status.State)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var pong map[string]any
	require.NoError(t, json.Unmarshal(data, &pong))
	require.Equal(t, "pong", pong["type"])

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/ask", AskRequestBody{Query: "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h, err := m.Await(waitFor)
	require.NoError(t, err)
	require.True(t, h.Chunk("Hel"))
	require.True(t, h.Chunk("lo"))
	require.True(t, h.Done())

	var lastSeq uint64
	for {
		env := read()
		require.Equal(t, sessionevents.TypeStatus, env.Type)
		require.Greater(t, env.Seq, lastSeq)
		lastSeq = env.Seq
		if env.Update.Appended != nil {
			require.Equal(t, "Hello", env.Update.Status.ResponseText)
			require.Equal(t, assistant.StateIdle, env.Update.Status.State)
			break
		}
	}
}

func TestWebsocketRequiresSessionID(t *testing.T) {
	srv := newTestServer(t, newTestManager(t, scripted.Echo(0)))
	resp := do(t, http.MethodGet, srv.URL+"/ws", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
