package webassist

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

// AskRequestBody is the JSON body of POST /api/sessions/{id}/ask. Action
// selects one of the canned prompts; an empty action asks Query verbatim.
type AskRequestBody struct {
	Query       string `json:"query"`
	Kind        string `json:"kind,omitempty"`
	Action      string `json:"action,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
}

type AskResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

const (
	ActionAsk       = "ask"
	ActionSummarize = "summarize"
	ActionFind      = "find"
	ActionDraft     = "draft"
	ActionDaily     = "daily"
)

// Handlers serves the session API.
type Handlers struct {
	manager  *SessionManager
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandlers(manager *SessionManager) *Handlers {
	return &Handlers{
		manager:  manager,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   log.With().Str("component", "webassist").Logger(),
	}
}

// Mount registers all routes on mux.
func (h *Handlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/ask", h.handleAsk)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/sessions/{id}/collapse", h.handleCollapse)
	mux.HandleFunc("POST /api/sessions/{id}/toggle-expanded", h.handleToggleExpanded)
	mux.HandleFunc("POST /api/sessions/{id}/dismiss-error", h.handleDismissError)
	mux.HandleFunc("DELETE /api/sessions/{id}/history", h.handleClearHistory)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDelete)
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *Handlers) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": h.manager.List()})
}

func (h *Handlers) handleGet(w http.ResponseWriter, req *http.Request) {
	s, ok := h.session(w, req)
	if !ok {
		return
	}
	st, err := s.Engine.Snapshot(req.Context())
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", s.ID).Msg("history read failed")
	}
	writeJSONResponse(w, http.StatusOK, st)
}

func (h *Handlers) handleAsk(w http.ResponseWriter, req *http.Request) {
	var body AskRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	kind, err := ParseKind(body.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.manager.GetOrCreate(req.PathValue("id"), kind)
	if err != nil {
		if stderrors.Is(err, ErrManagerClosed) {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error().Err(err).Str("session_id", req.PathValue("id")).Msg("session create failed")
		http.Error(w, "could not create session", http.StatusInternalServerError)
		return
	}

	hint := contextsnap.Hint{ChannelID: body.ChannelID, ChannelName: body.ChannelName, Query: body.Query}
	ctx := req.Context()
	var requestID string
	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "", ActionAsk:
		requestID, err = s.Engine.Ask(ctx, body.Query, hint)
	case ActionSummarize:
		requestID, err = s.Engine.SummarizeChannel(ctx, hint)
	case ActionFind:
		requestID, err = s.Engine.FindMessages(ctx, body.Query, hint)
	case ActionDraft:
		requestID, err = s.Engine.DraftReply(ctx, body.Query, hint)
	case ActionDaily:
		requestID, err = s.Engine.DailySummary(ctx, hint)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	switch {
	case err == nil:
	case stderrors.Is(err, assistant.ErrEmptyQuery):
		http.Error(w, "missing query", http.StatusBadRequest)
		return
	case stderrors.Is(err, assistant.ErrClosed):
		http.Error(w, "session closed", http.StatusGone)
		return
	default:
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("ask failed")
		http.Error(w, "ask failed", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, AskResponse{SessionID: s.ID, RequestID: requestID})
}

func (h *Handlers) handleCancel(w http.ResponseWriter, req *http.Request) {
	if s, ok := h.session(w, req); ok {
		writeJSONResponse(w, http.StatusOK, map[string]bool{"cancelled": s.Engine.Cancel()})
	}
}

func (h *Handlers) handleCollapse(w http.ResponseWriter, req *http.Request) {
	if s, ok := h.session(w, req); ok {
		writeJSONResponse(w, http.StatusOK, map[string]bool{"collapsed": s.Engine.Collapse()})
	}
}

func (h *Handlers) handleToggleExpanded(w http.ResponseWriter, req *http.Request) {
	if s, ok := h.session(w, req); ok {
		writeJSONResponse(w, http.StatusOK, map[string]bool{"expanded": s.Engine.ToggleExpanded()})
	}
}

func (h *Handlers) handleDismissError(w http.ResponseWriter, req *http.Request) {
	if s, ok := h.session(w, req); ok {
		writeJSONResponse(w, http.StatusOK, map[string]bool{"dismissed": s.Engine.DismissError()})
	}
}

func (h *Handlers) handleClearHistory(w http.ResponseWriter, req *http.Request) {
	s, ok := h.session(w, req)
	if !ok {
		return
	}
	switch err := s.Engine.ClearHistory(req.Context()); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case stderrors.Is(err, assistant.ErrBusy):
		http.Error(w, "a request is in flight", http.StatusConflict)
	default:
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("clear history failed")
		http.Error(w, "clear history failed", http.StatusInternalServerError)
	}
}

func (h *Handlers) handleDelete(w http.ResponseWriter, req *http.Request) {
	if err := h.manager.Remove(req.PathValue("id")); stderrors.Is(err, ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) session(w http.ResponseWriter, req *http.Request) (*Session, bool) {
	s, ok := h.manager.Get(req.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (h *Handlers) handleWS(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	kind, err := ParseKind(req.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.manager.GetOrCreate(sessionID, kind)
	if err != nil {
		http.Error(w, "could not join session", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	wsLog := h.logger.With().Str("remote", conn.RemoteAddr().String()).Str("session_id", s.ID).Logger()
	if err := h.manager.Attach(req.Context(), s, conn); err != nil {
		wsLog.Error().Err(err).Msg("ws attach failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
		_ = conn.Close()
		return
	}
	wsLog.Info().Msg("ws connected")

	st, err := s.Engine.Snapshot(req.Context())
	if err != nil {
		wsLog.Warn().Err(err).Msg("history read failed")
	}
	if b, err := json.Marshal(sessionevents.Envelope{Type: "hello", SessionID: s.ID, Update: assistant.Update{Status: st}}); err == nil {
		s.pool.SendToOne(conn, b)
	}

	go func() {
		defer s.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		conn.SetReadLimit(64 << 10)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				pong, _ := json.Marshal(map[string]any{"type": "pong", "session_id": s.ID, "server_time": time.Now().UnixMilli()})
				s.pool.SendToOne(conn, pong)
			}
		}
	}()
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &v) == nil && strings.EqualFold(v.Type, "ping")
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status > 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
