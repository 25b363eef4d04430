package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/session"
)

func (api *API) mountSessions(r chi.Router) {
	r.Post("/sessions", api.handleCreateSession)
	r.Get("/sessions", api.handleListSessions)
	r.Get("/sessions/health", api.handleSessionsHealth)
	r.Get("/sessions/{sessionID}", api.handleGetSession)
	r.Delete("/sessions/{sessionID}", api.handleDeleteSession)
	r.Post("/sessions/{sessionID}/messages", api.handleSendSessionMessage)
	r.Get("/sessions/{sessionID}/messages", api.handleGetSessionMessages)
	r.Post("/sessions/{sessionID}/heartbeat", api.handleSessionHeartbeat)
	r.Post("/sessions/{sessionID}/renew", api.handleSessionRenew)
	r.Patch("/sessions/{sessionID}/timeout", api.handleUpdateSessionTimeout)
}

type createSessionRequest struct {
	AgentID                    string          `json:"agentId"`
	UserID                     string          `json:"userId"`
	Metadata                   domain.Metadata `json:"metadata"`
	TimeoutMinutes             string          `json:"timeoutMinutes"`
	AutoRenew                  *bool           `json:"autoRenew"`
	MaxDurationMinutes         string          `json:"maxDurationMinutes"`
	WarningThresholdMinutes    string          `json:"warningThresholdMinutes"`
}

func (req createSessionRequest) override() *session.TimeoutOverride {
	return &session.TimeoutOverride{
		TimeoutMinutesRaw:          req.TimeoutMinutes,
		AutoRenew:                  req.AutoRenew,
		MaxDurationMinutesRaw:      req.MaxDurationMinutes,
		WarningThresholdMinutesRaw: req.WarningThresholdMinutes,
	}
}

func (api *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := api.deps.Sessions.Create(r.Context(), req.AgentID, req.UserID, req.Metadata, req.override())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": newSessionDTO(s)})
}

func (api *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := api.deps.Sessions.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": newSessionDTOs(sessions)})
}

func (api *API) handleSessionsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.deps.Sessions.Health())
}

func (api *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !validID(sessionID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "sessionId must be a valid identifier"))
		return
	}
	view, err := api.deps.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": newSessionViewDTO(view)})
}

func (api *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := api.deps.Sessions.Delete(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

type sendSessionMessageRequest struct {
	Content   string          `json:"content"`
	Metadata  domain.Metadata `json:"metadata"`
	Transport string          `json:"transport"`
	Mode      string          `json:"mode"`
}

func (req sendSessionMessageRequest) transportRaw() string {
	if req.Transport != "" {
		return req.Transport
	}
	return req.Mode
}

// handleSendSessionMessage implements spec §4.3 sendMessage across all
// three transports. The sync and socket exits return a dispatcher.Result
// to serialize here; the stream exit writes its own SSE frames directly
// to w and hands back a nil Result, so there is nothing left to do once
// SendMessage returns.
func (api *API) handleSendSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !validID(sessionID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "sessionId must be a valid identifier"))
		return
	}
	var req sendSessionMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := api.deps.Sessions.SendMessage(r.Context(), sessionID, session.SendMessageInput{
		Content:      req.Content,
		Metadata:     req.Metadata,
		TransportRaw: req.transportRaw(),
	}, w, api.deps.AgentRuntime)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		// stream transport: the dispatcher already wrote the SSE response.
		return
	}
	if msg, ok := result.Body["userMessage"].(*domain.Message); ok {
		result.Body["userMessage"] = newMessageDTO(msg)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_ = writeJSONBody(w, result.Body)
}

func (api *API) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !validID(sessionID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "sessionId must be a valid identifier"))
		return
	}
	q := r.URL.Query()
	page, err := api.deps.Sessions.GetMessages(r.Context(), sessionID, q.Get("limit"), q.Get("before"), q.Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": newMessageDTOs(page.Messages),
		"hasMore":  page.HasMore,
		"before":   page.Before,
		"after":    page.After,
	})
}

func (api *API) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s, err := api.deps.Sessions.Heartbeat(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": newSessionDTO(s)})
}

func (api *API) handleSessionRenew(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s, err := api.deps.Sessions.Renew(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": newSessionDTO(s)})
}

type updateSessionTimeoutRequest struct {
	TimeoutMinutes          string `json:"timeoutMinutes"`
	AutoRenew               *bool  `json:"autoRenew"`
	MaxDurationMinutes      string `json:"maxDurationMinutes"`
	WarningThresholdMinutes string `json:"warningThresholdMinutes"`
}

func (api *API) handleUpdateSessionTimeout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req updateSessionTimeoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := api.deps.Sessions.UpdateTimeout(r.Context(), sessionID, session.TimeoutOverride{
		TimeoutMinutesRaw:          req.TimeoutMinutes,
		AutoRenew:                  req.AutoRenew,
		MaxDurationMinutesRaw:      req.MaxDurationMinutes,
		WarningThresholdMinutesRaw: req.WarningThresholdMinutes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": newSessionDTO(s)})
}
