package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
)

func (api *API) mountServers(r chi.Router) {
	r.Get("/message-server/current", api.handleCurrentServer)
	r.Get("/message-servers", api.handleListServers)
	r.Post("/message-servers", api.handleCreateServer)
	r.Get("/message-servers/{serverID}/agents", api.handleListServerAgents)
	r.Post("/message-servers/{serverID}/agents", api.handleAddServerAgent)
	r.Delete("/message-servers/{serverID}/agents/{agentID}", api.handleRemoveServerAgent)
	r.Get("/agents/{agentID}/message-servers", api.handleAgentServers)
}

func (api *API) handleCurrentServer(w http.ResponseWriter, r *http.Request) {
	server, err := api.deps.Store.GetServerByID(r.Context(), api.deps.CurrentServerID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"server": newServerDTO(server)})
}

func (api *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := api.deps.Store.ListServers(r.Context())
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": newServerDTOs(servers)})
}

type createServerRequest struct {
	Name       string          `json:"name"`
	SourceType string          `json:"sourceType"`
	SourceID   string          `json:"sourceId"`
	Metadata   domain.Metadata `json:"metadata"`
}

func (api *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	server := &domain.MessageServer{
		ID:         ids.New(),
		Name:       req.Name,
		SourceType: domain.SourceType(req.SourceType),
		SourceID:   req.SourceID,
		Metadata:   req.Metadata,
	}
	if err := api.deps.Store.CreateServer(r.Context(), server); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"server": newServerDTO(server)})
}

func (api *API) handleListServerAgents(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	agents, err := api.deps.Store.ListAgentsForServer(r.Context(), serverID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

type serverAgentRequest struct {
	AgentID string `json:"agentId"`
}

// handleAddServerAgent implements the row-level-isolation guard spec §9
// requires: mutating a server's agent roster is only permitted against
// the process's own currentServerId.
func (api *API) handleAddServerAgent(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if serverID != api.deps.CurrentServerID {
		writeError(w, apierr.New(apierr.CodeForbiddenServerMismatch, "message server id does not match the current server"))
		return
	}
	var req serverAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !ids.Validate(req.AgentID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "agentId must be a valid identifier"))
		return
	}
	if err := api.deps.Store.AddAgentToServer(r.Context(), serverID, req.AgentID); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	if api.deps.Bus != nil {
		bus.Publish(api.deps.Bus, bus.TopicServerAgentUpdate, bus.ServerAgentUpdateEvent{
			Type: bus.AgentAddedToServer, MessageServerID: serverID, AgentID: req.AgentID,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"added": true})
}

func (api *API) handleRemoveServerAgent(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	agentID := chi.URLParam(r, "agentID")
	if serverID != api.deps.CurrentServerID {
		writeError(w, apierr.New(apierr.CodeForbiddenServerMismatch, "message server id does not match the current server"))
		return
	}
	if err := api.deps.Store.RemoveAgentFromServer(r.Context(), serverID, agentID); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	if api.deps.Bus != nil {
		bus.Publish(api.deps.Bus, bus.TopicServerAgentUpdate, bus.ServerAgentUpdateEvent{
			Type: bus.AgentRemovedFromServer, MessageServerID: serverID, AgentID: agentID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": true})
}

func (api *API) handleAgentServers(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	servers, err := api.deps.Store.ListServersForAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messageServers": servers})
}
