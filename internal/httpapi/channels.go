package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/dispatcher"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
)

func (api *API) mountChannels(r chi.Router) {
	r.Post("/channels/{channelID}/messages", api.handlePostMessage)
	r.Get("/channels/{channelID}/messages", api.handleGetMessages)
	r.Delete("/channels/{channelID}/messages", api.handleClearChannel)
	r.Delete("/channels/{channelID}/messages/{messageID}", api.handleDeleteMessage)

	r.Post("/channels", api.handleCreateChannel)
	r.Get("/channels/{channelID}/details", api.handleChannelDetails)
	r.Get("/channels/{channelID}/participants", api.handleListParticipants)
	r.Get("/channels/{channelID}/agents", api.handleListParticipants)
	r.Post("/channels/{channelID}/agents", api.handleAddChannelAgent)
	r.Delete("/channels/{channelID}/agents/{agentID}", api.handleRemoveChannelAgent)

	r.Patch("/channels/{channelID}", api.handleUpdateChannel)
	r.Delete("/channels/{channelID}", api.handleDeleteChannel)

	r.Post("/channels/{channelID}/generate-title", api.handleGenerateTitle)
}

type postMessageRequest struct {
	AuthorID          string          `json:"author_id"`
	Content           string          `json:"content"`
	MessageServerID   string          `json:"message_server_id"`
	InReplyTo         string          `json:"in_reply_to_message_id"`
	RawMessage        domain.Metadata `json:"raw_message"`
	Metadata          domain.Metadata `json:"metadata"`
	SourceType        string          `json:"source_type"`
	Transport         string          `json:"transport"`
	Mode              string          `json:"mode"`
	AuthorDisplayName string          `json:"author_display_name"`
}

// transportRaw resolves the transport|mode pair per spec §6; transport
// wins when both are present. Either value only needs to be well-formed
// here — postMessage itself never dispatches to the agent runtime, so
// the result is validated for client feedback but otherwise unused.
func (req postMessageRequest) transportRaw() string {
	if req.Transport != "" {
		return req.Transport
	}
	return req.Mode
}

func (api *API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := dispatcher.ValidateTransport(req.transportRaw()); err != nil {
		writeError(w, err)
		return
	}

	msg, err := api.deps.Channels.PostMessage(r.Context(), channelsvc.PostMessageInput{
		ChannelID:         channelID,
		AuthorID:          req.AuthorID,
		MessageServerID:   req.MessageServerID,
		Content:           req.Content,
		InReplyTo:         req.InReplyTo,
		RawMessage:        req.RawMessage,
		Metadata:          req.Metadata,
		SourceType:        domain.SourceType(req.SourceType),
		AuthorDisplayName: req.AuthorDisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": newMessageDTO(msg)})
}

func (api *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}

	limit := ids.ParseIntDefault(r.URL.Query().Get("limit"), 0)
	var before *string
	if b := r.URL.Query().Get("before"); b != "" {
		before = &b
	}

	msgs, err := api.deps.Channels.GetMessages(r.Context(), channelID, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": newMessageDTOs(msgs)})
}

func (api *API) handleClearChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	if err := api.deps.Channels.ClearChannel(r.Context(), channelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (api *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	if err := api.deps.Channels.DeleteMessage(r.Context(), channelID, messageID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

type createChannelRequest struct {
	MessageServerID string          `json:"message_server_id"`
	Name            string          `json:"name"`
	Participants    []string        `json:"participants"`
	Metadata        domain.Metadata `json:"metadata"`
}

// handleCreateChannel implements "POST /channels — create a group
// channel": every participant must be a well-formed identifier, and
// the channel is created directly against the store since channelsvc's
// own channel-creation path is reserved for postMessage's
// auto-create-on-first-message flow.
func (api *API) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !ids.Validate(req.MessageServerID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "message_server_id must be a valid identifier"))
		return
	}
	for _, p := range req.Participants {
		if !ids.Validate(p) {
			writeError(w, apierr.New(apierr.CodeInvalidID, "every participant must be a valid identifier"))
			return
		}
	}
	if req.MessageServerID != api.deps.CurrentServerID {
		writeError(w, apierr.New(apierr.CodeForbiddenServerMismatch, "message_server_id does not match the current server"))
		return
	}

	channel := &domain.Channel{
		ID:              ids.New(),
		MessageServerID: req.MessageServerID,
		Name:            req.Name,
		Type:            domain.ChannelTypeGroup,
		Participants:    req.Participants,
		Metadata:        req.Metadata,
	}
	if err := api.deps.Store.CreateChannel(r.Context(), channel); err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"channel": newChannelDTO(channel)})
}

func (api *API) handleChannelDetails(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	channel, err := api.deps.Store.GetChannelDetails(r.Context(), channelID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channel": newChannelDTO(channel)})
}

func (api *API) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	participants, err := api.deps.Channels.ListParticipants(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participants": participants})
}

type addAgentRequest struct {
	AgentID string `json:"agentId"`
}

func (api *API) handleAddChannelAgent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	var req addAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !ids.Validate(req.AgentID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "agentId must be a valid identifier"))
		return
	}
	if err := api.deps.Channels.AddParticipants(r.Context(), channelID, []string{req.AgentID}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": true})
}

func (api *API) handleRemoveChannelAgent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	agentID := chi.URLParam(r, "agentID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	if err := api.deps.Channels.RemoveParticipant(r.Context(), channelID, agentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": true})
}

type updateChannelRequest struct {
	Name     *string         `json:"name"`
	Metadata domain.Metadata `json:"metadata"`
}

func (api *API) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	channel, err := api.deps.Store.GetChannelDetails(r.Context(), channelID)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	var req updateChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		channel.Name = *req.Name
	}
	if req.Metadata != nil {
		channel.Metadata = req.Metadata
	}
	if err := api.deps.Channels.UpdateChannel(r.Context(), channel); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channel": newChannelDTO(channel)})
}

func (api *API) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	if err := api.deps.Channels.DeleteChannel(r.Context(), channelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

type generateTitleRequest struct {
	AgentID string `json:"agentId"`
}

func (api *API) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !api.guardChannelID(w, r, channelID) {
		return
	}
	var req generateTitleRequest
	_ = decodeJSON(r, &req) // agentId is optional context for the title prompt

	title, err := api.deps.Channels.GenerateTitle(r.Context(), channelID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"title": title})
}

// guardChannelID applies the failure-only abuse counter to malformed
// channel ids before any persistence call, per §5's "skips successful
// validations" design.
func (api *API) guardChannelID(w http.ResponseWriter, r *http.Request, channelID string) bool {
	if ids.ValidateChannelID(channelID) {
		return true
	}
	key := clientKeyFromRequest(r)
	if api.deps.ChannelFailures.RecordFailure(key) {
		writeError(w, apierr.New(apierr.CodeRateLimitExceeded, "too many invalid channel id attempts"))
		return false
	}
	writeError(w, apierr.New(apierr.CodeInvalidChannelID, "channel id is missing or malformed"))
	return false
}

func clientKeyFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
