package socket

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
)

// roomJoiningPayload is ROOM_JOINING's wire shape, per spec §4.4.
type roomJoiningPayload struct {
	ChannelID       string          `json:"channelId"`
	RoomID          string          `json:"roomId"`
	AgentID         string          `json:"agentId"`
	EntityID        string          `json:"entityId"`
	MessageServerID string          `json:"messageServerId"`
	Metadata        domain.Metadata `json:"metadata"`
}

func (p *roomJoiningPayload) channelID() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.RoomID
}

func (r *Router) handleRoomJoining(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p roomJoiningPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.emit("messageError", map[string]interface{}{"message": "malformed ROOM_JOINING payload"})
		return
	}
	channelID := p.channelID()
	if !ids.ValidateChannelID(channelID) {
		c.emit("messageError", map[string]interface{}{"message": "invalid channelId"})
		return
	}

	entityID := p.EntityID
	if entityID == "" {
		entityID = c.entityID
	}

	if !r.checkRoomAccess(ctx, channelID, entityID) {
		c.emit("messageError", map[string]interface{}{"message": "access denied to channel"})
		return
	}

	r.mu.Lock()
	if r.rooms[channelID] == nil {
		r.rooms[channelID] = make(map[*Conn]struct{})
	}
	r.rooms[channelID][c] = struct{}{}
	c.mu.Lock()
	c.allowedRooms[channelID] = struct{}{}
	c.mu.Unlock()
	if ids.Validate(p.AgentID) {
		r.socketAgent[c] = p.AgentID
	}
	r.mu.Unlock()

	c.emit("channel_joined", map[string]interface{}{"channelId": channelID})
	c.emit("room_joined", map[string]interface{}{"roomId": channelID}) // backward-compat mirror

	if r.joinNotifier != nil && ids.Validate(entityID) && ids.Validate(p.MessageServerID) {
		channelType := "GROUP"
		if p.Metadata.IsDM() {
			channelType = "DM"
		}
		meta := domain.Metadata{}
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta["type"] = channelType
		go func() {
			if err := r.joinNotifier.NotifyEntityJoined(ctx, EntityJoinedEvent{
				EntityID: entityID,
				WorldID:  p.MessageServerID,
				RoomID:   channelID,
				Metadata: meta,
			}); err != nil {
				r.logger.Warn("socket: ENTITY_JOINED notification failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

// checkRoomAccess reports whether entityID may join channelID. When data
// isolation is disabled, every channel is joinable. The result is
// cached per channel (not per entity) since participant sets change
// rarely relative to join volume; a cache hit still re-checks entityID
// membership in the cached set.
func (r *Router) checkRoomAccess(ctx context.Context, channelID, entityID string) bool {
	if !r.dataIsolationEnabled {
		return true
	}
	if participants, ok := r.allowedRoomsCache.Get(channelID); ok {
		_, member := participants[entityID]
		return member
	}

	channel, err := r.store.GetChannelDetails(ctx, channelID)
	if err != nil {
		return false
	}
	set := make(map[string]struct{}, len(channel.Participants))
	for _, p := range channel.Participants {
		set[p] = struct{}{}
	}
	r.allowedRoomsCache.Add(channelID, set)
	_, member := set[entityID]
	return member
}

// sendMessagePayload is SEND_MESSAGE's wire shape, per spec §4.4.
type sendMessagePayload struct {
	ChannelID       string          `json:"channelId"`
	RoomID          string          `json:"roomId"`
	SenderID        string          `json:"senderId"`
	SenderName      string          `json:"senderName"`
	Message         string          `json:"message"`
	MessageServerID string          `json:"messageServerId"`
	Metadata        domain.Metadata `json:"metadata"`
	Attachments     interface{}     `json:"attachments"`
	TargetUserID    string          `json:"targetUserId"`
	MessageID       string          `json:"messageId"` // client-correlation id for messageAck
}

func (p *sendMessagePayload) channelID() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.RoomID
}

func (r *Router) handleSendMessage(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.emit("messageError", map[string]interface{}{"message": "malformed SEND_MESSAGE payload"})
		return
	}

	channelID := p.channelID()
	if !ids.ValidateChannelID(channelID) || !ids.Validate(p.SenderID) || !ids.Validate(p.MessageServerID) {
		c.emit("messageError", map[string]interface{}{"message": "invalid identifiers"})
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		c.emit("messageError", map[string]interface{}{"message": "message must not be empty"})
		return
	}

	metadata := domain.Metadata{}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if p.TargetUserID != "" {
		metadata["targetUserId"] = p.TargetUserID
	}
	if p.Attachments != nil {
		metadata["attachments"] = p.Attachments
	}

	msg, err := r.channels.PostMessage(ctx, channelsvc.PostMessageInput{
		ChannelID:         channelID,
		AuthorID:          p.SenderID,
		MessageServerID:   p.MessageServerID,
		Content:           p.Message,
		Metadata:          metadata,
		SourceType:        domain.SourceTypeUser,
		AuthorDisplayName: p.SenderName,
	})
	if err != nil {
		c.emit("messageError", map[string]interface{}{"message": err.Error()})
		return
	}

	// The generic broadcaster fan-out (below, via BroadcastMessage) reaches
	// every room member including the sender; the client reconciles its
	// own echo against messageAck's clientMessageId rather than the
	// router suppressing the sender at the transport layer.
	c.emit("messageAck", map[string]interface{}{
		"clientMessageId": p.MessageID,
		"messageId":       msg.ID,
		"status":          "sent",
	})
}

// logFilterPayload is subscribe_logs/update_log_filters' wire shape.
type logFilterPayload struct {
	AgentName string `json:"agentName"`
	Level     int    `json:"level"`
}

func (r *Router) handleSubscribeLogs(c *Conn, raw json.RawMessage) {
	filter, ok := r.applyLogFilter(c, raw)
	if !ok {
		return
	}
	c.emit("log_subscription_confirmed", map[string]interface{}{
		"agentName": filter.AgentName,
		"level":     filter.Level,
	})
}

func (r *Router) handleUpdateLogFilters(c *Conn, raw json.RawMessage) {
	filter, ok := r.applyLogFilter(c, raw)
	if !ok {
		return
	}
	c.emit("log_filters_updated", map[string]interface{}{
		"agentName": filter.AgentName,
		"level":     filter.Level,
	})
}

func (r *Router) applyLogFilter(c *Conn, raw json.RawMessage) (*LogFilter, bool) {
	var p logFilterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.emit("messageError", map[string]interface{}{"message": "malformed log filter payload"})
		return nil, false
	}
	filter := &LogFilter{AgentName: p.AgentName, Level: p.Level}
	r.mu.Lock()
	r.logSubs[c] = filter
	r.mu.Unlock()
	return filter, true
}

func (r *Router) handleUnsubscribeLogs(c *Conn) {
	r.mu.Lock()
	delete(r.logSubs, c)
	r.mu.Unlock()
}

// BroadcastLog forwards entry to every socket whose log filter matches.
func (r *Router) BroadcastLog(entry LogEntry) {
	r.mu.RLock()
	matching := make([]*Conn, 0)
	for conn, filter := range r.logSubs {
		if filter.matches(entry) {
			matching = append(matching, conn)
		}
	}
	r.mu.RUnlock()
	for _, conn := range matching {
		conn.emit("log_stream", map[string]interface{}{
			"agentName": entry.AgentName,
			"level":     entry.Level,
			"message":   entry.Message,
			"timestamp": entry.Timestamp,
		})
	}
}

// BroadcastMessage implements channelsvc.SocketBroadcaster.
func (r *Router) BroadcastMessage(channelID string, msg *domain.Message) {
	r.broadcastToRoom(channelID, "messageBroadcast", msg)
}

// BroadcastMessageDeleted implements channelsvc.SocketBroadcaster.
func (r *Router) BroadcastMessageDeleted(channelID, messageID string) {
	r.broadcastToRoom(channelID, "messageDeleted", map[string]interface{}{"messageId": messageID, "channelId": channelID})
}

// BroadcastChannelCleared implements channelsvc.SocketBroadcaster.
func (r *Router) BroadcastChannelCleared(channelID string) {
	r.broadcastToRoom(channelID, "channelCleared", map[string]interface{}{"channelId": channelID})
}
