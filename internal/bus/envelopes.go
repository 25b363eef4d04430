package bus

import "github.com/wiremesh/chatcore/internal/domain"

// NewMessageEvent is the TopicNewMessage payload. Field names are
// snake_case on the wire per spec §6; the Go struct tags exist for
// components that re-marshal this envelope onto an outbound HTTP call to
// the central service.
type NewMessageEvent struct {
	ID                     string          `json:"id"`
	ChannelID              string          `json:"channel_id"`
	MessageServerID        string          `json:"message_server_id"`
	AuthorID               string          `json:"author_id"`
	Content                string          `json:"content"`
	CreatedAtMillis        int64           `json:"created_at"`
	SourceType             domain.SourceType `json:"source_type"`
	RawMessage             domain.Metadata `json:"raw_message,omitempty"`
	Metadata               domain.Metadata `json:"metadata,omitempty"`
	InReplyToRootMessageID string          `json:"in_reply_to_message_id,omitempty"`
	AuthorDisplayName      string          `json:"author_display_name,omitempty"`
}

// MessageStreamChunkEvent is the TopicMessageStreamChunk payload.
type MessageStreamChunkEvent struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
	Index     int    `json:"index"`
	AgentID   string `json:"agentId"`
}

// MessageStreamErrorEvent is the TopicMessageStreamError payload.
type MessageStreamErrorEvent struct {
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
	AgentID     string `json:"agentId"`
	Error       string `json:"error"`
	PartialText string `json:"partialText,omitempty"`
}

// ServerAgentUpdateType is closed: the agent connector switches
// exhaustively on it to decide whether to add or remove the server from
// its subscribed set.
type ServerAgentUpdateType string

const (
	AgentAddedToServer   ServerAgentUpdateType = "agent_added_to_server"
	AgentRemovedFromServer ServerAgentUpdateType = "agent_removed_from_server"
)

// ServerAgentUpdateEvent is the TopicServerAgentUpdate payload.
type ServerAgentUpdateEvent struct {
	Type            ServerAgentUpdateType `json:"type"`
	MessageServerID string                `json:"messageServerId"`
	AgentID         string                `json:"agentId"`
}

// MessageDeletedEvent is the TopicMessageDeleted payload.
type MessageDeletedEvent struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ChannelClearedEvent is the TopicChannelCleared payload.
type ChannelClearedEvent struct {
	ChannelID string `json:"channelId"`
}
